package discovery

import (
	"context"
	"slices"
	"sync"
	"time"
)

// MemoryDirectory is an in-process Directory for tests and single-host setups.
// Leases never expire.
type MemoryDirectory struct {
	mu        sync.Mutex
	instances map[string][]PeerInstance
	watchers  map[string][]chan []PeerInstance
}

func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{
		instances: make(map[string][]PeerInstance),
		watchers:  make(map[string][]chan []PeerInstance),
	}
}

func (m *MemoryDirectory) Register(ctx context.Context, inst PeerInstance, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	list := slices.DeleteFunc(slices.Clone(m.instances[inst.Name]), func(p PeerInstance) bool {
		return p.Addr == inst.Addr
	})
	m.instances[inst.Name] = append(list, inst)
	m.notify(inst.Name)
	return nil
}

func (m *MemoryDirectory) Deregister(ctx context.Context, name, addr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.instances[name] = slices.DeleteFunc(slices.Clone(m.instances[name]), func(p PeerInstance) bool {
		return p.Addr == addr
	})
	m.notify(name)
	return nil
}

func (m *MemoryDirectory) Discover(ctx context.Context, name string) ([]PeerInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.instances[name]), nil
}

func (m *MemoryDirectory) Watch(ctx context.Context, name string) <-chan []PeerInstance {
	ch := make(chan []PeerInstance, 1)
	m.mu.Lock()
	m.watchers[name] = append(m.watchers[name], ch)
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		m.watchers[name] = slices.DeleteFunc(m.watchers[name], func(c chan []PeerInstance) bool {
			return c == ch
		})
		m.mu.Unlock()
		close(ch)
	}()
	return ch
}

func (m *MemoryDirectory) Close() error {
	return nil
}

// notify must be called with m.mu held.
func (m *MemoryDirectory) notify(name string) {
	for _, ch := range m.watchers[name] {
		publish(ch, slices.Clone(m.instances[name]))
	}
}

var _ Directory = (*MemoryDirectory)(nil)
