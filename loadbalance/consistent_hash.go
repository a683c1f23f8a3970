package loadbalance

import (
	"fmt"
	"hash/crc32"
	"slices"
	"sort"
	"strings"
	"sync"

	"duplex-rpc/discovery"
)

// ConsistentHashBalancer maps keys to instances using a hash ring.
// The same key always maps to the same instance until the ring changes, and when a host
// joins or leaves only the keys next to it move.
//
// Each real instance is placed on the ring as 100 virtual nodes so a few hosts still
// split the key space evenly.
//
//	Hash Ring:
//	                  0
//	                ╱   ╲
//	              ╱       ╲
//	         B ●               ● A
//	           │    key ◆──►   │   (clockwise to nearest node → A)
//	         C ●               ● A' (virtual node of A)
//	              ╲       ╱
//	                ╲   ╱
type ConsistentHashBalancer struct {
	key      string // affinity key used by Pick
	replicas int

	mu    sync.RWMutex
	ring  []uint32                           // sorted hash values
	nodes map[uint32]*discovery.PeerInstance // hash value → instance
	built string                             // addresses the ring was built from
}

// NewConsistentHashBalancer creates a ring whose Pick always looks up key.
func NewConsistentHashBalancer(key string) *ConsistentHashBalancer {
	return &ConsistentHashBalancer{
		key:      key,
		replicas: 100,
		nodes:    make(map[uint32]*discovery.PeerInstance),
	}
}

// Add places an instance onto the ring. Each virtual node is hashed from "{addr}#{i}".
func (b *ConsistentHashBalancer) Add(instance *discovery.PeerInstance) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.add(instance)
	sort.Slice(b.ring, func(i, j int) bool { return b.ring[i] < b.ring[j] })
}

func (b *ConsistentHashBalancer) add(instance *discovery.PeerInstance) {
	for i := 0; i < b.replicas; i++ {
		hash := crc32.ChecksumIEEE([]byte(fmt.Sprintf("%s#%d", instance.Addr, i)))
		b.ring = append(b.ring, hash)
		b.nodes[hash] = instance
	}
}

// Pick rebuilds the ring when the instance set changed, then looks up the balancer's key.
func (b *ConsistentHashBalancer) Pick(instances []discovery.PeerInstance) (*discovery.PeerInstance, error) {
	if len(instances) == 0 {
		return nil, ErrNoInstances
	}
	b.sync(instances)
	return b.PickKey(b.key)
}

// PickKey finds the instance responsible for key: the first node clockwise from its hash.
func (b *ConsistentHashBalancer) PickKey(key string) (*discovery.PeerInstance, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if len(b.ring) == 0 {
		return nil, ErrNoInstances
	}
	hash := crc32.ChecksumIEEE([]byte(key))
	idx := sort.Search(len(b.ring), func(i int) bool {
		return b.ring[i] >= hash
	})
	// wrap around
	if idx == len(b.ring) {
		idx = 0
	}
	return b.nodes[b.ring[idx]], nil
}

func (b *ConsistentHashBalancer) sync(instances []discovery.PeerInstance) {
	addrs := make([]string, len(instances))
	for i, inst := range instances {
		addrs[i] = inst.Addr
	}
	slices.Sort(addrs)
	fingerprint := strings.Join(addrs, ",")

	b.mu.RLock()
	same := fingerprint == b.built
	b.mu.RUnlock()
	if same {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.ring = b.ring[:0]
	clear(b.nodes)
	for i := range instances {
		inst := instances[i]
		b.add(&inst)
	}
	sort.Slice(b.ring, func(i, j int) bool { return b.ring[i] < b.ring[j] })
	b.built = fingerprint
}

func (b *ConsistentHashBalancer) Name() string {
	return "ConsistentHash"
}
