package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"duplex-rpc/logging"
)

// KeyPrefix is the root of every key written by EtcdDirectory.
//
//	Key:   /duplex-rpc/{Name}/{Addr}
//	Value: JSON-encoded PeerInstance
const KeyPrefix = "/duplex-rpc/"

type EtcdConfig struct {
	Endpoints   []string
	DialTimeout time.Duration
	Logger      *zap.Logger
}

// EtcdDirectory is a Directory backed by etcd v3.
type EtcdDirectory struct {
	client *clientv3.Client
	logger *zap.Logger

	mu     sync.Mutex
	leases map[string]registration // key → live registration
}

type registration struct {
	lease  clientv3.LeaseID
	cancel context.CancelFunc // stops KeepAlive
}

func NewEtcdDirectory(cfg EtcdConfig) (*EtcdDirectory, error) {
	logger := logging.OrNop(cfg.Logger)
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
		Logger:      logger.Named("etcd"),
	})
	if err != nil {
		return nil, fmt.Errorf("discovery: connecting to etcd: %w", err)
	}
	return &EtcdDirectory{
		client: c,
		logger: logger,
		leases: make(map[string]registration),
	}, nil
}

func instanceKey(name, addr string) string {
	return KeyPrefix + name + "/" + addr
}

// Register grants a lease of ttl (rounded up to whole seconds), writes the instance under it
// and keeps the lease alive in the background.
func (d *EtcdDirectory) Register(ctx context.Context, inst PeerInstance, ttl time.Duration) error {
	seconds := int64((ttl + time.Second - 1) / time.Second)
	if seconds < 1 {
		seconds = 1
	}
	lease, err := d.client.Grant(ctx, seconds)
	if err != nil {
		return fmt.Errorf("discovery: granting lease: %w", err)
	}

	val, err := json.Marshal(inst)
	if err != nil {
		return err
	}
	key := instanceKey(inst.Name, inst.Addr)
	if _, err := d.client.Put(ctx, key, string(val), clientv3.WithLease(lease.ID)); err != nil {
		return fmt.Errorf("discovery: registering %s: %w", key, err)
	}

	// KeepAlive outlives ctx, so it gets its own context.
	kctx, cancel := context.WithCancel(context.Background())
	ch, err := d.client.KeepAlive(kctx, lease.ID)
	if err != nil {
		cancel()
		return fmt.Errorf("discovery: keeping lease alive: %w", err)
	}
	go func() {
		for range ch {
		}
		d.logger.Debug("lease keep-alive stopped", zap.String("key", key))
	}()

	d.mu.Lock()
	if old, ok := d.leases[key]; ok {
		old.cancel()
	}
	d.leases[key] = registration{lease: lease.ID, cancel: cancel}
	d.mu.Unlock()

	d.logger.Info("registered peer", zap.String("key", key), zap.Int64("ttl", seconds))
	return nil
}

// Deregister deletes the entry and revokes its lease. Called during graceful shutdown
// before the listener closes.
func (d *EtcdDirectory) Deregister(ctx context.Context, name, addr string) error {
	key := instanceKey(name, addr)

	d.mu.Lock()
	reg, ok := d.leases[key]
	delete(d.leases, key)
	d.mu.Unlock()

	if ok {
		reg.cancel()
		if _, err := d.client.Revoke(ctx, reg.lease); err != nil {
			d.logger.Warn("revoking lease", zap.String("key", key), zap.Error(err))
		}
	}
	if _, err := d.client.Delete(ctx, key); err != nil {
		return fmt.Errorf("discovery: deregistering %s: %w", key, err)
	}
	return nil
}

// Discover returns every instance currently registered under name.
func (d *EtcdDirectory) Discover(ctx context.Context, name string) ([]PeerInstance, error) {
	resp, err := d.client.Get(ctx, KeyPrefix+name+"/", clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("discovery: listing %s: %w", name, err)
	}

	instances := make([]PeerInstance, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var inst PeerInstance
		if err := json.Unmarshal(kv.Value, &inst); err != nil {
			d.logger.Warn("skipping malformed entry", zap.ByteString("key", kv.Key), zap.Error(err))
			continue
		}
		instances = append(instances, inst)
	}
	return instances, nil
}

// Watch re-lists name on every change under its prefix (registrations, deregistrations,
// lease expirations). The channel is closed when ctx is done.
func (d *EtcdDirectory) Watch(ctx context.Context, name string) <-chan []PeerInstance {
	ch := make(chan []PeerInstance, 1)
	go func() {
		defer close(ch)
		for wresp := range d.client.Watch(ctx, KeyPrefix+name+"/", clientv3.WithPrefix()) {
			if err := wresp.Err(); err != nil {
				d.logger.Warn("watch failed", zap.String("name", name), zap.Error(err))
				continue
			}
			instances, err := d.Discover(ctx, name)
			if err != nil {
				d.logger.Warn("re-listing after change", zap.String("name", name), zap.Error(err))
				continue
			}
			publish(ch, instances)
		}
	}()
	return ch
}

// Close stops every keep-alive and closes the etcd client. Leases then expire on their own.
func (d *EtcdDirectory) Close() error {
	d.mu.Lock()
	for key, reg := range d.leases {
		reg.cancel()
		delete(d.leases, key)
	}
	d.mu.Unlock()
	return d.client.Close()
}

var _ Directory = (*EtcdDirectory)(nil)
