// Package client runs the connecting side: it looks a host up in the discovery directory,
// picks one with a load balancer and keeps one peer connection per host address.
package client

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"duplex-rpc/discovery"
	"duplex-rpc/loadbalance"
	"duplex-rpc/logging"
	"duplex-rpc/peer"
	"duplex-rpc/transport"
)

type Option func(*Client)

func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.logger = logging.OrNop(l) }
}

func WithStreamOptions(opts ...transport.StreamOption) Option {
	return func(c *Client) { c.streamOpts = append(c.streamOpts, opts...) }
}

func WithPeerOptions(opts ...peer.Option) Option {
	return func(c *Client) { c.peerOpts = append(c.peerOpts, opts...) }
}

// WithStartObject sets the start object sent to every host this client connects to.
func WithStartObject(obj any) Option {
	return func(c *Client) { c.start = obj }
}

// WithSetup runs fn on every new connection before it is used, typically to register the
// handlers the host may call back. Calls from the host wait until fn returns.
func WithSetup(fn func(ctx context.Context, p *peer.Peer) error) Option {
	return func(c *Client) { c.setup = fn }
}

type Client struct {
	name       string // directory name of the hosts
	directory  discovery.Directory
	balancer   loadbalance.Balancer
	streamOpts []transport.StreamOption
	peerOpts   []peer.Option
	start      any
	setup      func(ctx context.Context, p *peer.Peer) error
	logger     *zap.Logger

	mu    sync.Mutex
	peers map[string]*peer.Peer // host address → live connection
}

func NewClient(name string, dir discovery.Directory, bal loadbalance.Balancer, opts ...Option) *Client {
	c := &Client{
		name:      name,
		directory: dir,
		balancer:  bal,
		logger:    zap.NewNop(),
		peers:     make(map[string]*peer.Peer),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Peer returns a connection to one of the hosts, dialing it if needed.
func (c *Client) Peer(ctx context.Context) (*peer.Peer, error) {
	instances, err := c.directory.Discover(ctx, c.name)
	if err != nil {
		return nil, err
	}
	if len(instances) == 0 {
		return nil, fmt.Errorf("%w: %s", discovery.ErrNoPeers, c.name)
	}
	inst, err := c.balancer.Pick(instances)
	if err != nil {
		return nil, err
	}
	return c.connect(ctx, inst.Addr)
}

// Call picks a host and calls path on it. See peer.Peer.Call.
func (c *Client) Call(ctx context.Context, path string, arg, reply any) error {
	p, err := c.Peer(ctx)
	if err != nil {
		return err
	}
	return p.Call(ctx, path, arg, reply)
}

// connect reuses the live connection to addr, or dials a new one.
func (c *Client) connect(ctx context.Context, addr string) (*peer.Peer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if p, ok := c.peers[addr]; ok {
		select {
		case <-p.Done():
			delete(c.peers, addr)
		default:
			return p, nil
		}
	}

	stream, err := transport.Dial(ctx, "tcp", addr, c.streamOpts...)
	if err != nil {
		return nil, err
	}
	opts := append(append([]peer.Option(nil), c.peerOpts...), peer.WithDeferredServe())
	p, err := peer.New(stream, c.start, opts...)
	if err != nil {
		stream.Close()
		return nil, err
	}
	if c.setup != nil {
		if err := c.setup(ctx, p); err != nil {
			p.Close()
			return nil, fmt.Errorf("client: setting up connection to %s: %w", addr, err)
		}
	}
	p.Serve()
	c.peers[addr] = p
	c.logger.Info("connected", zap.String("name", c.name), zap.String("addr", addr))
	return p, nil
}

// Close closes every connection.
func (c *Client) Close() error {
	c.mu.Lock()
	peers := c.peers
	c.peers = make(map[string]*peer.Peer)
	c.mu.Unlock()

	for _, p := range peers {
		p.Close()
	}
	return nil
}
