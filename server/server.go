// Package server runs the host side: it accepts connections, binds a peer to each one and
// publishes itself in the discovery directory.
//
// Connection lifecycle:
//
//	Accept stream → peer.New → register services + Setup hook → Serve → wait for the connection to end
//
// Inbound calls are held until Serve, so a client never sees not_found for a handler that is
// about to be registered.
//
// Every connection gets its own peer (registry, correlation engine, dispatcher), so the host
// can call back into each connected client independently.
package server

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"duplex-rpc/discovery"
	"duplex-rpc/logging"
	"duplex-rpc/peer"
	"duplex-rpc/transport"
)

type Option func(*Server)

func WithLogger(l *zap.Logger) Option {
	return func(s *Server) { s.logger = logging.OrNop(l) }
}

// WithPeerOptions applies opts to the peer of every accepted connection.
func WithPeerOptions(opts ...peer.Option) Option {
	return func(s *Server) { s.peerOpts = append(s.peerOpts, opts...) }
}

// WithStartObject sets the start object handed to every connecting client.
func WithStartObject(obj any) Option {
	return func(s *Server) { s.start = obj }
}

// WithSetup runs fn on every new connection, e.g. to register per-connection handlers.
// ctx is canceled when the connection ends. Calls from the client wait until fn returns;
// fn may still call the client.
func WithSetup(fn func(ctx context.Context, p *peer.Peer) error) Option {
	return func(s *Server) { s.setup = fn }
}

// WithDirectory publishes the server in dir under its name while it serves.
func WithDirectory(dir discovery.Directory, weight int, ttl time.Duration) Option {
	return func(s *Server) {
		s.directory = dir
		s.weight = weight
		s.ttl = ttl
	}
}

type Server struct {
	name     string
	services []*service
	start    any
	setup    func(ctx context.Context, p *peer.Peer) error
	peerOpts []peer.Option
	logger   *zap.Logger

	directory discovery.Directory
	weight    int
	ttl       time.Duration
	advertise string // address published in the directory

	listener *transport.Listener
	shutdown atomic.Bool

	mu    sync.Mutex
	peers map[*peer.Peer]struct{}
	wg    sync.WaitGroup // live connections
}

// NewServer creates a host published under name.
func NewServer(name string, opts ...Option) *Server {
	s := &Server{
		name:   name,
		logger: zap.NewNop(),
		ttl:    10 * time.Second,
		peers:  make(map[*peer.Peer]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register exposes the exported methods of rcvr (e.g. &Arith{}) to every connection as
// "/Arith/Add" and so on.
func (s *Server) Register(rcvr any) error {
	svc, err := newService(rcvr)
	if err != nil {
		return err
	}
	s.services = append(s.services, svc)
	return nil
}

// Serve publishes the server and accepts connections on ln until Shutdown.
func (s *Server) Serve(ln *transport.Listener) error {
	s.mu.Lock()
	s.listener = ln
	s.advertise = ln.Addr().String()
	s.mu.Unlock()

	if s.directory != nil {
		inst := discovery.PeerInstance{Name: s.name, Addr: s.advertise, Weight: s.weight}
		if err := s.directory.Register(context.Background(), inst, s.ttl); err != nil {
			return fmt.Errorf("server: publishing %s: %w", s.name, err)
		}
	}
	s.logger.Info("serving", zap.String("name", s.name), zap.String("addr", s.advertise))

	for {
		stream, err := ln.Accept()
		if err != nil {
			// During shutdown, closing the listener makes Accept fail.
			if s.shutdown.Load() {
				return nil
			}
			return err
		}
		s.wg.Add(1)
		go s.handleConn(stream)
	}
}

func (s *Server) handleConn(stream *transport.Stream) {
	defer s.wg.Done()

	opts := append(append([]peer.Option(nil), s.peerOpts...), peer.WithDeferredServe())
	p, err := peer.New(stream, s.start, opts...)
	if err != nil {
		s.logger.Error("creating peer", zap.Error(err))
		stream.Close()
		return
	}
	defer p.Close()

	s.mu.Lock()
	s.peers[p] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.peers, p)
		s.mu.Unlock()
	}()

	for _, svc := range s.services {
		for path, h := range svc.handlers() {
			if err := p.RegisterIncomingCall(path, h); err != nil {
				s.logger.Error("registering service method", zap.String("path", path), zap.Error(err))
			}
		}
	}
	if s.setup != nil {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go func() {
			select {
			case <-p.Done():
				cancel()
			case <-ctx.Done():
			}
		}()
		if err := s.setup(ctx, p); err != nil {
			s.logger.Warn("connection setup failed", zap.Error(err))
			return
		}
	}
	p.Serve()

	<-p.Done()
}

// Broadcast sends a fire-and-forget call to every connected client.
func (s *Server) Broadcast(ctx context.Context, path string, arg any) {
	s.mu.Lock()
	peers := make([]*peer.Peer, 0, len(s.peers))
	for p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.Unlock()

	for _, p := range peers {
		if err := p.Notify(ctx, path, arg); err != nil {
			s.logger.Warn("broadcast not delivered", zap.String("path", path), zap.Error(err))
		}
	}
}

// Connections returns the number of live connections.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers)
}

// Shutdown performs graceful shutdown:
//  1. Deregister from the directory, so clients stop picking this host
//  2. Set the shutdown flag, then close the listener
//  3. Close every connection; each waits for its in-flight handlers
//  4. Wait for the connection goroutines, bounded by ctx
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	ln, advertise := s.listener, s.advertise
	s.mu.Unlock()

	if s.directory != nil && advertise != "" {
		if err := s.directory.Deregister(ctx, s.name, advertise); err != nil {
			s.logger.Warn("deregistering", zap.Error(err))
		}
	}

	s.shutdown.Store(true)
	if ln != nil {
		ln.Close()
	}

	s.mu.Lock()
	for p := range s.peers {
		go p.Close()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("timeout waiting for connections to close: %w", ctx.Err())
	}
}
