// Command duplexd runs either side of a duplex-rpc connection.
//
//	duplexd -config host.yaml                      # host: listen, publish, serve /Calc/* and /echo
//	duplexd -config client.yaml /echo '{"x":1}'    # client: discover a host, call a path, print the result
//	duplexd -spawn /echo '"hi"'                    # run a child over stdin/stdout and call it
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"duplex-rpc/client"
	"duplex-rpc/config"
	"duplex-rpc/discovery"
	"duplex-rpc/loadbalance"
	"duplex-rpc/logging"
	"duplex-rpc/middleware"
	"duplex-rpc/peer"
	"duplex-rpc/server"
	"duplex-rpc/transport"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "duplexd:", err)
		os.Exit(1)
	}
}

func run() error {
	args := parseFlags()

	cfg, err := config.Load(args.config)
	if err != nil {
		return err
	}
	if args.role != "" {
		cfg.Role = args.role
		if err := cfg.Validate(); err != nil {
			return err
		}
	}

	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch {
	case args.stdio:
		return runStdio(ctx, cfg, logger)
	case args.spawn:
		return runSpawn(ctx, cfg, logger, args.config, args.remaining())
	case cfg.Role == config.RoleHost:
		return runHost(ctx, cfg, logger)
	default:
		return runClient(ctx, cfg, logger, args.remaining())
	}
}

// Calc is the demo service every host serves.
type Calc struct{}

type Operands struct {
	A, B float64
}

func (c *Calc) Add(args *Operands, reply *float64) error {
	*reply = args.A + args.B
	return nil
}

func (c *Calc) Divide(args *Operands, reply *float64) error {
	if args.B == 0 {
		return errors.New("divide by zero")
	}
	*reply = args.A / args.B
	return nil
}

func echo(ctx context.Context, arg json.RawMessage) (any, error) {
	return arg, nil
}

func streamOptions(cfg *config.Config, logger *zap.Logger) []transport.StreamOption {
	return []transport.StreamOption{
		transport.WithCodec(cfg.CodecType()),
		transport.WithHeartbeat(cfg.Heartbeat),
		transport.WithLogger(logger),
	}
}

func peerOptions(cfg *config.Config, logger *zap.Logger) []peer.Option {
	mws := []middleware.Middleware{middleware.LoggingMiddleware(logger)}
	if cfg.HandlerTimeout > 0 {
		mws = append(mws, middleware.TimeOutMiddleware(cfg.HandlerTimeout))
	}
	if cfg.RateLimit.Rate > 0 {
		mws = append(mws, middleware.RateLimitMiddleware(cfg.RateLimit.Rate, cfg.RateLimit.Burst))
	}
	return []peer.Option{
		peer.WithLogger(logger),
		peer.WithMiddleware(mws...),
		peer.WithCallTimeout(cfg.CallTimeout),
		peer.WithShutdownTimeout(cfg.ShutdownTimeout),
		peer.WithStartHandler(func(obj json.RawMessage) {
			logger.Info("peer started", zap.ByteString("start", obj))
		}),
	}
}

// openDirectory uses etcd when endpoints are configured, otherwise an in-process directory.
func openDirectory(cfg *config.Config, logger *zap.Logger) (discovery.Directory, error) {
	if len(cfg.Discovery.Endpoints) == 0 {
		return discovery.NewMemoryDirectory(), nil
	}
	return discovery.NewEtcdDirectory(discovery.EtcdConfig{
		Endpoints:   cfg.Discovery.Endpoints,
		DialTimeout: cfg.Discovery.DialTimeout,
		Logger:      logger,
	})
}

func runHost(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	dir, err := openDirectory(cfg, logger)
	if err != nil {
		return err
	}
	defer dir.Close()

	svr := server.NewServer(cfg.Name,
		server.WithLogger(logger),
		server.WithDirectory(dir, cfg.Discovery.Weight, cfg.Discovery.TTL),
		server.WithStartObject(map[string]string{"name": cfg.Name, "role": config.RoleHost}),
		server.WithPeerOptions(peerOptions(cfg, logger)...),
		server.WithSetup(func(ctx context.Context, p *peer.Peer) error {
			return p.RegisterIncomingCall("/echo", echo)
		}),
	)
	if err := svr.Register(&Calc{}); err != nil {
		return err
	}

	ln, err := transport.Listen("tcp", cfg.Listen, streamOptions(cfg, logger)...)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return svr.Serve(ln)
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return svr.Shutdown(sctx)
	})
	return g.Wait()
}

func runClient(ctx context.Context, cfg *config.Config, logger *zap.Logger, rest []string) error {
	path, arg, err := callArgs(rest)
	if err != nil {
		return err
	}

	var dir discovery.Directory
	if cfg.Addr != "" {
		// direct dial: a one-entry directory
		mem := discovery.NewMemoryDirectory()
		mem.Register(ctx, discovery.PeerInstance{Name: cfg.Name, Addr: cfg.Addr, Weight: 1}, 0)
		dir = mem
	} else if dir, err = openDirectory(cfg, logger); err != nil {
		return err
	}
	defer dir.Close()

	hostname, _ := os.Hostname()
	bal, err := loadbalance.New(cfg.Balancer, hostname)
	if err != nil {
		return err
	}

	cli := client.NewClient(cfg.Name, dir, bal,
		client.WithLogger(logger),
		client.WithStreamOptions(streamOptions(cfg, logger)...),
		client.WithPeerOptions(peerOptions(cfg, logger)...),
		client.WithStartObject(map[string]string{"name": hostname, "role": config.RoleClient}),
		client.WithSetup(func(ctx context.Context, p *peer.Peer) error {
			return p.RegisterIncomingCall("/echo", echo)
		}),
	)
	defer cli.Close()

	p, err := cli.Peer(ctx)
	if err != nil {
		return err
	}
	return callAndPrint(ctx, p, path, arg)
}

// runStdio is the child side of -spawn: one peer over stdin/stdout until the parent hangs up.
func runStdio(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	opts := append(peerOptions(cfg, logger), peer.WithDeferredServe())
	p, err := peer.New(transport.Stdio(streamOptions(cfg, logger)...),
		map[string]any{"pid": os.Getpid()}, opts...)
	if err != nil {
		return err
	}
	defer p.Close()

	if err := p.RegisterIncomingCall("/echo", echo); err != nil {
		return err
	}
	p.Serve()
	select {
	case <-p.Done():
	case <-ctx.Done():
	}
	return nil
}

func runSpawn(ctx context.Context, cfg *config.Config, logger *zap.Logger, configPath string, rest []string) error {
	path, arg, err := callArgs(rest)
	if err != nil {
		return err
	}
	self, err := os.Executable()
	if err != nil {
		return err
	}

	childArgs := []string{"-stdio"}
	if configPath != "" {
		childArgs = append(childArgs, "-config", configPath)
	}
	stream, err := transport.Spawn(ctx, self, childArgs, streamOptions(cfg, logger)...)
	if err != nil {
		return err
	}
	p, err := peer.New(stream, map[string]any{"pid": os.Getpid()}, peerOptions(cfg, logger)...)
	if err != nil {
		stream.Close()
		return err
	}
	defer p.Close()

	sctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := p.Start(sctx); err != nil {
		return fmt.Errorf("start exchange with child: %w", err)
	}
	return callAndPrint(ctx, p, path, arg)
}

func callArgs(rest []string) (string, json.RawMessage, error) {
	switch len(rest) {
	case 1:
		return rest[0], nil, nil
	case 2:
		if !json.Valid([]byte(rest[1])) {
			return "", nil, fmt.Errorf("argument is not valid JSON: %s", rest[1])
		}
		return rest[0], json.RawMessage(rest[1]), nil
	default:
		return "", nil, errors.New("usage: duplexd [flags] <path> [json-argument]")
	}
}

func callAndPrint(ctx context.Context, p *peer.Peer, path string, arg json.RawMessage) error {
	result, err := p.CallRemote(ctx, path, "reply", arg)
	if err != nil {
		return err
	}
	fmt.Println(string(result))
	return nil
}
