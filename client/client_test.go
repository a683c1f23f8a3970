package client

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"duplex-rpc/discovery"
	"duplex-rpc/loadbalance"
	"duplex-rpc/peer"
	"duplex-rpc/server"
	"duplex-rpc/transport"
)

type Args struct {
	A, B int
}

type Reply struct {
	Result int
}

type Arith struct{}

func (a *Arith) Add(args *Args, reply *Reply) error {
	reply.Result = args.A + args.B
	return nil
}

// ---- Setup 公共函数 ----

func startHost(tb testing.TB, dir discovery.Directory, name string) *server.Server {
	tb.Helper()
	svr := server.NewServer(name, server.WithDirectory(dir, 10, time.Second))
	if err := svr.Register(&Arith{}); err != nil {
		tb.Fatal(err)
	}
	ln, err := transport.Listen("tcp", "127.0.0.1:0", transport.WithHeartbeat(0))
	if err != nil {
		tb.Fatal(err)
	}
	go svr.Serve(ln)
	tb.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		svr.Shutdown(ctx)
	})

	deadline := time.Now().Add(time.Second)
	for {
		instances, _ := dir.Discover(context.Background(), name)
		for _, inst := range instances {
			if inst.Addr == ln.Addr().String() {
				return svr
			}
		}
		if time.Now().After(deadline) {
			tb.Fatal("host never published itself")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func newTestClient(tb testing.TB, dir discovery.Directory, opts ...Option) *Client {
	tb.Helper()
	opts = append([]Option{WithStreamOptions(transport.WithHeartbeat(0))}, opts...)
	cli := NewClient("calc", dir, &loadbalance.RoundRobinBalancer{}, opts...)
	tb.Cleanup(func() { cli.Close() })
	return cli
}

func TestCallThroughDiscovery(t *testing.T) {
	dir := discovery.NewMemoryDirectory()
	startHost(t, dir, "calc")
	cli := newTestClient(t, dir)

	var reply Reply
	if err := cli.Call(context.Background(), "/Arith/Add", Args{A: 3, B: 5}, &reply); err != nil {
		t.Fatal(err)
	}
	if reply.Result != 8 {
		t.Fatalf("expect 8, got %d", reply.Result)
	}
}

func TestNoHosts(t *testing.T) {
	cli := newTestClient(t, discovery.NewMemoryDirectory())
	err := cli.Call(context.Background(), "/Arith/Add", Args{}, nil)
	if !errors.Is(err, discovery.ErrNoPeers) {
		t.Fatalf("expect ErrNoPeers, got %v", err)
	}
}

func TestConnectionReusedPerHost(t *testing.T) {
	dir := discovery.NewMemoryDirectory()
	startHost(t, dir, "calc")
	cli := newTestClient(t, dir)

	p1, err := cli.Peer(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	p2, err := cli.Peer(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if p1 != p2 {
		t.Fatal("expect the live connection to be reused")
	}

	// a dead connection is replaced on next use
	p1.Close()
	p3, err := cli.Peer(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if p3 == p1 {
		t.Fatal("expect a new connection after close")
	}
}

// 多实例 + 负载均衡
func TestMultipleHosts(t *testing.T) {
	dir := discovery.NewMemoryDirectory()
	startHost(t, dir, "calc")
	startHost(t, dir, "calc")
	cli := newTestClient(t, dir)

	seen := map[*peer.Peer]bool{}
	for i := 1; i <= 10; i++ {
		p, err := cli.Peer(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		seen[p] = true

		var reply Reply
		if err := p.Call(context.Background(), "/Arith/Add", Args{A: i, B: i * 10}, &reply); err != nil {
			t.Fatalf("request %d failed: %v", i, err)
		}
		if reply.Result != i+i*10 {
			t.Fatalf("request %d: expect %d, got %d", i, i+i*10, reply.Result)
		}
	}
	if len(seen) != 2 {
		t.Fatalf("round robin should use both hosts, used %d", len(seen))
	}
}

func TestSetupRegistersCallbacks(t *testing.T) {
	dir := discovery.NewMemoryDirectory()
	svr := startHost(t, dir, "calc")

	got := make(chan string, 1)
	cli := newTestClient(t, dir, WithSetup(func(ctx context.Context, p *peer.Peer) error {
		return p.RegisterIncomingCall("/news", func(ctx context.Context, arg json.RawMessage) (any, error) {
			var s string
			json.Unmarshal(arg, &s)
			got <- s
			return nil, nil
		})
	}))
	if _, err := cli.Peer(context.Background()); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(time.Second)
	for svr.Connections() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("connection not accepted")
		}
		time.Sleep(5 * time.Millisecond)
	}
	svr.Broadcast(context.Background(), "/news", "hi")

	select {
	case s := <-got:
		if s != "hi" {
			t.Fatalf("unexpected %q", s)
		}
	case <-time.After(time.Second):
		t.Fatal("callback never ran")
	}
}

// ---- Benchmark ----

// 场景1: 单 goroutine 串行调用
func BenchmarkSerialCall(b *testing.B) {
	dir := discovery.NewMemoryDirectory()
	startHost(b, dir, "calc")
	cli := newTestClient(b, dir)

	ctx := context.Background()
	args := &Args{A: 1, B: 2}
	reply := &Reply{}
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		if err := cli.Call(ctx, "/Arith/Add", args, reply); err != nil {
			b.Fatal(err)
		}
	}
}

// 场景2: 多 goroutine 并发调用（体现多路复用优势）
func BenchmarkConcurrentCall(b *testing.B) {
	dir := discovery.NewMemoryDirectory()
	startHost(b, dir, "calc")
	cli := newTestClient(b, dir)

	ctx := context.Background()
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		args := &Args{A: 1, B: 2}
		reply := &Reply{}
		for pb.Next() {
			if err := cli.Call(ctx, "/Arith/Add", args, reply); err != nil {
				b.Error(err)
				return
			}
		}
	})
}
