package discovery

import (
	"context"
	"testing"
	"time"
)

func newTestEtcdDirectory(t *testing.T) *EtcdDirectory {
	t.Helper()
	dir, err := NewEtcdDirectory(EtcdConfig{Endpoints: []string{"localhost:2379"}, DialTimeout: time.Second})
	if err != nil {
		t.Skipf("etcd not available: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := dir.client.Status(ctx, "localhost:2379"); err != nil {
		dir.Close()
		t.Skipf("etcd not available: %v", err)
	}
	t.Cleanup(func() { dir.Close() })
	return dir
}

func TestEtcdRegisterAndDiscover(t *testing.T) {
	dir := newTestEtcdDirectory(t)
	ctx := context.Background()

	inst1 := PeerInstance{Name: "echo-test", Addr: "127.0.0.1:8001", Weight: 10, Version: "1.0"}
	inst2 := PeerInstance{Name: "echo-test", Addr: "127.0.0.1:8002", Weight: 5, Version: "1.0"}
	if err := dir.Register(ctx, inst1, 10*time.Second); err != nil {
		t.Fatal(err)
	}
	if err := dir.Register(ctx, inst2, 10*time.Second); err != nil {
		t.Fatal(err)
	}
	defer dir.Deregister(ctx, "echo-test", inst2.Addr)

	instances, err := dir.Discover(ctx, "echo-test")
	if err != nil {
		t.Fatal(err)
	}
	if len(instances) != 2 {
		t.Fatalf("expect 2 instances, got %d", len(instances))
	}

	if err := dir.Deregister(ctx, "echo-test", inst1.Addr); err != nil {
		t.Fatal(err)
	}
	instances, err = dir.Discover(ctx, "echo-test")
	if err != nil {
		t.Fatal(err)
	}
	if len(instances) != 1 || instances[0].Addr != inst2.Addr {
		t.Fatalf("expect only %s after deregister, got %+v", inst2.Addr, instances)
	}
}

func TestEtcdWatch(t *testing.T) {
	dir := newTestEtcdDirectory(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	updates := dir.Watch(ctx, "watch-test")
	// give the watch time to be established before writing
	time.Sleep(100 * time.Millisecond)

	inst := PeerInstance{Name: "watch-test", Addr: "127.0.0.1:9001", Weight: 1}
	if err := dir.Register(context.Background(), inst, 10*time.Second); err != nil {
		t.Fatal(err)
	}
	defer dir.Deregister(context.Background(), inst.Name, inst.Addr)

	select {
	case list := <-updates:
		if len(list) != 1 || list[0].Addr != inst.Addr {
			t.Fatalf("unexpected watch update: %+v", list)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no watch update")
	}
}
