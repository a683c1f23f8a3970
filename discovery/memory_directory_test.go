package discovery

import (
	"context"
	"testing"
	"time"
)

func TestMemoryRegisterAndDiscover(t *testing.T) {
	dir := NewMemoryDirectory()
	ctx := context.Background()

	inst1 := PeerInstance{Name: "echo", Addr: "127.0.0.1:8001", Weight: 10, Version: "1.0"}
	inst2 := PeerInstance{Name: "echo", Addr: "127.0.0.1:8002", Weight: 5, Version: "1.0"}
	dir.Register(ctx, inst1, time.Second)
	dir.Register(ctx, inst2, time.Second)
	// re-registering the same address replaces the entry
	dir.Register(ctx, PeerInstance{Name: "echo", Addr: inst1.Addr, Weight: 20}, time.Second)

	instances, err := dir.Discover(ctx, "echo")
	if err != nil {
		t.Fatal(err)
	}
	if len(instances) != 2 {
		t.Fatalf("expect 2 instances, got %d", len(instances))
	}

	dir.Deregister(ctx, "echo", inst2.Addr)
	instances, _ = dir.Discover(ctx, "echo")
	if len(instances) != 1 || instances[0].Addr != inst1.Addr || instances[0].Weight != 20 {
		t.Fatalf("unexpected instances after deregister: %+v", instances)
	}
}

func TestMemoryWatch(t *testing.T) {
	dir := NewMemoryDirectory()
	ctx, cancel := context.WithCancel(context.Background())
	updates := dir.Watch(ctx, "echo")

	dir.Register(context.Background(), PeerInstance{Name: "echo", Addr: ":1"}, time.Second)
	dir.Register(context.Background(), PeerInstance{Name: "echo", Addr: ":2"}, time.Second)

	// only the latest list is kept for a slow watcher
	select {
	case list := <-updates:
		if len(list) != 2 {
			t.Fatalf("expect latest list with 2 instances, got %+v", list)
		}
	case <-time.After(time.Second):
		t.Fatal("no update")
	}

	cancel()
	select {
	case _, ok := <-updates:
		if ok {
			t.Fatal("expect channel closed after cancel")
		}
	case <-time.After(time.Second):
		t.Fatal("watch channel not closed")
	}
}
