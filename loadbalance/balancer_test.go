package loadbalance

import (
	"errors"
	"fmt"
	"testing"

	"duplex-rpc/discovery"
)

var testInstances = []discovery.PeerInstance{
	{Name: "echo", Addr: ":8001", Weight: 10, Version: "1.0"},
	{Name: "echo", Addr: ":8002", Weight: 5, Version: "1.0"},
	{Name: "echo", Addr: ":8003", Weight: 10, Version: "1.0"},
}

func TestRoundRobin(t *testing.T) {
	b := &RoundRobinBalancer{}

	// Pick 3 times, should cycle through all instances
	seen := map[string]bool{}
	first := ""
	for i := 0; i < 3; i++ {
		inst, err := b.Pick(testInstances)
		if err != nil {
			t.Fatal(err)
		}
		if i == 0 {
			first = inst.Addr
		}
		seen[inst.Addr] = true
	}
	if len(seen) != 3 {
		t.Fatalf("expect all 3 instances, got %v", seen)
	}

	// Pick again, should wrap around to first
	inst, _ := b.Pick(testInstances)
	if inst.Addr != first {
		t.Fatalf("expect wrap around to %s, got %s", first, inst.Addr)
	}
}

func TestEmptyInstances(t *testing.T) {
	for _, b := range []Balancer{&RoundRobinBalancer{}, &WeightedRandomBalancer{}, NewConsistentHashBalancer("k")} {
		if _, err := b.Pick(nil); !errors.Is(err, ErrNoInstances) {
			t.Fatalf("%s: expect ErrNoInstances, got %v", b.Name(), err)
		}
	}
}

func TestWeightedRandom(t *testing.T) {
	b := &WeightedRandomBalancer{}

	counts := map[string]int{}
	n := 10000
	for i := 0; i < n; i++ {
		inst, err := b.Pick(testInstances)
		if err != nil {
			t.Fatal(err)
		}
		counts[inst.Addr]++
	}

	// Weight ratio is 10:5:10, so :8001 and :8003 should be ~2x of :8002
	ratio := float64(counts[":8001"]) / float64(counts[":8002"])
	if ratio < 1.5 || ratio > 2.5 {
		t.Fatalf("weight ratio :8001/:8002 = %.2f, expect ~2.0", ratio)
	}
}

func TestWeightedRandomZeroWeights(t *testing.T) {
	b := &WeightedRandomBalancer{}
	inst, err := b.Pick([]discovery.PeerInstance{{Addr: ":1"}, {Addr: ":2"}})
	if err != nil || inst == nil {
		t.Fatalf("zero weights must still pick, got %v, %v", inst, err)
	}
}

func TestConsistentHash(t *testing.T) {
	b := NewConsistentHashBalancer("")
	for i := range testInstances {
		b.Add(&testInstances[i])
	}

	// Same key should always map to the same instance
	inst1, _ := b.PickKey("user-123")
	inst2, _ := b.PickKey("user-123")
	if inst1.Addr != inst2.Addr {
		t.Fatalf("same key mapped to different instances: %s vs %s", inst1.Addr, inst2.Addr)
	}

	// With 100 different keys and 3 nodes, we should hit at least 2
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		inst, _ := b.PickKey(fmt.Sprintf("key-%d", i))
		seen[inst.Addr] = true
	}
	if len(seen) < 2 {
		t.Fatalf("expect at least 2 different instances, got %d", len(seen))
	}
}

func TestConsistentHashAffinity(t *testing.T) {
	b := NewConsistentHashBalancer("client-7")

	first, err := b.Pick(testInstances)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 10; i++ {
		inst, _ := b.Pick(testInstances)
		if inst.Addr != first.Addr {
			t.Fatalf("affinity broken: %s then %s", first.Addr, inst.Addr)
		}
	}

	// drop a host that is not ours: the key stays put
	var rest []discovery.PeerInstance
	for _, inst := range testInstances {
		if inst.Addr != first.Addr {
			rest = append(rest, inst)
		}
	}
	others := []discovery.PeerInstance{{Addr: first.Addr}, rest[0]}
	if inst, _ := b.Pick(others); inst.Addr != first.Addr {
		t.Fatalf("removing another host moved the key from %s to %s", first.Addr, inst.Addr)
	}
}

func TestNew(t *testing.T) {
	cases := map[string]string{
		"":                "RoundRobin",
		"round_robin":     "RoundRobin",
		"weighted_random": "WeightedRandom",
		"consistent_hash": "ConsistentHash",
	}
	for name, want := range cases {
		b, err := New(name, "k")
		if err != nil {
			t.Fatal(err)
		}
		if b.Name() != want {
			t.Fatalf("%q: expect %s, got %s", name, want, b.Name())
		}
	}
	if _, err := New("fastest", ""); err == nil {
		t.Fatal("expect error for unknown strategy")
	}
}
