// Package loadbalance picks which discovered host peer a new connection goes to.
//
// Three strategies are implemented:
//   - RoundRobin:      hosts of equal capacity
//   - WeightedRandom:  hosts of different capacity, by PeerInstance.Weight
//   - ConsistentHash:  a connecting peer keeps landing on the same host while the set is stable
package loadbalance

import (
	"errors"
	"fmt"

	"duplex-rpc/discovery"
)

var ErrNoInstances = errors.New("loadbalance: no instances available")

// Balancer is the interface for load balancing strategies.
type Balancer interface {
	// Pick selects one instance from the available list. Must be goroutine-safe.
	Pick(instances []discovery.PeerInstance) (*discovery.PeerInstance, error)

	// Name returns the strategy name (for logging/debugging).
	Name() string
}

// New returns the balancer called name. key is the affinity key of consistent_hash and is
// ignored by the other strategies.
func New(name, key string) (Balancer, error) {
	switch name {
	case "", "round_robin":
		return &RoundRobinBalancer{}, nil
	case "weighted_random":
		return &WeightedRandomBalancer{}, nil
	case "consistent_hash":
		return NewConsistentHashBalancer(key), nil
	default:
		return nil, fmt.Errorf("loadbalance: unknown strategy %q", name)
	}
}
