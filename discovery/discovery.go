// Package discovery keeps a directory of host peers that accept connections.
//
// A host registers itself under a name when it starts listening and deregisters before it
// stops. A connecting side looks the name up, picks one address (see package loadbalance)
// and dials it. Entries are leased, so a host that dies without deregistering disappears
// once its lease runs out.
package discovery

import (
	"context"
	"errors"
	"time"
)

var ErrNoPeers = errors.New("discovery: no peers registered")

// PeerInstance describes one listening host peer.
type PeerInstance struct {
	Name    string `json:"name"`
	Addr    string `json:"addr"`
	Weight  int    `json:"weight"` // used by weighted load balancing
	Version string `json:"version,omitempty"`
}

type Directory interface {
	// Register publishes inst under inst.Name for ttl, renewing the lease until Deregister or Close.
	Register(ctx context.Context, inst PeerInstance, ttl time.Duration) error
	Deregister(ctx context.Context, name, addr string) error
	Discover(ctx context.Context, name string) ([]PeerInstance, error)
	// Watch emits the full instance list for name whenever it changes, until ctx is done.
	Watch(ctx context.Context, name string) <-chan []PeerInstance
	Close() error
}

// publish hands the latest list to a watcher, replacing a list it has not read yet.
func publish(ch chan []PeerInstance, list []PeerInstance) {
	for {
		select {
		case ch <- list:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}
