// Package transport moves envelopes between the two sides of a connection.
//
// The protocol engine only needs two capabilities from a transport: send an envelope, and
// be told about every envelope that arrives. Transports that can return a call's result as
// the acknowledgement of the call itself (request/acknowledge style) additionally implement
// Invoker.
//
// Implementations:
//   - Pipe:   in-memory pair of endpoints, envelopes are serialised on every hop.
//   - Stream: framed envelopes over any io.ReadWriteCloser (TCP, child process stdio).
package transport

import (
	"context"
	"errors"

	"duplex-rpc/message"
)

var (
	ErrClosed = errors.New("transport: closed")

	// ErrFrameTooLarge is returned by Send for an envelope over the frame size limit.
	// The connection is not affected.
	ErrFrameTooLarge = errors.New("transport: frame too large")
)

// InboundFunc receives every envelope delivered by the transport. It must not block for long:
// the transport may deliver the next envelope only after it returns.
type InboundFunc func(env *message.Envelope)

// InvokeFunc answers a call delivered through Invoker.Invoke on the remote side.
type InvokeFunc func(ctx context.Context, call *message.Call) *message.Response

type Transport interface {
	// Send hands an envelope to the transport. Delivery is asynchronous and best-effort.
	Send(ctx context.Context, env *message.Envelope) error

	// Subscribe installs the inbound callback and starts delivery. It is called once;
	// envelopes that arrive before it are held, not dropped.
	Subscribe(fn InboundFunc)

	// Done is closed when the connection is torn down, by either side.
	Done() <-chan struct{}

	// Err returns the reason the connection went down, once Done is closed.
	Err() error

	Close() error
}

// Invoker is implemented by transports with a request/acknowledge channel.
type Invoker interface {
	// Invoke delivers call to the remote side and returns its response as the acknowledgement.
	Invoke(ctx context.Context, call *message.Call) (*message.Response, error)

	// HandleInvoke installs the function answering calls invoked by the remote side.
	HandleInvoke(fn InvokeFunc)
}
