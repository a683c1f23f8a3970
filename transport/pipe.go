package transport

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"duplex-rpc/codec"
	"duplex-rpc/logging"
	"duplex-rpc/message"
)

// PipeEnd is one endpoint of an in-memory connection created by Pipe.
//
// Like two isolated processes, the endpoints share no memory: every envelope is encoded on
// send and decoded on delivery. Each endpoint has two inbound channels, one for fresh calls
// (and the start message) and one for responses, plus a request/acknowledge path through Invoke.
type PipeEnd struct {
	codec  codec.Codec
	conn   *pipeConn
	peer   *PipeEnd
	logger *zap.Logger

	calls   chan []byte
	replies chan []byte

	subscribeOnce sync.Once
	mu            sync.RWMutex
	invoke        InvokeFunc
}

// pipeConn is the state shared by both ends: closing either end tears down the connection.
type pipeConn struct {
	done chan struct{}
	once sync.Once
	err  error
}

func (c *pipeConn) close(err error) {
	c.once.Do(func() {
		c.err = err
		close(c.done)
	})
}

type PipeOption func(*pipeOptions)

type pipeOptions struct {
	codec  codec.Codec
	buffer int
	logger *zap.Logger
}

// WithPipeCodec sets the codec used on every hop (JSON by default).
func WithPipeCodec(c codec.Codec) PipeOption {
	return func(o *pipeOptions) { o.codec = c }
}

// WithPipeBuffer sets how many envelopes each channel holds before Send blocks.
func WithPipeBuffer(n int) PipeOption {
	return func(o *pipeOptions) { o.buffer = n }
}

func WithPipeLogger(l *zap.Logger) PipeOption {
	return func(o *pipeOptions) { o.logger = l }
}

// Pipe returns the two connected endpoints of an in-memory connection.
func Pipe(opts ...PipeOption) (*PipeEnd, *PipeEnd) {
	o := pipeOptions{codec: &codec.JSONCodec{}, buffer: 64}
	for _, opt := range opts {
		opt(&o)
	}

	conn := &pipeConn{done: make(chan struct{})}
	newEnd := func() *PipeEnd {
		return &PipeEnd{
			codec:   o.codec,
			conn:    conn,
			logger:  logging.OrNop(o.logger),
			calls:   make(chan []byte, o.buffer),
			replies: make(chan []byte, o.buffer),
		}
	}
	a, b := newEnd(), newEnd()
	a.peer, b.peer = b, a
	return a, b
}

func (p *PipeEnd) Send(ctx context.Context, env *message.Envelope) error {
	if err := env.Validate(); err != nil {
		return err
	}
	data, err := p.codec.Encode(env)
	if err != nil {
		return err
	}

	ch := p.peer.calls
	if env.Kind() == message.KindResponse {
		ch = p.peer.replies
	}

	select {
	case <-p.conn.done:
		return ErrClosed
	default:
	}
	select {
	case ch <- data:
		return nil
	case <-p.conn.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *PipeEnd) Subscribe(fn InboundFunc) {
	p.subscribeOnce.Do(func() {
		go p.deliver(p.calls, fn)
		go p.deliver(p.replies, fn)
	})
}

// deliver preserves order within one channel; the two channels are independent.
func (p *PipeEnd) deliver(ch <-chan []byte, fn InboundFunc) {
	for {
		select {
		case data := <-ch:
			var env message.Envelope
			if err := p.codec.Decode(data, &env); err != nil {
				p.logger.Warn("dropping undecodable envelope", zap.Error(err))
				continue
			}
			fn(&env)
		case <-p.conn.done:
			return
		}
	}
}

func (p *PipeEnd) Invoke(ctx context.Context, call *message.Call) (*message.Response, error) {
	select {
	case <-p.conn.done:
		return nil, ErrClosed
	default:
	}

	p.peer.mu.RLock()
	fn := p.peer.invoke
	p.peer.mu.RUnlock()
	if fn == nil {
		return nil, errors.New("transport: remote side does not accept invokes")
	}

	in, err := p.hop(&message.Envelope{Call: call})
	if err != nil {
		return nil, err
	}

	type ack struct {
		env *message.Envelope
		err error
	}
	acks := make(chan ack, 1)
	go func() {
		resp := fn(ctx, in.Call)
		out, err := p.hop(&message.Envelope{Response: resp})
		acks <- ack{out, err}
	}()

	select {
	case a := <-acks:
		if a.err != nil {
			return nil, a.err
		}
		return a.env.Response, nil
	case <-p.conn.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *PipeEnd) HandleInvoke(fn InvokeFunc) {
	p.mu.Lock()
	p.invoke = fn
	p.mu.Unlock()
}

// hop moves an envelope across the process boundary: encode, then decode a fresh copy.
func (p *PipeEnd) hop(env *message.Envelope) (*message.Envelope, error) {
	if err := env.Validate(); err != nil {
		return nil, err
	}
	data, err := p.codec.Encode(env)
	if err != nil {
		return nil, err
	}
	var out message.Envelope
	if err := p.codec.Decode(data, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (p *PipeEnd) Done() <-chan struct{} {
	return p.conn.done
}

func (p *PipeEnd) Err() error {
	select {
	case <-p.conn.done:
		return p.conn.err
	default:
		return nil
	}
}

func (p *PipeEnd) Close() error {
	p.conn.close(ErrClosed)
	return nil
}

var (
	_ Transport = (*PipeEnd)(nil)
	_ Invoker   = (*PipeEnd)(nil)
)
