// Package peer is the protocol façade: one Peer per connection, identical on both sides.
//
// A Peer owns the connection's call registry, correlation engine and dispatcher, and routes
// every inbound envelope to the right one:
//
//	Call     → dispatcher (runs the registered handler, replies when the call has an ID)
//	Response → correlation engine (wakes the waiting caller)
//	Start    → start exchange (delivered to the application once)
//
// Either side may call the other at any time; there is no client or server role at this level.
package peer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"duplex-rpc/correlation"
	"duplex-rpc/dispatcher"
	"duplex-rpc/logging"
	"duplex-rpc/message"
	"duplex-rpc/middleware"
	"duplex-rpc/registry"
	"duplex-rpc/transport"
)

type options struct {
	logger          *zap.Logger
	callTimeout     time.Duration
	shutdownTimeout time.Duration
	middlewares     []middleware.Middleware
	requestReply    bool
	startHandler    func(obj json.RawMessage)
	deferServe      bool
}

type Option func(*options)

func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithCallTimeout bounds every correlated call. A call that times out fails with
// message.ErrTimeout and its pending entry is removed.
func WithCallTimeout(d time.Duration) Option {
	return func(o *options) { o.callTimeout = d }
}

// WithShutdownTimeout bounds how long Close waits for in-flight handlers.
func WithShutdownTimeout(d time.Duration) Option {
	return func(o *options) { o.shutdownTimeout = d }
}

// WithMiddleware wraps every inbound call, outermost first.
func WithMiddleware(mws ...middleware.Middleware) Option {
	return func(o *options) { o.middlewares = append(o.middlewares, mws...) }
}

// WithRequestReply sends correlated calls through the transport's request/acknowledge channel
// when it has one. Without it every call is pushed and answered with a separate response.
func WithRequestReply() Option {
	return func(o *options) { o.requestReply = true }
}

// WithStartHandler installs fn to receive the remote side's start object. fn runs once.
func WithStartHandler(fn func(obj json.RawMessage)) Option {
	return func(o *options) { o.startHandler = fn }
}

// WithDeferredServe holds inbound calls until Serve is called, so handlers registered
// after New never miss a call that arrived first. Responses and start messages are still
// delivered, so calls made before Serve complete normally.
func WithDeferredServe() Option {
	return func(o *options) { o.deferServe = true }
}

type Peer struct {
	transport  transport.Transport
	registry   *registry.Registry
	engine     *correlation.Engine
	dispatcher *dispatcher.Dispatcher
	logger     *zap.Logger
	opts       options

	// base context of inbound handlers, canceled when the connection goes down
	ctx    context.Context
	cancel context.CancelFunc

	start        json.RawMessage
	sendStart    sync.Once
	sendStartErr error

	remoteStart     json.RawMessage
	remoteStartOnce sync.Once
	remoteStarted   chan struct{}

	closeOnce sync.Once
	closeErr  error

	serveMu sync.Mutex
	held    []*message.Call // inbound calls received before Serve
	serving chan struct{}
}

// New binds a Peer to t and starts receiving. startObject is this side's start object;
// it is encoded to JSON now and sent by Start, or in answer to the remote side's start.
func New(t transport.Transport, startObject any, opts ...Option) (*Peer, error) {
	o := options{shutdownTimeout: 5 * time.Second}
	for _, opt := range opts {
		opt(&o)
	}

	start, err := encodeArg(startObject)
	if err != nil {
		return nil, fmt.Errorf("encoding start object: %w", err)
	}

	logger := logging.OrNop(o.logger)
	reg := registry.New(logger)
	ctx, cancel := context.WithCancel(context.Background())
	p := &Peer{
		transport:     t,
		registry:      reg,
		engine:        correlation.New(logger),
		dispatcher:    dispatcher.New(reg, logger, o.middlewares...),
		logger:        logger,
		opts:          o,
		ctx:           ctx,
		cancel:        cancel,
		start:         start,
		remoteStarted: make(chan struct{}),
		serving:       make(chan struct{}),
	}
	if !o.deferServe {
		close(p.serving)
	}

	if inv, ok := t.(transport.Invoker); ok {
		inv.HandleInvoke(p.handleInvoke)
	}
	t.Subscribe(p.inbound)
	go p.watch()
	return p, nil
}

// Serve starts answering inbound calls, beginning with those held since New. It is only
// needed with WithDeferredServe and is a no-op after the first call.
func (p *Peer) Serve() {
	p.serveMu.Lock()
	select {
	case <-p.serving:
		p.serveMu.Unlock()
		return
	default:
	}
	held := p.held
	p.held = nil
	close(p.serving)
	p.serveMu.Unlock()

	for _, call := range held {
		p.dispatcher.Dispatch(p.ctx, call, p.reply)
	}
}

// RegisterIncomingCall makes h answer calls to path from the remote side.
func (p *Peer) RegisterIncomingCall(path string, h registry.Handler) error {
	return p.registry.Register(path, h)
}

// CallRemote calls the function registered under path on the remote side.
//
// When responseMethod is non-empty the call is correlated: CallRemote waits for the remote
// handler's result and returns it, or returns the remote failure, a timeout, or a
// connection-closed error. The transport carries the answer back under the call's ID, so
// responseMethod only selects the mode.
//
// When responseMethod is empty the call is fire-and-forget: CallRemote returns (nil, nil)
// at once and a failure to send is only logged.
func (p *Peer) CallRemote(ctx context.Context, path, responseMethod string, payload any) (json.RawMessage, error) {
	arg, err := encodeArg(payload)
	if err != nil {
		return nil, &message.Error{Kind: message.ErrorKindProtocol, Path: path, Message: fmt.Sprintf("encoding argument for %s: %v", path, err), Err: err}
	}

	if responseMethod == "" {
		go func() {
			if err := p.send(p.ctx, &message.Call{Path: path, Arg: arg}); err != nil {
				p.logger.Warn("fire-and-forget call not sent", zap.String("path", path), zap.Error(err))
			}
		}()
		return nil, nil
	}

	if p.opts.callTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.opts.callTimeout)
		defer cancel()
	}

	id, done, err := p.engine.Issue(path)
	if err != nil {
		return nil, err
	}
	call := &message.Call{Path: path, CallID: id, Arg: arg}

	if inv, ok := p.invoker(); ok {
		go p.invoke(ctx, inv, call)
	} else if err := p.send(ctx, call); err != nil && ctx.Err() == nil {
		p.engine.Abandon(id, sendError(path, err))
	}
	return p.engine.Await(ctx, id, done)
}

// Call is CallRemote with typed arguments: arg is JSON encoded and the result is decoded
// into reply, which may be nil when the result is not needed.
func (p *Peer) Call(ctx context.Context, path string, arg, reply any) error {
	raw, err := p.CallRemote(ctx, path, "reply", arg)
	if err != nil {
		return err
	}
	if reply == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, reply); err != nil {
		return &message.Error{Kind: message.ErrorKindProtocol, Path: path, Message: fmt.Sprintf("decoding result of %s: %v", path, err), Err: err}
	}
	return nil
}

// Notify sends a fire-and-forget call and reports whether it could be handed to the transport.
// Unlike CallRemote without a response method, the send failure is returned.
func (p *Peer) Notify(ctx context.Context, path string, arg any) error {
	raw, err := encodeArg(arg)
	if err != nil {
		return &message.Error{Kind: message.ErrorKindProtocol, Path: path, Message: fmt.Sprintf("encoding argument for %s: %v", path, err), Err: err}
	}
	if err := p.send(ctx, &message.Call{Path: path, Arg: raw}); err != nil {
		return sendError(path, err)
	}
	return nil
}

// Start sends this side's start object, at most once per connection, and waits for the
// remote side's. Only one side needs to call Start: receiving a start object answers with ours.
func (p *Peer) Start(ctx context.Context) (json.RawMessage, error) {
	if err := p.announce(ctx); err != nil {
		return nil, err
	}
	select {
	case <-p.remoteStarted:
		return p.remoteStart, nil
	case <-p.transport.Done():
		return nil, message.Closed("", p.transport.Err())
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// PeerStart returns the remote side's start object once it has arrived.
func (p *Peer) PeerStart() (json.RawMessage, bool) {
	select {
	case <-p.remoteStarted:
		return p.remoteStart, true
	default:
		return nil, false
	}
}

// Pending returns the number of correlated calls awaiting a response.
func (p *Peer) Pending() int {
	return p.engine.Pending()
}

// Done is closed when the connection goes down.
func (p *Peer) Done() <-chan struct{} {
	return p.transport.Done()
}

// Close tears the connection down, fails every pending call with a connection-closed error
// and waits, up to the shutdown timeout, for inbound handlers still running.
func (p *Peer) Close() error {
	p.closeOnce.Do(func() {
		p.closeErr = p.transport.Close()
		p.shutdown(transport.ErrClosed)
		if err := p.dispatcher.Wait(p.opts.shutdownTimeout); err != nil {
			p.logger.Warn("handlers still running after close", zap.Error(err))
		}
	})
	return p.closeErr
}

func (p *Peer) watch() {
	<-p.transport.Done()
	p.shutdown(p.transport.Err())
}

func (p *Peer) shutdown(cause error) {
	if n := p.engine.Close(cause); n > 0 {
		p.logger.Info("connection closed with calls pending", zap.Int("pending", n), zap.Error(cause))
	}
	p.cancel()
}

// inbound runs on the transport's delivery goroutine and must not block.
func (p *Peer) inbound(env *message.Envelope) {
	switch env.Kind() {
	case message.KindCall:
		if p.hold(env.Call) {
			return
		}
		p.dispatcher.Dispatch(p.ctx, env.Call, p.reply)
	case message.KindResponse:
		p.engine.Complete(env.Response)
	case message.KindStart:
		p.receiveStart(env.Start.Object)
	default:
		p.logger.Warn("dropping invalid envelope")
	}
}

// hold queues call when Serve has not been called yet.
func (p *Peer) hold(call *message.Call) bool {
	p.serveMu.Lock()
	defer p.serveMu.Unlock()
	select {
	case <-p.serving:
		return false
	default:
		p.held = append(p.held, call)
		return true
	}
}

// handleInvoke answers a call invoked by the remote side. The handler sees cancellation
// from the invoking side as well as teardown of this connection.
func (p *Peer) handleInvoke(ctx context.Context, call *message.Call) *message.Response {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(p.ctx, cancel)
	defer stop()

	select {
	case <-p.serving:
	case <-ctx.Done():
		return message.NewFailure(call.CallID, message.Closed(call.Path, ctx.Err()))
	}
	return p.dispatcher.Handle(ctx, call)
}

func (p *Peer) reply(resp *message.Response) error {
	return p.transport.Send(p.ctx, &message.Envelope{Response: resp})
}

func (p *Peer) send(ctx context.Context, call *message.Call) error {
	return p.transport.Send(ctx, &message.Envelope{Call: call})
}

func (p *Peer) invoker() (transport.Invoker, bool) {
	if !p.opts.requestReply {
		return nil, false
	}
	inv, ok := p.transport.(transport.Invoker)
	return inv, ok
}

// invoke settles call from the acknowledgement of a request/acknowledge transport.
// The pending entry still exists, so teardown and timeouts reject it the same way.
func (p *Peer) invoke(ctx context.Context, inv transport.Invoker, call *message.Call) {
	resp, err := inv.Invoke(ctx, call)
	if err != nil {
		if ctx.Err() == nil {
			p.engine.Abandon(call.CallID, sendError(call.Path, err))
		}
		return
	}
	resp.CallID = call.CallID
	p.engine.Complete(resp)
}

func (p *Peer) announce(ctx context.Context) error {
	p.sendStart.Do(func() {
		err := p.transport.Send(ctx, &message.Envelope{Start: &message.Start{Object: p.start}})
		if err != nil {
			p.sendStartErr = sendError("", err)
		}
	})
	return p.sendStartErr
}

func (p *Peer) receiveStart(obj json.RawMessage) {
	first := false
	p.remoteStartOnce.Do(func() {
		first = true
		p.remoteStart = obj
		close(p.remoteStarted)
	})
	if !first {
		p.logger.Warn("ignoring duplicate start message")
		return
	}

	go func() {
		if err := p.announce(p.ctx); err != nil {
			p.logger.Warn("start object not sent", zap.Error(err))
		}
	}()
	if fn := p.opts.startHandler; fn != nil {
		go fn(obj)
	}
}

func sendError(path string, err error) *message.Error {
	if errors.Is(err, transport.ErrClosed) {
		return message.Closed(path, err)
	}
	return &message.Error{Kind: message.ErrorKindTransport, Path: path, Message: fmt.Sprintf("sending call to %s: %v", path, err), Err: err}
}

func encodeArg(v any) (json.RawMessage, error) {
	switch a := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		if len(a) == 0 {
			return nil, nil
		}
		if !json.Valid(a) {
			return nil, errors.New("raw message is not valid JSON")
		}
		return a, nil
	default:
		return json.Marshal(v)
	}
}
