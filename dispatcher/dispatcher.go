// Package dispatcher answers inbound calls.
//
// Request processing pipeline:
//
//	inbound Call → Dispatch (one goroutine per call)
//	  → Middleware Chain → invoke (registry lookup, handler, JSON encode) → reply
//
// Two delivery shapes are supported. Handle returns the response to the caller, for transports
// where a call's result travels back as the acknowledgement of the call itself. Dispatch runs the
// call in the background and pushes the response through a reply function, for transports with
// separate call and response channels.
package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"duplex-rpc/logging"
	"duplex-rpc/message"
	"duplex-rpc/middleware"
	"duplex-rpc/registry"
)

// ReplyFunc sends a response back to the caller.
type ReplyFunc func(resp *message.Response) error

type Dispatcher struct {
	registry *registry.Registry
	handler  middleware.HandlerFunc // middleware(middleware(...(invoke)))
	wg       sync.WaitGroup         // in-flight calls, for graceful shutdown
	logger   *zap.Logger
}

// New builds the middleware chain once, not per call.
func New(reg *registry.Registry, logger *zap.Logger, mws ...middleware.Middleware) *Dispatcher {
	d := &Dispatcher{
		registry: reg,
		logger:   logging.OrNop(logger),
	}
	d.handler = middleware.Chain(mws...)(d.invoke)
	return d
}

// Handle runs call to completion and returns its response. The response always carries
// call.CallID, and is never nil.
func (d *Dispatcher) Handle(ctx context.Context, call *message.Call) *message.Response {
	d.wg.Add(1)
	defer d.wg.Done()

	return d.handle(ctx, call)
}

// Dispatch runs call on its own goroutine so a slow handler never holds up other inbound messages.
// The response is passed to reply exactly once when the call carries a call ID, and never otherwise.
func (d *Dispatcher) Dispatch(ctx context.Context, call *message.Call, reply ReplyFunc) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()

		resp := d.handle(ctx, call)
		if !call.ExpectsResponse() {
			if !resp.Success {
				d.logger.Warn("fire-and-forget call failed",
					zap.String("path", call.Path),
					zap.String("error", resp.Error))
			}
			return
		}
		err := reply(resp)
		if err != nil && resp.Success {
			// the result could not be sent (too large for the transport, say);
			// the caller still gets one answer for its call ID
			d.logger.Warn("result not sent, replying with failure",
				zap.String("path", call.Path),
				zap.String("callId", call.CallID),
				zap.Error(err))
			err = reply(message.NewFailure(call.CallID, message.Errorf(message.ErrorKindTransport, call.Path, "sending result of %s: %v", call.Path, err)))
		}
		if err != nil {
			d.logger.Error("failed to send response",
				zap.String("path", call.Path),
				zap.String("callId", call.CallID),
				zap.Error(err))
		}
	}()
}

// Wait blocks until in-flight calls finish or timeout elapses.
func (d *Dispatcher) Wait(timeout time.Duration) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("timeout waiting for ongoing calls to finish")
	}
}

func (d *Dispatcher) handle(ctx context.Context, call *message.Call) *message.Response {
	resp := d.handler(ctx, call)
	if resp == nil {
		resp = message.NewFailure(call.CallID, fmt.Errorf("no response produced for %s", call.Path))
	}
	resp.CallID = call.CallID
	return resp
}

// invoke is the innermost handler: resolve the path, run the application handler and
// encode its result. Handler errors and panics become failure responses; they never
// reach the caller of Dispatch.
func (d *Dispatcher) invoke(ctx context.Context, call *message.Call) *message.Response {
	h, err := d.registry.Resolve(call.Path)
	if err != nil {
		return message.NewFailure(call.CallID, err)
	}

	result, err := safeCall(ctx, h, call.Arg)
	if err != nil {
		return message.NewFailure(call.CallID, err)
	}

	raw, err := encodeResult(result)
	if err != nil {
		return message.NewFailure(call.CallID, fmt.Errorf("encoding result of %s: %w", call.Path, err))
	}
	return message.NewResult(call.CallID, raw)
}

func safeCall(ctx context.Context, h registry.Handler, arg json.RawMessage) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, arg)
}

func encodeResult(v any) (json.RawMessage, error) {
	switch r := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		if len(r) == 0 {
			return nil, nil
		}
		if !json.Valid(r) {
			return nil, errors.New("raw result is not valid JSON")
		}
		return r, nil
	default:
		return json.Marshal(v)
	}
}
