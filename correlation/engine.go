// Package correlation turns one-way message delivery into request/response calls.
//
// Every outgoing call that expects an answer gets a fresh call ID and a pending entry.
// When a response arrives its call ID picks the entry, the entry is removed, and the waiting
// caller is woken with the result or the failure. Responses may arrive in any order.
//
//	goroutine-1 ──Issue(id=1)──┐
//	goroutine-2 ──Issue(id=2)──┼──→ one transport ──→ remote side
//	goroutine-3 ──Issue(id=3)──┘
//
//	inbound: ←── response(id=2) → pending["2"] → goroutine-2 wakes up
//
// Each entry is completed at most once: the first of Complete, Abandon or Close wins and
// removes it, so a duplicate response finds nothing and is dropped.
package correlation

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"duplex-rpc/logging"
	"duplex-rpc/message"
)

// Outcome is the terminal result of one correlated call.
type Outcome struct {
	Result json.RawMessage
	Err    error
}

// entry is the bookkeeping record for one pending call.
type entry struct {
	path   string
	issued time.Time
	done   chan Outcome // buffered(1): completion never blocks the inbound path
}

// Engine is owned by exactly one connection.
type Engine struct {
	mu       sync.Mutex
	seq      uint64
	pending  map[string]*entry
	closeErr error // set once the connection is torn down
	logger   *zap.Logger
}

func New(logger *zap.Logger) *Engine {
	return &Engine{
		pending: make(map[string]*entry),
		logger:  logging.OrNop(logger),
	}
}

// Issue allocates a call ID for a call to path and records a pending entry.
// The entry must exist before the call is sent, otherwise a fast response could arrive
// before anyone is waiting for it.
func (e *Engine) Issue(path string) (string, <-chan Outcome, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closeErr != nil {
		return "", nil, message.Closed(path, e.closeErr)
	}

	e.seq++
	id := strconv.FormatUint(e.seq, 10)
	ent := &entry{path: path, issued: time.Now(), done: make(chan Outcome, 1)}
	e.pending[id] = ent
	return id, ent.done, nil
}

// Complete settles the pending call named by resp.CallID.
// It returns false for an unknown or already settled call ID; such a response is logged and dropped.
func (e *Engine) Complete(resp *message.Response) bool {
	e.mu.Lock()
	ent, ok := e.pending[resp.CallID]
	if ok {
		delete(e.pending, resp.CallID)
	}
	e.mu.Unlock()

	if !ok {
		e.logger.Warn("dropping stray response",
			zap.String("callId", resp.CallID),
			zap.Bool("success", resp.Success))
		return false
	}

	out := Outcome{Result: resp.Result}
	if !resp.Success {
		err := resp.Err()
		var rpcErr *message.Error
		if errors.As(err, &rpcErr) {
			rpcErr.Path = ent.path
		}
		out = Outcome{Err: err}
	}
	ent.done <- out

	e.logger.Debug("call completed",
		zap.String("path", ent.path),
		zap.String("callId", resp.CallID),
		zap.Bool("success", resp.Success),
		zap.Duration("elapsed", time.Since(ent.issued)))
	return true
}

// Abandon rejects one pending call with err, e.g. on timeout or when sending failed.
// It returns false if the call was already settled.
func (e *Engine) Abandon(callID string, err error) bool {
	e.mu.Lock()
	ent, ok := e.pending[callID]
	if ok {
		delete(e.pending, callID)
	}
	e.mu.Unlock()

	if !ok {
		return false
	}
	ent.done <- Outcome{Err: err}
	return true
}

// Close rejects every pending call with a connection-closed failure wrapping cause and makes
// later Issue calls fail. It returns the number of calls rejected. Only the first Close counts.
func (e *Engine) Close(cause error) int {
	e.mu.Lock()
	if e.closeErr != nil {
		e.mu.Unlock()
		return 0
	}
	if cause == nil {
		cause = message.ErrConnectionClosed
	}
	e.closeErr = cause
	pending := e.pending
	e.pending = make(map[string]*entry)
	e.mu.Unlock()

	for _, ent := range pending {
		ent.done <- Outcome{Err: message.Closed(ent.path, cause)}
	}
	if len(pending) > 0 {
		e.logger.Info("rejected pending calls on close", zap.Int("count", len(pending)), zap.Error(cause))
	}
	return len(pending)
}

// Await blocks until the call settles or ctx is done. When ctx ends first the entry is
// abandoned with a timeout or canceled failure; if a response won the race, its outcome is returned.
func (e *Engine) Await(ctx context.Context, callID string, done <-chan Outcome) (json.RawMessage, error) {
	select {
	case out := <-done:
		return out.Result, out.Err
	case <-ctx.Done():
	}

	e.Abandon(callID, contextError(ctx, e.pathOf(callID)))
	out := <-done
	return out.Result, out.Err
}

// Pending returns the number of calls awaiting a response.
func (e *Engine) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

func (e *Engine) pathOf(callID string) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if ent, ok := e.pending[callID]; ok {
		return ent.path
	}
	return ""
}

func contextError(ctx context.Context, path string) *message.Error {
	err := ctx.Err()
	if errors.Is(err, context.DeadlineExceeded) {
		return &message.Error{Kind: message.ErrorKindTimeout, Path: path, Message: "call to " + path + " timed out", Err: err}
	}
	return &message.Error{Kind: message.ErrorKindCanceled, Path: path, Message: "call to " + path + " canceled", Err: err}
}
