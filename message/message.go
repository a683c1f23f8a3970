// Package message defines the messages exchanged between the two sides of a connection.
//
// Every message on the wire is one of three variants, carried in an Envelope:
//
//   - Call:     an invocation of a function registered on the other side, addressed by path.
//   - Response: the terminal answer to exactly one Call that carried a call ID.
//   - Start:    the application start object, exchanged once when the connection comes up.
//
// On the JSON wire the variants share one flat object and are told apart by field presence
// ("success" => Response, "start" => Start, otherwise Call). The Envelope is decoded once at
// ingress so the rest of the stack never inspects raw fields.
package message

import (
	"encoding/json"
	"errors"
)

// Kind identifies which variant an Envelope carries.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindCall
	KindResponse
	KindStart
)

func (k Kind) String() string {
	switch k {
	case KindCall:
		return "call"
	case KindResponse:
		return "response"
	case KindStart:
		return "start"
	default:
		return "invalid"
	}
}

// Call is one RPC invocation in flight.
//
// CallID is empty for fire-and-forget calls: the callee runs the handler but never replies.
type Call struct {
	Path   string
	CallID string
	Arg    json.RawMessage // absent when nil
}

// ExpectsResponse reports whether the callee must answer this call.
func (c *Call) ExpectsResponse() bool {
	return c.CallID != ""
}

// Response is the terminal answer to the Call with the same CallID.
// Result is only meaningful when Success is true; Error and ErrorKind only when it is false.
type Response struct {
	CallID    string
	Success   bool
	Result    json.RawMessage
	Error     string
	ErrorKind ErrorKind
}

// Err rebuilds the failure carried by an unsuccessful response. It returns nil on success.
func (r *Response) Err() error {
	if r.Success {
		return nil
	}
	kind := r.ErrorKind
	if kind == "" {
		kind = ErrorKindHandler
	}
	return &Error{Kind: kind, Message: r.Error}
}

// Start carries the application start object of one side.
type Start struct {
	Object json.RawMessage
}

// Envelope is the tagged variant put on and taken off the wire. Exactly one field is set.
type Envelope struct {
	Call     *Call
	Response *Response
	Start    *Start
}

// Kind returns the variant carried by the envelope.
func (e *Envelope) Kind() Kind {
	switch {
	case e == nil:
		return KindInvalid
	case e.Call != nil:
		return KindCall
	case e.Response != nil:
		return KindResponse
	case e.Start != nil:
		return KindStart
	default:
		return KindInvalid
	}
}

var (
	errEmptyEnvelope  = errors.New("message: envelope carries no variant")
	errMultiVariant   = errors.New("message: envelope carries more than one variant")
	errEmptyPath      = errors.New("message: call without path")
	errMissingCallID  = errors.New("message: response without callId")
	errNullEnvelope   = errors.New("message: null envelope")
	errUnknownVariant = errors.New("message: unknown envelope variant")
)

// Validate checks the structural invariants of the envelope.
func (e *Envelope) Validate() error {
	n := 0
	if e.Call != nil {
		n++
		if e.Call.Path == "" {
			return errEmptyPath
		}
	}
	if e.Response != nil {
		n++
		if e.Response.CallID == "" {
			return errMissingCallID
		}
	}
	if e.Start != nil {
		n++
	}
	switch n {
	case 0:
		return errEmptyEnvelope
	case 1:
		return nil
	default:
		return errMultiVariant
	}
}

// NewCall wraps a call in an envelope.
func NewCall(path, callID string, arg json.RawMessage) *Envelope {
	return &Envelope{Call: &Call{Path: path, CallID: callID, Arg: arg}}
}

// NewResult builds the success response for callID.
func NewResult(callID string, result json.RawMessage) *Response {
	return &Response{CallID: callID, Success: true, Result: result}
}

// NewFailure builds the failure response for callID from err.
// A *Error keeps its kind across the wire; any other error is reported as a handler failure.
func NewFailure(callID string, err error) *Response {
	kind := ErrorKindHandler
	var rpcErr *Error
	if errors.As(err, &rpcErr) && rpcErr.Kind != "" {
		kind = rpcErr.Kind
	}
	return &Response{CallID: callID, Success: false, Error: err.Error(), ErrorKind: kind}
}
