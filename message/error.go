package message

import "fmt"

// ErrorKind classifies a failure. It travels on the wire in the optional "kind" field.
type ErrorKind string

const (
	ErrorKindNotFound    ErrorKind = "not_found"
	ErrorKindHandler     ErrorKind = "handler"
	ErrorKindClosed      ErrorKind = "closed"
	ErrorKindTimeout     ErrorKind = "timeout"
	ErrorKindCanceled    ErrorKind = "canceled"
	ErrorKindTransport   ErrorKind = "transport"
	ErrorKindRateLimited ErrorKind = "rate_limited"
	ErrorKindProtocol    ErrorKind = "protocol"
)

// Error is the single failure shape surfaced to application code, whether the failure
// happened locally (connection loss, timeout) or on the remote side.
type Error struct {
	Kind    ErrorKind
	Path    string // call path, when known
	Message string
	Err     error // local cause, never sent over the wire
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so sentinels below work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

var (
	ErrNotFound         = &Error{Kind: ErrorKindNotFound, Message: "function not found"}
	ErrConnectionClosed = &Error{Kind: ErrorKindClosed, Message: "connection closed"}
	ErrTimeout          = &Error{Kind: ErrorKindTimeout, Message: "call timed out"}
	ErrCanceled         = &Error{Kind: ErrorKindCanceled, Message: "call canceled"}
	ErrRateLimited      = &Error{Kind: ErrorKindRateLimited, Message: "rate limit exceeded"}
)

// Closed returns a connection-closed failure for a call to path, wrapping the transport cause.
func Closed(path string, cause error) *Error {
	msg := "connection closed"
	if path != "" {
		msg = fmt.Sprintf("call to %s: connection closed", path)
	}
	return &Error{Kind: ErrorKindClosed, Path: path, Message: msg, Err: cause}
}

// Errorf builds an *Error of the given kind.
func Errorf(kind ErrorKind, path string, format string, args ...any) *Error {
	return &Error{Kind: kind, Path: path, Message: fmt.Sprintf(format, args...)}
}
