package errors

import (
	stderrors "errors"
	"fmt"
)

// Error codes for connection reliability failures
const (
	CodeTransport          = "TRANSPORT_ERROR"
	CodeProtocol           = "PROTOCOL_ERROR"
	CodeCapacity           = "CAPACITY_EXCEEDED"
	CodeReconnectExhausted = "RECONNECT_EXHAUSTED"
	CodeHeartbeatTimeout   = "HEARTBEAT_TIMEOUT"
	CodeUnknown            = "UNKNOWN"
)

// Error is a classified failure. Op names the operation that failed
// ("dial", "send", "receive", "close", "decode", ...).
type Error struct {
	Code string
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Code, e.Op)
	}
	return fmt.Sprintf("%s: %s: %v", e.Code, e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error carrying the same code, so sentinel-style checks work:
// errors.Is(err, &Error{Code: CodeTransport}).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code && (t.Op == "" || t.Op == e.Op)
}

// New creates a classified error
func New(code, op string, err error) *Error {
	return &Error{Code: code, Op: op, Err: err}
}

// Transport wraps a failure from the underlying WebSocket
func Transport(op string, err error) *Error {
	return New(CodeTransport, op, err)
}

// Protocol wraps a malformed or unencodable frame
func Protocol(op string, err error) *Error {
	return New(CodeProtocol, op, err)
}

// Capacity reports a full pending queue
func Capacity(limit int) *Error {
	return New(CodeCapacity, "enqueue", fmt.Errorf("pending queue full (%d)", limit))
}

// Exhausted reports that reconnection attempts ran out
func Exhausted(attempts int) *Error {
	return New(CodeReconnectExhausted, "reconnect", fmt.Errorf("gave up after %d attempts", attempts))
}

// HeartbeatTimeout reports too many consecutive missed pongs
func HeartbeatTimeout(missed int) *Error {
	return New(CodeHeartbeatTimeout, "heartbeat", fmt.Errorf("%d consecutive heartbeats missed", missed))
}

// CodeOf returns the code of the first *Error in err's chain, or CodeUnknown.
func CodeOf(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if stderrors.As(err, &e) {
		return e.Code
	}
	return CodeUnknown
}
