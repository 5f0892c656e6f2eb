package transport

import (
	"context"
	"fmt"
	"io"
	"net"
	"syscall"

	"github.com/pkg/errors"
)

// Kind classifies a ConnectionError.
type Kind int

const (
	KindGeneric Kind = iota
	KindConnectFailed
	KindConnectionClosed
	KindTimedOut
	KindCannotResolveEndpoint
	KindInvalidEndpoint
)

func (k Kind) String() string {
	switch k {
	case KindConnectFailed:
		return "connect_failed"
	case KindConnectionClosed:
		return "connection_closed"
	case KindTimedOut:
		return "timed_out"
	case KindCannotResolveEndpoint:
		return "cannot_resolve_endpoint"
	case KindInvalidEndpoint:
		return "invalid_endpoint"
	default:
		return "generic"
	}
}

// ConnectionError is returned by every Transporter operation that fails.
// The transporter has already disconnected when one is returned.
type ConnectionError struct {
	Kind        Kind
	Code        int    // errno when the cause carries one, 0 otherwise
	Endpoint    string // host:port, empty if no endpoint was determined
	Transporter string
	Err         error
}

func (e *ConnectionError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Transporter, e.Kind)
	if e.Endpoint != "" {
		msg += " (" + e.Endpoint + ")"
	}
	if e.Code != 0 {
		msg += fmt.Sprintf(" code=%d", e.Code)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConnectionError) Unwrap() error { return e.Err }

func (e *ConnectionError) Cause() error { return e.Err }

// AsConnectionError extracts a ConnectionError from err's chain.
func AsConnectionError(err error) (*ConnectionError, bool) {
	var ce *ConnectionError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

func isKind(err error, k Kind) bool {
	ce, ok := AsConnectionError(err)
	return ok && ce.Kind == k
}

func IsConnectFailed(err error) bool { return isKind(err, KindConnectFailed) }

func IsConnectionClosed(err error) bool { return isKind(err, KindConnectionClosed) }

func IsTimedOut(err error) bool { return isKind(err, KindTimedOut) }

func IsCannotResolveEndpoint(err error) bool { return isKind(err, KindCannotResolveEndpoint) }

func IsInvalidEndpoint(err error) bool { return isKind(err, KindInvalidEndpoint) }

// IsRetryable reports whether err is a connection failure worth retrying against a fresh
// connection. Resolution and configuration failures are not.
func IsRetryable(err error) bool {
	ce, ok := AsConnectionError(err)
	if !ok {
		return false
	}
	switch ce.Kind {
	case KindConnectFailed, KindConnectionClosed, KindTimedOut:
		return true
	}
	return false
}

// classify maps a low-level I/O error to a Kind and errno. fallback is used when nothing
// more specific matches.
func classify(err error, fallback Kind) (Kind, int) {
	code := 0
	var errno syscall.Errno
	if errors.As(err, &errno) {
		code = int(errno)
	}
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, net.ErrClosed),
		errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.EPIPE):
		return KindConnectionClosed, code
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, syscall.ETIMEDOUT):
		return KindTimedOut, code
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return KindTimedOut, code
	}
	return fallback, code
}
