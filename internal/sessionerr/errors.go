// Package sessionerr defines the error taxonomy shared by the connection
// manager, the stream multiplexer, the bastion layer and the file engine.
//
// Errors carry a Kind so the boundary adapter can turn them into structured
// failures without string matching. Use Is(err, kind) or KindOf(err) to
// classify an error that may have been wrapped with fmt.Errorf("...: %w").
package sessionerr

import (
	"errors"
	"strings"
)

// Kind classifies a session-layer failure.
type Kind int

const (
	Unknown Kind = iota
	AuthenticationFailure
	AuthenticationTimeout
	AuthenticationCancelled
	TransportError
	ChannelUnavailable
	PathRejected
	RemoteOperationError
	ParseError
	Timeout
	NotFound
	InvalidRequest
	RateLimited
)

// String returns the snake_case name of the kind.
func (k Kind) String() string {
	switch k {
	case AuthenticationFailure:
		return "authentication_failure"
	case AuthenticationTimeout:
		return "authentication_timeout"
	case AuthenticationCancelled:
		return "authentication_cancelled"
	case TransportError:
		return "transport_error"
	case ChannelUnavailable:
		return "channel_unavailable"
	case PathRejected:
		return "path_rejected"
	case RemoteOperationError:
		return "remote_operation_error"
	case ParseError:
		return "parse_error"
	case Timeout:
		return "timeout"
	case NotFound:
		return "not_found"
	case InvalidRequest:
		return "invalid_request"
	case RateLimited:
		return "rate_limited"
	default:
		return "unknown"
	}
}

// Final reports whether an error of this kind must not be retried.
func (k Kind) Final() bool {
	switch k {
	case AuthenticationFailure, AuthenticationTimeout, AuthenticationCancelled, PathRejected, InvalidRequest:
		return true
	}
	return false
}

// Error is a classified session-layer error.
type Error struct {
	Kind Kind
	Op   string // operation that failed, e.g. "connect" or "file:list"
	Msg  string // human-readable message shown to the user
	Err  error  // underlying cause, may be nil
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Msg != "" {
		b.WriteString(e.Msg)
	}
	if e.Err != nil {
		if b.Len() > 0 {
			b.WriteString(": ")
		}
		b.WriteString(e.Err.Error())
	}
	if b.Len() == 0 {
		return e.Kind.String()
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// New returns an Error without an underlying cause.
func New(kind Kind, op, msg string) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg}
}

// Wrap returns an Error that wraps err. A nil err yields nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Wrapf is Wrap with a leading message.
func Wrapf(kind Kind, op, msg string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Msg: msg, Err: err}
}

// KindOf returns the Kind of the outermost *Error in err's chain, or Unknown.
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return Unknown
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
