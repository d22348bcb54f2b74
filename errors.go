package coap

import (
	"errors"
	"fmt"
)

// Sentinel errors forming the error domain described in the external
// interfaces: each is returned directly by an operation, or wrapped with
// context via [WrapError] and surfaced through [ResponseListener.OnError].
var (
	ErrOutOfMemory        = errors.New("coap: out of memory")
	ErrInvalidParameters  = errors.New("coap: invalid parameters")
	ErrInvalidState       = errors.New("coap: invalid state")
	ErrInvalidFormat      = errors.New("coap: invalid message format")
	ErrOutOfRange         = errors.New("coap: out of range")
	ErrNotEnoughSpace     = errors.New("coap: not enough space")
	ErrTimeout            = errors.New("coap: timeout")
	ErrReset              = errors.New("coap: reset by peer")
	ErrWouldBlock         = errors.New("coap: would block")
	ErrNoSuchItem         = errors.New("coap: no such item")
	ErrOutOfResources     = errors.New("coap: out of resources")
	ErrInternal           = errors.New("coap: internal error")
	ErrLoopTerminating    = errors.New("coap: loop is terminating")
	ErrLoopTerminated     = errors.New("coap: loop has been terminated")
)

// WrapError wraps cause with additional context, preserving it for
// [errors.Is] and [errors.As].
func WrapError(message string, cause error) error {
	return fmt.Errorf("%s: %w", message, cause)
}

// ErrorCode identifies the terminal failure reported to a [ResponseListener]
// via OnError. It mirrors the sentinel errors above but is a small value
// type suitable for passing across the loop boundary without allocating.
type ErrorCode uint8

const (
	ErrorCodeNone ErrorCode = iota
	ErrorCodeOutOfMemory
	ErrorCodeInvalidParameters
	ErrorCodeInvalidState
	ErrorCodeInvalidFormat
	ErrorCodeOutOfRange
	ErrorCodeNotEnoughSpace
	ErrorCodeTimeout
	ErrorCodeReset
	ErrorCodeNoSuchItem
	ErrorCodeOutOfResources
	ErrorCodeInternal
)

func (c ErrorCode) String() string {
	switch c {
	case ErrorCodeNone:
		return "None"
	case ErrorCodeOutOfMemory:
		return "OutOfMemory"
	case ErrorCodeInvalidParameters:
		return "InvalidParameters"
	case ErrorCodeInvalidState:
		return "InvalidState"
	case ErrorCodeInvalidFormat:
		return "InvalidFormat"
	case ErrorCodeOutOfRange:
		return "OutOfRange"
	case ErrorCodeNotEnoughSpace:
		return "NotEnoughSpace"
	case ErrorCodeTimeout:
		return "Timeout"
	case ErrorCodeReset:
		return "Reset"
	case ErrorCodeNoSuchItem:
		return "NoSuchItem"
	case ErrorCodeOutOfResources:
		return "OutOfResources"
	case ErrorCodeInternal:
		return "Internal"
	default:
		return "Unknown"
	}
}

// errorCodeFor maps a sentinel error from this package's domain onto its
// [ErrorCode], for surfacing through a [ResponseListener].
func errorCodeFor(err error) ErrorCode {
	switch {
	case errors.Is(err, ErrOutOfMemory):
		return ErrorCodeOutOfMemory
	case errors.Is(err, ErrInvalidParameters):
		return ErrorCodeInvalidParameters
	case errors.Is(err, ErrInvalidState):
		return ErrorCodeInvalidState
	case errors.Is(err, ErrInvalidFormat):
		return ErrorCodeInvalidFormat
	case errors.Is(err, ErrOutOfRange):
		return ErrorCodeOutOfRange
	case errors.Is(err, ErrNotEnoughSpace):
		return ErrorCodeNotEnoughSpace
	case errors.Is(err, ErrTimeout):
		return ErrorCodeTimeout
	case errors.Is(err, ErrReset):
		return ErrorCodeReset
	case errors.Is(err, ErrNoSuchItem):
		return ErrorCodeNoSuchItem
	case errors.Is(err, ErrOutOfResources):
		return ErrorCodeOutOfResources
	default:
		return ErrorCodeInternal
	}
}
