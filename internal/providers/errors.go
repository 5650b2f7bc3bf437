package providers

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrorKind classifies a provider failure at the call site where the
// real cause is known. Orchestration code switches on the kind and
// never inspects error message text.
type ErrorKind string

const (
	ErrKindTimeout          ErrorKind = "timeout"
	ErrKindConnection       ErrorKind = "connection"
	ErrKindRateLimit        ErrorKind = "rate_limit"
	ErrKindUpstreamRejected ErrorKind = "upstream_rejected"
	ErrKindUnknown          ErrorKind = "unknown"
)

// Error is a classified provider failure.
type Error struct {
	Provider   string
	Kind       ErrorKind
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Provider, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Provider, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Classify maps an error to its kind. Typed provider errors carry
// their own kind; context and net errors are recognized directly.
func Classify(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrKindTimeout
	}
	// A cooperative abort mid-flight (stage ceiling, session cancel)
	// is force-classified as a timeout.
	if errors.Is(err, context.Canceled) {
		return ErrKindTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) {
		if ne.Timeout() {
			return ErrKindTimeout
		}
		return ErrKindConnection
	}
	return ErrKindUnknown
}

// kindFromStatus maps an HTTP status to an error kind. Only statuses
// the providers actually return are distinguished; everything else in
// the 4xx range is an upstream rejection and is never retried.
func kindFromStatus(status int) ErrorKind {
	switch {
	case status == 429:
		return ErrKindRateLimit
	case status == 408 || status == 504:
		return ErrKindTimeout
	case status == 502 || status == 503:
		return ErrKindConnection
	case status >= 400 && status < 500:
		return ErrKindUpstreamRejected
	default:
		return ErrKindUnknown
	}
}
