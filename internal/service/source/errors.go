package source

import (
	"context"
	"errors"
	"fmt"

	"TWPull/internal/service/retry"
)

// ErrBlocked means the upstream answered with an anti-bot or security page.
// Retrying only prolongs the block, so the whole run must stop.
var ErrBlocked = errors.New("upstream blocked the request")

// TransientError wraps timeouts, connection failures, 429 and 5xx responses.
type TransientError struct {
	Op     string
	Status int
	Err    error
}

func (e *TransientError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: transient upstream status %d", e.Op, e.Status)
	}
	return fmt.Sprintf("%s: transient upstream error: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// StatusError is a non-retryable HTTP status such as 404.
type StatusError struct {
	Op     string
	Status int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: upstream status %d", e.Op, e.Status)
}

// ParseError describes one upstream row that could not be normalized.
// The row is dropped; the rest of the response is kept.
type ParseError struct {
	Symbol string
	Raw    string
	Err    error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s row %s: %v", e.Symbol, e.Raw, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Classify is the retry classifier for source errors.
func Classify(err error) retry.Class {
	var te *TransientError
	switch {
	case errors.Is(err, ErrBlocked):
		return retry.Fatal
	case errors.As(err, &te):
		return retry.Retryable
	default:
		return retry.Fatal
	}
}

// IsBlocked reports whether err carries ErrBlocked.
func IsBlocked(err error) bool { return errors.Is(err, ErrBlocked) }

// wrapTransport treats any client-side failure (timeout, reset, DNS) as
// transient unless the caller's own context ended.
func wrapTransport(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return &TransientError{Op: op, Err: err}
}
