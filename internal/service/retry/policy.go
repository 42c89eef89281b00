// Package retry centralizes retry-with-backoff and error classification for upstream calls.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Class tells the policy whether an error is worth another attempt.
type Class int

const (
	Retryable Class = iota
	Fatal
)

// Classifier maps an error to a Class.
type Classifier func(error) Class

// Policy is a bounded exponential backoff.
type Policy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	Jitter          float64
	Classify        Classifier
	// OnRetry is called before each sleep with the failing attempt number (1-based).
	OnRetry func(err error, next time.Duration, attempt int)
}

// Option configures Policy.
type Option func(*Policy)

func WithMaxAttempts(n int) Option {
	return func(p *Policy) { p.MaxAttempts = n }
}

func WithBackoff(initial, maxInterval time.Duration) Option {
	return func(p *Policy) {
		p.InitialInterval = initial
		p.MaxInterval = maxInterval
	}
}

func WithClassifier(c Classifier) Option {
	return func(p *Policy) { p.Classify = c }
}

func WithOnRetry(fn func(err error, next time.Duration, attempt int)) Option {
	return func(p *Policy) { p.OnRetry = fn }
}

// New returns a policy with 3 attempts, 2s..10s backoff, and every error retryable.
func New(opts ...Option) Policy {
	p := Policy{
		MaxAttempts:     3,
		InitialInterval: 2 * time.Second,
		MaxInterval:     10 * time.Second,
		Multiplier:      2,
		Jitter:          0.2,
	}
	for _, opt := range opts {
		opt(&p)
	}
	return p
}

func (p Policy) backOff(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.InitialInterval
	eb.MaxInterval = p.MaxInterval
	eb.Multiplier = p.Multiplier
	eb.RandomizationFactor = p.Jitter
	eb.MaxElapsedTime = 0
	eb.Reset()

	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	return backoff.WithContext(backoff.WithMaxRetries(eb, uint64(attempts-1)), ctx)
}

// Do runs op until it succeeds, returns a Fatal error, attempts run out, or ctx ends.
// The last error is returned unwrapped.
func Do[T any](ctx context.Context, p Policy, op func(context.Context) (T, error)) (T, error) {
	attempt := 0
	wrapped := func() (T, error) {
		attempt++
		v, err := op(ctx)
		if err == nil {
			return v, nil
		}
		if ctx.Err() != nil {
			return v, backoff.Permanent(err)
		}
		if p.Classify != nil && p.Classify(err) == Fatal {
			return v, backoff.Permanent(err)
		}
		return v, err
	}
	notify := func(err error, next time.Duration) {
		if p.OnRetry != nil {
			p.OnRetry(err, next, attempt)
		}
	}
	return backoff.RetryNotifyWithData(wrapped, p.backOff(ctx), notify)
}

// Run is Do for operations without a result.
func Run(ctx context.Context, p Policy, op func(context.Context) error) error {
	_, err := Do(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}
