package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	errFlaky = errors.New("flaky")
	errFatal = errors.New("fatal")
)

func fast(opts ...Option) Policy {
	base := []Option{
		WithBackoff(time.Millisecond, 2*time.Millisecond),
		WithClassifier(func(err error) Class {
			if errors.Is(err, errFatal) {
				return Fatal
			}
			return Retryable
		}),
	}
	return New(append(base, opts...)...)
}

func TestDoRetriesUntilSuccess(t *testing.T) {
	calls := 0
	var retried []int
	p := fast(WithOnRetry(func(_ error, _ time.Duration, attempt int) { retried = append(retried, attempt) }))

	v, err := Do(context.Background(), p, func(context.Context) (int, error) {
		calls++
		if calls < 3 {
			return 0, errFlaky
		}
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, v)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []int{1, 2}, retried)
}

func TestDoStopsAfterMaxAttempts(t *testing.T) {
	calls := 0
	err := Run(context.Background(), fast(WithMaxAttempts(2)), func(context.Context) error {
		calls++
		return errFlaky
	})
	assert.ErrorIs(t, err, errFlaky)
	assert.Equal(t, 2, calls)
}

func TestDoFatalIsNotRetried(t *testing.T) {
	calls := 0
	err := Run(context.Background(), fast(), func(context.Context) error {
		calls++
		return errFatal
	})
	assert.ErrorIs(t, err, errFatal)
	assert.Equal(t, 1, calls)
}

func TestDoStopsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Run(ctx, fast(WithMaxAttempts(5)), func(context.Context) error {
		calls++
		cancel()
		return errFlaky
	})
	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}
