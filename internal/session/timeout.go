package session

import (
	"context"
	"errors"
	"time"
)

// ErrTimeout is returned by WithTimeout when the operation loses the race.
var ErrTimeout = errors.New("session: operation timed out")

// WithTimeout races operation against a timer. The loser is cancelled through
// the context handed to operation; a non-positive timeout disables the race.
func WithTimeout[T any](ctx context.Context, timeout time.Duration, operation func(context.Context) (T, error)) (T, error) {
	if timeout <= 0 {
		return operation(ctx)
	}

	operationCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type result struct {
		value T
		err   error
	}
	done := make(chan result, 1)
	go func() {
		value, err := operation(operationCtx)
		done <- result{value: value, err: err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var zero T
	select {
	case outcome := <-done:
		return outcome.value, outcome.err
	case <-timer.C:
		return zero, ErrTimeout
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}
