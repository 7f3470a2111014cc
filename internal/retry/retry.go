// Package retry runs boundary operations (broker connect, clock sanity)
// with a fixed backoff until they succeed or the context ends.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
)

// Policy controls how an operation is retried.
type Policy struct {
	// MaxAttempts bounds the number of calls. Zero means retry forever.
	MaxAttempts int
	// Backoff is the fixed wait between attempts.
	Backoff time.Duration
	// OnRetry, if set, is called before each wait.
	OnRetry func(attempt int, err error, backoff time.Duration)
}

// Operation is a single attempt.
type Operation func(ctx context.Context) error

// PermanentError aborts retrying immediately.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	return &PermanentError{Err: err}
}

// Do calls op until it returns nil, returns a PermanentError, MaxAttempts is
// exhausted, or ctx is cancelled.
func Do(ctx context.Context, clock clockwork.Clock, p Policy, op Operation) error {
	for attempt := 1; ; attempt++ {
		err := op(ctx)
		if err == nil {
			return nil
		}

		var perm *PermanentError
		if errors.As(err, &perm) {
			return perm.Err
		}

		if p.MaxAttempts > 0 && attempt >= p.MaxAttempts {
			return fmt.Errorf("failed after %d attempts: %w", attempt, err)
		}

		if p.OnRetry != nil {
			p.OnRetry(attempt, err, p.Backoff)
		}

		select {
		case <-clock.After(p.Backoff):
		case <-ctx.Done():
			return fmt.Errorf("context cancelled during retry: %w", ctx.Err())
		}
	}
}
