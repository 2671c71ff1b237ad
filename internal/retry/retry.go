// Package retry runs an operation until it succeeds, fails permanently, or
// runs out of attempts.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"
)

// DefaultMaxDelay caps the backoff when a Policy sets no MaxDelay.
const DefaultMaxDelay = time.Second

// Policy describes a bounded exponential backoff.
type Policy struct {
	// Attempts is the total number of calls, including the first. Values
	// below 1 mean a single call.
	Attempts int
	// BaseDelay is the pause before the second call. It doubles per retry.
	BaseDelay time.Duration
	// MaxDelay caps a single pause.
	MaxDelay time.Duration
}

type permanent struct{ err error }

func (p permanent) Error() string { return p.err.Error() }
func (p permanent) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying. Do returns the unwrapped err.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanent{err: err}
}

// ExhaustedError reports that every attempt failed with a retryable error.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("gave up after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// IsExhausted reports whether err came from running out of attempts.
func IsExhausted(err error) bool {
	var ee *ExhaustedError
	return errors.As(err, &ee)
}

// Do calls fn with the zero-based attempt number until it returns nil or a
// Permanent error, the context ends, or the attempts are used up.
func (p Policy) Do(ctx context.Context, fn func(attempt int) error) error {
	attempts := max(p.Attempts, 1)
	var last error
	for attempt := range attempts {
		last = fn(attempt)
		if last == nil {
			return nil
		}
		var perm permanent
		if errors.As(last, &perm) {
			return perm.err
		}
		if attempt == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.backoff(attempt)):
		}
	}
	return &ExhaustedError{Attempts: attempts, Err: last}
}

// backoff returns the pause after the given failed attempt: BaseDelay*2^n
// capped at MaxDelay, with up to 25% taken off at random.
func (p Policy) backoff(attempt int) time.Duration {
	ceiling := p.MaxDelay
	if ceiling <= 0 {
		ceiling = DefaultMaxDelay
	}
	d := p.BaseDelay
	for i := 0; i < attempt && d < ceiling; i++ {
		d *= 2
	}
	d = min(d, ceiling)
	if quarter := int64(d / 4); quarter > 0 {
		d -= time.Duration(rand.Int64N(quarter + 1))
	}
	return d
}
