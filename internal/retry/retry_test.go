package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errTransient = errors.New("transient")

func TestDo_StopsOnSuccess(t *testing.T) {
	var seen []int
	err := Policy{Attempts: 5, BaseDelay: time.Millisecond}.Do(context.Background(), func(attempt int) error {
		seen = append(seen, attempt)
		if attempt < 2 {
			return errTransient
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2}, seen)
}

func TestDo_Exhausted(t *testing.T) {
	calls := 0
	err := Policy{Attempts: 3, BaseDelay: time.Millisecond}.Do(context.Background(), func(int) error {
		calls++
		return errTransient
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.True(t, IsExhausted(err))
	assert.ErrorIs(t, err, errTransient)

	var ee *ExhaustedError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, 3, ee.Attempts)
}

func TestDo_PermanentIsUnwrapped(t *testing.T) {
	business := errors.New("insufficient funds")
	calls := 0
	err := Policy{Attempts: 5, BaseDelay: time.Millisecond}.Do(context.Background(), func(int) error {
		calls++
		return Permanent(business)
	})
	assert.Equal(t, 1, calls)
	assert.Same(t, business, err)
	assert.False(t, IsExhausted(err))
}

func TestDo_ZeroAttemptsCallsOnce(t *testing.T) {
	calls := 0
	err := Policy{}.Do(context.Background(), func(int) error {
		calls++
		return errTransient
	})
	assert.Equal(t, 1, calls)
	assert.True(t, IsExhausted(err))
}

func TestDo_ContextCancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Policy{Attempts: 5, BaseDelay: time.Hour, MaxDelay: time.Hour}.Do(ctx, func(int) error {
		calls++
		cancel()
		return errTransient
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestPermanent_Nil(t *testing.T) {
	assert.NoError(t, Permanent(nil))
}

func TestBackoff_DoublesAndCaps(t *testing.T) {
	p := Policy{BaseDelay: 100 * time.Millisecond, MaxDelay: 300 * time.Millisecond}
	tests := []struct {
		attempt  int
		min, max time.Duration
	}{
		{0, 75 * time.Millisecond, 100 * time.Millisecond},
		{1, 150 * time.Millisecond, 200 * time.Millisecond},
		{2, 225 * time.Millisecond, 300 * time.Millisecond},
		{6, 225 * time.Millisecond, 300 * time.Millisecond},
	}
	for _, tt := range tests {
		for range 20 {
			d := p.backoff(tt.attempt)
			assert.GreaterOrEqual(t, d, tt.min, "attempt %d", tt.attempt)
			assert.LessOrEqual(t, d, tt.max, "attempt %d", tt.attempt)
		}
	}
}

func TestBackoff_DefaultCeiling(t *testing.T) {
	p := Policy{BaseDelay: 500 * time.Millisecond}
	assert.LessOrEqual(t, p.backoff(10), DefaultMaxDelay)
}
