package backoff

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExponential(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		base     time.Duration
		attempt  int
		expected time.Duration
	}{
		{name: "attempt 0 returns base", base: 100 * time.Millisecond, attempt: 0, expected: 100 * time.Millisecond},
		{name: "attempt 1 doubles base", base: 100 * time.Millisecond, attempt: 1, expected: 200 * time.Millisecond},
		{name: "attempt 3 is 8x base", base: 100 * time.Millisecond, attempt: 3, expected: 800 * time.Millisecond},
		{name: "negative attempt treated as 0", base: 100 * time.Millisecond, attempt: -5, expected: 100 * time.Millisecond},
		{name: "zero base returns 0", base: 0, attempt: 5, expected: 0},
		{name: "negative base returns 0", base: -100 * time.Millisecond, attempt: 5, expected: 0},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, tt.expected, Exponential(tt.base, tt.attempt))
		})
	}
}

func TestExponentialOverflowIsCapped(t *testing.T) {
	t.Parallel()

	result := Exponential(time.Hour, 62)
	assert.Positive(t, result)
}

func TestFullJitter(t *testing.T) {
	t.Parallel()

	t.Run("zero delay returns zero", func(t *testing.T) {
		t.Parallel()

		assert.Equal(t, time.Duration(0), FullJitter(0))
	})

	t.Run("result stays within range", func(t *testing.T) {
		t.Parallel()

		delay := 500 * time.Millisecond
		for n := 0; n < 100; n++ {
			result := FullJitter(delay)
			assert.GreaterOrEqual(t, result, time.Duration(0))
			assert.Less(t, result, delay)
		}
	})
}

func TestSleepWithContext(t *testing.T) {
	t.Parallel()

	t.Run("completes for short duration", func(t *testing.T) {
		t.Parallel()

		err := SleepWithContext(context.Background(), time.Millisecond)
		require.NoError(t, err)
	})

	t.Run("returns immediately for non-positive duration", func(t *testing.T) {
		t.Parallel()

		start := time.Now()
		err := SleepWithContext(context.Background(), -time.Second)
		require.NoError(t, err)
		assert.Less(t, time.Since(start), 100*time.Millisecond)
	})

	t.Run("respects cancellation", func(t *testing.T) {
		t.Parallel()

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		err := SleepWithContext(ctx, time.Minute)
		require.Error(t, err)
		assert.ErrorIs(t, err, context.Canceled)
	})
}
