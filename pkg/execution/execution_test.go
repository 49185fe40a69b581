package execution

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithRetry_SucceedsAfterFailures(t *testing.T) {
	attempts := 0
	value, err := WithRetry(context.Background(), 5, time.Millisecond, 2*time.Millisecond, func(context.Context) (string, error) {
		attempts++
		if attempts < 3 {
			return "", errors.New("not yet")
		}
		return "ok", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "ok", value)
	assert.Equal(t, 3, attempts)
}

func TestWithRetry_ReturnsLastError(t *testing.T) {
	attempts := 0
	_, err := WithRetry(context.Background(), 3, time.Millisecond, time.Millisecond, func(context.Context) (int, error) {
		attempts++
		return 0, errors.New("down")
	})

	require.EqualError(t, err, "down")
	assert.Equal(t, 3, attempts)
}

func TestWithRetry_StopsOnPermanent(t *testing.T) {
	misconfigured := errors.New("bad url")
	attempts := 0
	_, err := WithRetry(context.Background(), 5, time.Millisecond, time.Millisecond, func(context.Context) (int, error) {
		attempts++
		return 0, Permanent(misconfigured)
	})
	assert.Equal(t, 1, attempts)
	assert.Same(t, misconfigured, err)
	assert.NoError(t, Permanent(nil))
}

func TestWithRetry_ManyAttemptsDoNotOverflow(t *testing.T) {
	attempts := 0
	require.NotPanics(t, func() {
		_, err := WithRetry(context.Background(), 70, time.Nanosecond, time.Nanosecond, func(context.Context) (int, error) {
			attempts++
			return 0, errors.New("down")
		})
		assert.EqualError(t, err, "down")
	})
	assert.Equal(t, 70, attempts)
}

func TestBackoffFor(t *testing.T) {
	tests := []struct {
		name    string
		attempt int
		initial time.Duration
		limit   time.Duration
		want    time.Duration
	}{
		{"first", 0, 200 * time.Millisecond, time.Second, 200 * time.Millisecond},
		{"doubles", 2, 200 * time.Millisecond, time.Second, 800 * time.Millisecond},
		{"capped", 3, 200 * time.Millisecond, time.Second, time.Second},
		{"overflowing shift", 40, 200 * time.Millisecond, time.Minute, time.Minute},
		{"huge attempt", 100, time.Nanosecond, time.Second, time.Second},
		{"zero initial", 5, 0, time.Second, 0},
		{"negative limit", 1, time.Millisecond, -time.Second, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, backoffFor(tt.attempt, tt.initial, tt.limit))
		})
	}
}

func TestWithRetry_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0
	_, err := WithRetry(ctx, 10, time.Hour, time.Hour, func(context.Context) (int, error) {
		attempts++
		cancel()
		return 0, errors.New("down")
	})

	require.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestWithTimeout(t *testing.T) {
	_, err := WithTimeout(context.Background(), time.Millisecond, func(ctx context.Context) (int, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
