package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastConfig(maxAttempts int) *Config {
	return &Config{
		MaxAttempts:     maxAttempts,
		InitialDelay:    time.Millisecond,
		MaxDelay:        5 * time.Millisecond,
		Multiplier:      2.0,
		RandomizeFactor: 0,
		RetryIf:         DefaultRetryIf,
	}
}

func TestDo_SucceedsFirstAttempt(t *testing.T) {
	r := New(fastConfig(3))

	calls := 0
	result := r.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return nil
	})

	require.NoError(t, result.Err)
	assert.Equal(t, 1, result.Attempts)
	assert.Equal(t, 1, calls)
}

func TestDo_RetriesTemporaryError(t *testing.T) {
	r := New(fastConfig(5))

	calls := 0
	result := r.Do(context.Background(), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return &TemporaryError{Err: errors.New("transient")}
		}
		return nil
	})

	require.NoError(t, result.Err)
	assert.Equal(t, 3, result.Attempts)
}

func TestDo_StopsOnPermanentError(t *testing.T) {
	r := New(fastConfig(5))

	calls := 0
	result := r.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return &PermanentError{Err: errors.New("bad request")}
	})

	require.Error(t, result.Err)
	assert.Equal(t, 1, calls)

	var permErr *PermanentError
	assert.True(t, errors.As(result.Err, &permErr))
}

func TestDo_ExhaustsAttempts(t *testing.T) {
	r := New(fastConfig(3))

	calls := 0
	result := r.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return errors.New("always failing")
	})

	require.Error(t, result.Err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, 3, result.Attempts)
}

func TestDo_ContextCancellation(t *testing.T) {
	r := New(fastConfig(0))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result := r.Do(ctx, func(ctx context.Context) error {
		return errors.New("should not matter")
	})

	require.Error(t, result.Err)
	assert.ErrorIs(t, result.Err, context.Canceled)
}

func TestDefaultRetryIf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil error", nil, false},
		{"temporary error", &TemporaryError{Err: errors.New("x")}, true},
		{"permanent error", &PermanentError{Err: errors.New("x")}, false},
		{"wrapped temporary", &TemporaryError{Err: errors.New("inner")}, true},
		{"plain error retries by default", errors.New("unknown"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DefaultRetryIf(tt.err))
		})
	}
}

func TestNextDelay_CapsAtMax(t *testing.T) {
	r := New(&Config{
		MaxAttempts:  3,
		InitialDelay: 10 * time.Millisecond,
		MaxDelay:     25 * time.Millisecond,
		Multiplier:   2.0,
	})

	assert.Equal(t, 20*time.Millisecond, r.nextDelay(10*time.Millisecond))
	assert.Equal(t, 25*time.Millisecond, r.nextDelay(20*time.Millisecond))
	assert.Equal(t, 25*time.Millisecond, r.nextDelay(25*time.Millisecond))
}

func TestJitter_ZeroFactorIsExact(t *testing.T) {
	r := New(fastConfig(1))
	assert.Equal(t, time.Millisecond, r.jitter(time.Millisecond))
}

func TestExponentialBackoff(t *testing.T) {
	cfg := ExponentialBackoff(4)
	assert.Equal(t, 4, cfg.MaxAttempts)
	assert.Equal(t, 2.0, cfg.Multiplier)
	assert.NotNil(t, cfg.RetryIf)
}
