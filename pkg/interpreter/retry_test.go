package interpreter

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qtype-ai/qtype/pkg/dsl"
	"github.com/qtype-ai/qtype/pkg/errdefs"
)

func fastPolicy(attempts int) *dsl.RetryConfig {
	return &dsl.RetryConfig{
		MaxAttempts:  attempts,
		InitialDelay: time.Millisecond,
		Multiplier:   2,
		MaxDelay:     5 * time.Millisecond,
	}
}

func TestRetrySucceedsAfterTransients(t *testing.T) {
	calls := 0
	out, err := retryTransient(context.Background(), fastPolicy(5), func(context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", errdefs.Transientf("flaky")
		}
		return "done", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "done", out)
	assert.Equal(t, 3, calls)
}

func TestRetryStopsOnNonTransient(t *testing.T) {
	calls := 0
	_, err := retryTransient(context.Background(), fastPolicy(5), func(context.Context) (string, error) {
		calls++
		return "", errdefs.Failuref("broken input")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, errdefs.CodeMessageFailure, errdefs.CodeOf(err))
}

func TestRetryExhaustionKeepsTransientCode(t *testing.T) {
	calls := 0
	_, err := retryTransient(context.Background(), fastPolicy(3), func(context.Context) (string, error) {
		calls++
		return "", errdefs.Transientf("still down")
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.True(t, errdefs.IsTransient(err))
	assert.Equal(t, errdefs.ReasonRetryExhausted, errdefs.ReasonOf(err))
}

func TestRetryInterruptedByContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	policy := fastPolicy(10)
	policy.InitialDelay = time.Hour

	done := make(chan error, 1)
	go func() {
		_, err := retryTransient(ctx, policy, func(context.Context) (string, error) {
			return "", errdefs.Transientf("down")
		})
		done <- err
	}()
	cancel()

	select {
	case err := <-done:
		assert.True(t, errdefs.IsCancelled(err))
	case <-time.After(2 * time.Second):
		t.Fatal("retry did not stop after cancellation")
	}
}

func TestJitterStaysInRange(t *testing.T) {
	for range 100 {
		d := jitter(100 * time.Millisecond)
		assert.GreaterOrEqual(t, d, 50*time.Millisecond)
		assert.LessOrEqual(t, d, 100*time.Millisecond)
	}
	assert.Equal(t, time.Duration(0), jitter(0))
}
