package interpreter

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/qtype-ai/qtype/pkg/dsl"
	"github.com/qtype-ai/qtype/pkg/errdefs"
)

// retryTransient runs attempt until it succeeds, fails non-transiently, or
// the policy's attempts run out. A nil policy means the document defaults.
// The exhausted error keeps the transient code and gains ReasonRetryExhausted
// so callers can tell a genuine give-up from a first-try failure.
func retryTransient[T any](ctx context.Context, policy *dsl.RetryConfig, attempt func(context.Context) (T, error)) (T, error) {
	cfg := policy
	if cfg == nil {
		cfg = &dsl.RetryConfig{}
		cfg.SetDefaults()
	}

	var zero T
	var lastErr error
	delay := cfg.InitialDelay
	for n := 1; ; n++ {
		out, err := attempt(ctx)
		if err == nil || !errdefs.IsTransient(err) {
			return out, err
		}
		lastErr = err
		if n >= cfg.MaxAttempts {
			break
		}
		timer := time.NewTimer(jitter(delay))
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, errdefs.Wrapf(errdefs.CodeCancelled, lastErr, "retry interrupted: %v", ctx.Err())
		case <-timer.C:
		}
		delay = min(time.Duration(float64(delay)*cfg.Multiplier), cfg.MaxDelay)
	}
	return zero, errdefs.Wrapf(errdefs.CodeTransient, lastErr,
		"giving up after %d attempts", cfg.MaxAttempts).WithReason(errdefs.ReasonRetryExhausted)
}

// jitter spreads a delay across [d/2, d] to keep retry herds apart.
func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	return d/2 + rand.N(d/2+1)
}
