package routing

import (
	"context"
	"time"

	"github.com/lattice-telemetry/sidecar/internal/wire"
)

// RetryPolicy configures the bounded-retry loop around one backend
// dispatch: up to MaxAttempts, exponential backoff from
// InitialBackoff capped at MaxBackoff, only for retryable errors.
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultRetryPolicy returns the standard retry defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, InitialBackoff: 200 * time.Millisecond, MaxBackoff: 5 * time.Second}
}

// deliverWithRetry calls adapter.Deliver, retrying non-fatal failures up
// to policy.MaxAttempts times with exponential backoff. It returns the
// final attempt's result.
func deliverWithRetry(ctx context.Context, adapter Adapter, records []*wire.Record, policy RetryPolicy) DeliverResult {
	if policy.MaxAttempts <= 0 {
		policy = DefaultRetryPolicy()
	}

	backoff := policy.InitialBackoff
	var result DeliverResult

	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		result = adapter.Deliver(records)
		if result.Err == nil || result.Fatal {
			return result
		}
		if attempt == policy.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return result
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > policy.MaxBackoff {
			backoff = policy.MaxBackoff
		}
	}
	return result
}
