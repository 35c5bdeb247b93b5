// Package retry wraps remote calls with bounded backoff over the closed set
// of retriable fault kinds.
package retry

import (
	"context"
	"math/rand/v2"
	"time"

	gcerr "github.com/blobcourier/blobcourier/internal/errors"
	"github.com/blobcourier/blobcourier/internal/metrics"
)

const (
	// defaultInitialBackoff is the first exponential backoff interval.
	defaultInitialBackoff = 500 * time.Millisecond
	// defaultMaxBackoff caps the exponential backoff interval.
	defaultMaxBackoff = 32 * time.Second
)

// Policy describes how a remote call is retried. The zero value retries
// nothing; construct policies with Exponential or Constant.
type Policy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int
	// Initial is the first backoff interval for the exponential profile.
	Initial time.Duration
	// Max caps the backoff interval for the exponential profile.
	Max time.Duration
	// Interval is the fixed spacing for the constant profile. When set, the
	// exponential fields are ignored.
	Interval time.Duration
}

// Exponential returns a policy with exponential backoff and jitter, capped at
// maxAttempts total attempts. Used for session start, bucket resolution,
// deletes, copies, and existence probes.
func Exponential(maxAttempts int) Policy {
	return Policy{
		MaxAttempts: maxAttempts,
		Initial:     defaultInitialBackoff,
		Max:         defaultMaxBackoff,
	}
}

// Constant returns a policy with fixed spacing between attempts. Used for
// mid-stream appends, where exponential jitter would stall an open upload
// channel.
func Constant(maxAttempts int, interval time.Duration) Policy {
	return Policy{MaxAttempts: maxAttempts, Interval: interval}
}

// Do runs fn, retrying while the returned error is retriable, up to the
// policy's attempt cap. The last error is returned unchanged in kind.
// Non-retriable errors propagate immediately. The op label is used for
// retry metrics only.
func (p Policy) Do(ctx context.Context, op string, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		if attempt > 0 {
			metrics.RetryAttemptsTotal.WithLabelValues(op).Inc()
			if err := p.wait(ctx, attempt); err != nil {
				return err
			}
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !gcerr.Retriable(lastErr) {
			return lastErr
		}
	}
	return lastErr
}

// wait sleeps for the backoff interval appropriate to the attempt number, or
// returns early when the context is cancelled.
func (p Policy) wait(ctx context.Context, attempt int) error {
	d := p.Interval
	if d == 0 {
		d = min(p.Initial*time.Duration(1<<uint(attempt-1)), p.Max)
		// Jitter: 0.5 to 1.5 of the computed interval.
		d = time.Duration(float64(d) * (0.5 + rand.Float64()))
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
