package pipeline

import (
	"context"
	"time"
)

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// RetryPolicy re-runs failed attempts with exponential backoff.
type RetryPolicy struct {
	MaxRetries  int
	BackoffBase time.Duration
	// BackoffMax caps a single wait. Zero means DefaultBackoffMax.
	BackoffMax time.Duration
	Sleep      SleepFunc
}

// Backoff returns the wait before retry number retry+1: base * 2^retry, capped.
func (p RetryPolicy) Backoff(retry int) time.Duration {
	limit := p.BackoffMax
	if limit <= 0 {
		limit = DefaultBackoffMax
	}
	if p.BackoffBase <= 0 {
		return 0
	}
	d := p.BackoffBase
	for i := 0; i < retry; i++ {
		if d >= limit/2 {
			return limit
		}
		d *= 2
	}
	if d > limit {
		return limit
	}
	return d
}

// Run calls attempt until it succeeds, fails with a non-retryable kind, or the
// retry budget is spent. The last failing result is returned with
// RetriesExhausted set when the budget ran out.
func (p RetryPolicy) Run(ctx context.Context, attempt func(ctx context.Context, retry int) StageResult) StageResult {
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepContext
	}
	var res StageResult
	for retry := 0; ; retry++ {
		res = attempt(ctx, retry)
		res.Attempts = retry + 1
		if res.Success {
			return res
		}
		if res.Err == nil || !res.Err.Kind.Retryable() {
			return res
		}
		if retry >= p.MaxRetries {
			res.RetriesExhausted = true
			return res
		}
		if err := sleep(ctx, p.Backoff(retry)); err != nil {
			res.Err = newStageError(res.Err.Stage, KindCancelled, err)
			return res
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
