package extraction

import (
	"context"
	"time"
)

// RetryPolicy bounds how often and how quickly a stage is retried
type RetryPolicy struct {
	Attempts int
	Initial  time.Duration
	Max      time.Duration
	// Retryable decides whether an error deserves another attempt; nil means IsRetryable
	Retryable func(error) bool
}

// Sleeper waits for d or until ctx is done
type Sleeper func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// DefaultPolicies returns the per-stage retry policies
func DefaultPolicies() map[Stage]RetryPolicy {
	network := RetryPolicy{Attempts: 4, Initial: time.Second, Max: 30 * time.Second}
	return map[Stage]RetryPolicy{
		StageFetch:   network,
		StageUpload:  network,
		StageInfer:   network,
		StagePersist: {Attempts: 3, Initial: 500 * time.Millisecond, Max: 5 * time.Second},
		StageMeter: {
			Attempts:  3,
			Initial:   500 * time.Millisecond,
			Max:       5 * time.Second,
			Retryable: func(err error) bool { return err != nil },
		},
	}
}

// backoff returns the delay before attempt n+1, doubling from Initial up to Max
func (p RetryPolicy) backoff(n int) time.Duration {
	d := p.Initial
	for i := 1; i < n; i++ {
		d *= 2
		if p.Max > 0 && d >= p.Max {
			return p.Max
		}
	}
	if p.Max > 0 && d > p.Max {
		return p.Max
	}
	return d
}

// do runs fn until it succeeds, returns a non-retryable error or the attempts run out
func (p RetryPolicy) do(ctx context.Context, sleep Sleeper, onRetry func(attempt int, err error), fn func(context.Context) error) error {
	attempts := max(p.Attempts, 1)
	retryable := p.Retryable
	if retryable == nil {
		retryable = IsRetryable
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if attempt == attempts || !retryable(err) || ctx.Err() != nil {
			return err
		}
		if onRetry != nil {
			onRetry(attempt, err)
		}
		if sleepErr := sleep(ctx, p.backoff(attempt)); sleepErr != nil {
			return err
		}
	}
	return err
}
