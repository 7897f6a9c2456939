package stkboot

import (
	"context"
	"time"
)

// RetryPolicy bounds a retry loop.
type RetryPolicy struct {
	MaxAttempts int           `yaml:"max_attempts"`
	Delay       time.Duration `yaml:"delay"`
}

// attempt is the outcome of one iteration of a retry loop.
type attempt int

const (
	attemptOK attempt = iota
	attemptTimedOut
	attemptNoSync
	attemptUnexpected
)

// err maps an unfinished outcome to the sentinel reported once retries run out.
func (a attempt) err() error {
	switch a {
	case attemptTimedOut:
		return ErrTimeout
	case attemptNoSync:
		return ErrSyncLost
	case attemptUnexpected:
		return ErrUnexpectedResponse
	default:
		return nil
	}
}

// run calls fn until it returns attemptOK, returns an error or the attempt
// budget is spent. The context is checked before every attempt and the delay
// is applied between attempts. It returns the number of attempts made and the
// outcome of the last one.
func (p RetryPolicy) run(ctx context.Context, fn func(n int) (attempt, error)) (int, attempt, error) {
	max := p.MaxAttempts
	if max < 1 {
		max = 1
	}
	last := attemptTimedOut
	for n := 0; n < max; n++ {
		if n > 0 {
			if err := sleep(ctx, p.Delay); err != nil {
				return n, last, err
			}
		}
		if err := ctx.Err(); err != nil {
			return n, last, err
		}
		res, err := fn(n)
		if err != nil {
			return n + 1, res, err
		}
		last = res
		if res == attemptOK {
			return n + 1, res, nil
		}
		if n+1 < max {
			pkgLog.Debugf("attempt %d/%d: %v, retrying", n+1, max, res.err())
		}
	}
	return max, last, nil
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
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
