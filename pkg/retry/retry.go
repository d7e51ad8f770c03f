package retry

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// Policy describes a bounded retry behavior applied uniformly by callers.
type Policy struct {
	// MaxAttempts counts the first attempt; 2 means one retry.
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	JitterFactor   float64
	// Retryable decides whether an error is worth another attempt. Nil retries every error.
	Retryable func(error) bool
}

// Attempt is the number of the attempt currently running, starting at 1.
type Attempt int

func (p Policy) withDefaults() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.InitialBackoff < 0 {
		p.InitialBackoff = 0
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = 10 * time.Second
	}
	if p.JitterFactor < 0 {
		p.JitterFactor = 0
	}
	return p
}

// Do executes fn and retries with exponential backoff while the error is retryable,
// attempts remain and ctx is live. It returns the number of attempts made and the
// last error. If ctx is already done, fn is never called and attempts is 0.
func (p Policy) Do(ctx context.Context, fn func(Attempt) error) (int, error) {
	p = p.withDefaults()

	backoff := p.InitialBackoff
	var err error
	attempts := 0
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			if err == nil {
				return attempts, ctxErr
			}
			return attempts, errors.Join(err, ctxErr)
		}

		attempts++
		if err = fn(Attempt(attempt)); err == nil {
			return attempts, nil
		}

		if attempt == p.MaxAttempts {
			break
		}
		if p.Retryable != nil && !p.Retryable(err) {
			break
		}

		sleep := applyJitter(backoff, p.JitterFactor)
		if sleep > p.MaxBackoff {
			sleep = p.MaxBackoff
		}
		if sleep > 0 {
			timer := time.NewTimer(sleep)
			select {
			case <-ctx.Done():
				timer.Stop()
				return attempts, errors.Join(err, ctx.Err())
			case <-timer.C:
			}
		}

		if backoff < p.MaxBackoff {
			backoff *= 2
			if backoff > p.MaxBackoff {
				backoff = p.MaxBackoff
			}
		}
	}
	return attempts, err
}

// Do runs fn under cfg with every error treated as retryable.
func Do(ctx context.Context, cfg Policy, fn func() error) error {
	cfg.Retryable = nil
	_, err := cfg.Do(ctx, func(Attempt) error { return fn() })
	return err
}

func applyJitter(duration time.Duration, factor float64) time.Duration {
	if factor <= 0 || duration <= 0 {
		return duration
	}
	delta := int64(float64(duration) * factor)
	if delta <= 0 {
		return duration
	}
	return duration + time.Duration(rand.Int63n(2*delta)-delta)
}
