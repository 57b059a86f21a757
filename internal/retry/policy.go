// Package retry runs an operation under a bounded exponential backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jpillora/backoff"

	"fundflow/config"
)

// Policy bounds how often and how patiently a failed fetch is retried.
type Policy struct {
	// MaxAttempts counts the first try; 1 disables retries.
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
	Jitter      bool
}

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    5 * time.Second,
		Multiplier:  2,
		Jitter:      true,
	}
}

// FromConfig converts the poller.retry section.
func FromConfig(cfg config.RetryConfig) Policy {
	return Policy{
		MaxAttempts: cfg.MaxAttempts,
		BaseDelay:   cfg.BaseDelay,
		MaxDelay:    cfg.MaxDelay,
		Multiplier:  cfg.BackoffMultiplier,
		Jitter:      cfg.Jitter,
	}
}

func (p Policy) Validate() error {
	switch {
	case p.MaxAttempts < 1:
		return fmt.Errorf("max attempts must be at least 1, got %d", p.MaxAttempts)
	case p.BaseDelay < 0:
		return fmt.Errorf("base delay must not be negative, got %s", p.BaseDelay)
	case p.MaxDelay < 0:
		return fmt.Errorf("max delay must not be negative, got %s", p.MaxDelay)
	case p.MaxDelay > 0 && p.MaxDelay < p.BaseDelay:
		return fmt.Errorf("max delay %s is below base delay %s", p.MaxDelay, p.BaseDelay)
	case p.Multiplier < 1:
		return fmt.Errorf("multiplier must be at least 1, got %g", p.Multiplier)
	}
	return nil
}

// ceiling is the largest delay the policy will wait.
func (p Policy) ceiling() time.Duration {
	if p.MaxDelay > 0 {
		return p.MaxDelay
	}
	return p.BaseDelay
}

func (p Policy) backoff() *backoff.Backoff {
	return &backoff.Backoff{
		Min:    p.BaseDelay,
		Max:    p.ceiling(),
		Factor: p.Multiplier,
		Jitter: p.Jitter,
	}
}

// Delay is the wait after the given failed attempt (1-based).
func (p Policy) Delay(attempt int) time.Duration {
	if p.BaseDelay <= 0 || attempt < 1 {
		return 0
	}
	return p.backoff().ForAttempt(float64(attempt - 1))
}

// RetryAfter is implemented by errors carrying a server back-off hint.
type RetryAfter interface {
	RetryAfterHint() time.Duration
}

// ErrHintTooLong is wrapped around the last error when the server asked to
// wait longer than the policy allows.
var ErrHintTooLong = errors.New("retry-after exceeds max delay")

// Do calls op until it succeeds, returns a non-retryable error or the policy
// runs out of attempts. It reports how many attempts were made. A RetryAfter
// hint raises the next delay to at least the hint; a hint beyond the policy's
// max delay ends the loop at once.
func Do(ctx context.Context, p Policy, retryable func(error) bool, op func(attempt int) error) (int, error) {
	if err := p.Validate(); err != nil {
		return 0, fmt.Errorf("invalid retry policy: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return attempt - 1, fmt.Errorf("%w (last error: %v)", err, lastErr)
			}
			return attempt - 1, err
		}

		err := op(attempt)
		if err == nil {
			return attempt, nil
		}
		lastErr = err

		if retryable != nil && !retryable(err) {
			return attempt, err
		}
		if attempt == p.MaxAttempts {
			break
		}

		wait := p.Delay(attempt)
		var hinted RetryAfter
		if errors.As(err, &hinted) {
			if hint := hinted.RetryAfterHint(); hint > 0 {
				if hint > p.ceiling() {
					return attempt, fmt.Errorf("%w (%s): %w", ErrHintTooLong, hint, err)
				}
				if hint > wait {
					wait = hint
				}
			}
		}

		if wait <= 0 {
			continue
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return attempt, fmt.Errorf("%w (last error: %v)", ctx.Err(), lastErr)
		case <-timer.C:
		}
	}

	return p.MaxAttempts, lastErr
}
