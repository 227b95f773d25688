// Package retry centralizes the retry/backoff policy applied to every
// adapter call. There is one policy shape (max attempts, exponential
// backoff, jitter) parameterized per step rather than ad-hoc loops spread
// across adapters.
package retry

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"go.uber.org/zap"
)

// Policy configures retry behavior for adapter calls.
type Policy struct {
	// MaxAttempts is the total number of attempts, including the first.
	// Default: 5
	MaxAttempts int

	// BaseDelay is the delay before the first retry.
	// Default: 1 second
	BaseDelay time.Duration

	// MaxDelay caps the backoff.
	// Default: 30 seconds
	MaxDelay time.Duration

	// Multiplier is the exponential backoff factor.
	// Default: 2
	Multiplier float64

	// Jitter is the fraction of the delay randomized in both directions
	// (0.2 means +-20%). Default: 0.2
	Jitter float64
}

// DefaultPolicy returns the standard policy applied to adapter calls.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 5,
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
		Multiplier:  2.0,
		Jitter:      0.2,
	}
}

// ApplyDefaults sets default values for unset fields.
func (p *Policy) ApplyDefaults() {
	defaults := DefaultPolicy()

	if p.MaxAttempts == 0 {
		p.MaxAttempts = defaults.MaxAttempts
	}
	if p.BaseDelay == 0 {
		p.BaseDelay = defaults.BaseDelay
	}
	if p.MaxDelay == 0 {
		p.MaxDelay = defaults.MaxDelay
	}
	if p.Multiplier == 0 {
		p.Multiplier = defaults.Multiplier
	}
	if p.Jitter == 0 {
		p.Jitter = defaults.Jitter
	}
}

// Delay returns the backoff before retry number attempt (1-based: Delay(1)
// is the wait after the first failed attempt), jittered and capped at
// MaxDelay.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.BaseDelay)
	for i := 1; i < attempt; i++ {
		d *= p.Multiplier
		if d >= float64(p.MaxDelay) {
			d = float64(p.MaxDelay)
			break
		}
	}
	if p.Jitter > 0 {
		d *= 1 + p.Jitter*(2*rand.Float64()-1)
	}
	if d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

// Do runs op until it succeeds, exhausts the attempt budget, hits a
// non-retryable error, or the context is canceled. retryable decides
// whether a given error is worth another attempt.
//
// Returns the number of attempts made alongside the final error. The
// attempt count is meaningful on both success and failure; it is recorded
// on the remediation record.
func (p Policy) Do(ctx context.Context, logger *zap.Logger, retryable func(error) bool, op func(ctx context.Context) error) (int, error) {
	p.ApplyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}

	var lastErr error
	start := time.Now()

	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		err := op(ctx)
		if err == nil {
			if attempt > 1 {
				logger.Info("operation recovered after retries",
					zap.Int("attempts", attempt),
					zap.Duration("total_time", time.Since(start)),
				)
			}
			return attempt, nil
		}
		lastErr = err

		if !retryable(err) {
			logger.Debug("error is not retryable",
				zap.Error(err),
				zap.Int("attempt", attempt),
			)
			return attempt, err
		}

		if attempt == p.MaxAttempts {
			break
		}

		backoff := p.Delay(attempt)
		logger.Info("retrying after transient error",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", p.MaxAttempts),
			zap.Error(err),
			zap.Duration("backoff", backoff),
		)

		select {
		case <-ctx.Done():
			return attempt, fmt.Errorf("operation canceled: %w", ctx.Err())
		case <-time.After(backoff):
		}
	}

	logger.Warn("operation failed after all retries exhausted",
		zap.Int("total_attempts", p.MaxAttempts),
		zap.Duration("total_time", time.Since(start)),
		zap.Error(lastErr),
	)

	return p.MaxAttempts, fmt.Errorf("operation failed after %d attempts: %w", p.MaxAttempts, lastErr)
}
