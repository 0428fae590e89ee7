package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/Marketen/participation-indexer/internal/application/domain"
	"github.com/Marketen/participation-indexer/internal/logger"
)

type Config struct {
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	// Jitter spreads each delay by up to ±15%.
	Jitter bool
	// Retryable decides whether an error is worth another attempt. Nil retries everything.
	Retryable func(error) bool
}

// DefaultConfig is used for beacon node and Postgres start-up probes.
func DefaultConfig() Config {
	return Config{
		MaxRetries:   10,
		InitialDelay: 2 * time.Second,
		MaxDelay:     time.Minute,
		Multiplier:   2,
		Jitter:       true,
	}
}

// Transient reports errors that can go away on their own: an unreachable beacon node
// or a failing store. Format and consistency errors never do.
func Transient(err error) bool {
	return errors.Is(err, domain.ErrNetwork) || errors.Is(err, domain.ErrStore)
}

// WithBackoff calls fn until it succeeds, returns a non-retryable error, runs out of
// attempts or ctx ends.
func WithBackoff(ctx context.Context, cfg Config, operation string, fn func() error) error {
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%s cancelled: %w", operation, err)
		}

		err := fn()
		if err == nil {
			if attempt > 1 {
				logger.Info("%s succeeded after %d attempts", operation, attempt)
			}
			return nil
		}
		if cfg.Retryable != nil && !cfg.Retryable(err) {
			return fmt.Errorf("%s: %w", operation, err)
		}
		if attempt >= cfg.MaxRetries {
			return fmt.Errorf("%s failed after %d attempts: %w", operation, attempt, err)
		}

		delay := backoff(cfg, attempt)
		logger.Warn("%s failed (attempt %d/%d), retrying in %s: %v",
			operation, attempt, cfg.MaxRetries, delay.Round(time.Millisecond), err)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%s cancelled: %w", operation, ctx.Err())
		case <-timer.C:
		}
	}
}

// backoff is the delay after the given failed attempt, counting from 1.
func backoff(cfg Config, attempt int) time.Duration {
	delay := math.Min(
		float64(cfg.InitialDelay)*math.Pow(cfg.Multiplier, float64(attempt-1)),
		float64(cfg.MaxDelay),
	)
	if cfg.Jitter {
		delay *= 0.85 + 0.3*rand.Float64()
	}
	return time.Duration(delay)
}
