package services

import (
	"context"
	stderrors "errors"
	"math"
	"time"

	"github.com/adverant/nexus/handprint-worker/internal/errors"
	"github.com/adverant/nexus/handprint-worker/internal/logging"
)

// RetryConfig holds retry configuration
type RetryConfig struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultRetryConfig returns the default retry configuration
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:     3,
		InitialBackoff: 1 * time.Second,
		MaxBackoff:     30 * time.Second,
	}
}

// calculateBackoff calculates exponential backoff duration
func calculateBackoff(attempt int, config RetryConfig) time.Duration {
	backoff := float64(config.InitialBackoff) * math.Pow(2, float64(attempt))
	if backoff > float64(config.MaxBackoff) {
		backoff = float64(config.MaxBackoff)
	}
	return time.Duration(backoff)
}

// withRetry runs fn until it succeeds, fails with a non-retryable error, or
// runs out of attempts. A rate-limit Retry-After longer than the computed
// backoff is honored up to MaxBackoff.
func withRetry(ctx context.Context, config RetryConfig, logger *logging.Logger, service string, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt <= config.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}

		var se *errors.ServiceError
		if !stderrors.As(lastErr, &se) || !se.IsRetryable() || attempt == config.MaxRetries {
			return lastErr
		}

		backoff := calculateBackoff(attempt, config)
		if se.RetryAfter > backoff {
			backoff = se.RetryAfter
			if backoff > config.MaxBackoff {
				backoff = config.MaxBackoff
			}
		}
		logger.Warn("Request failed, retrying",
			"service", service,
			"attempt", attempt+1,
			"maxRetries", config.MaxRetries,
			"backoff", backoff,
			"error", lastErr)

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return lastErr
}
