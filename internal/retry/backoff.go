package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Config configures retry behavior with exponential backoff
type Config struct {
	MaxRetries int           `json:"max_retries"` // Maximum number of retry attempts
	BaseDelay  time.Duration `json:"base_delay"`  // Delay before the first retry
	MaxDelay   time.Duration `json:"max_delay"`   // Upper bound for any single delay
	Multiplier float64       `json:"multiplier"`  // Exponential backoff multiplier
	Jitter     bool          `json:"jitter"`      // Add up to 10% random jitter

	// Retryable decides whether a failure is worth another attempt.
	// Nil means IsRetryableError.
	Retryable func(error) bool `json:"-"`
}

// Result contains information about the retry operation
type Result struct {
	Attempts      int           `json:"attempts"`
	TotalDuration time.Duration `json:"total_duration"`
	LastError     error         `json:"-"`
	Success       bool          `json:"success"`
	RetryReasons  []string      `json:"retry_reasons"`
}

// Err returns nil on success and the last error otherwise.
func (r Result) Err() error {
	if r.Success {
		return nil
	}
	return r.LastError
}

// DefaultConfig returns a retry configuration with sensible defaults
func DefaultConfig() Config {
	return Config{
		MaxRetries: 3,
		BaseDelay:  1 * time.Second,
		MaxDelay:   30 * time.Second,
		Multiplier: 2.0,
		Jitter:     true,
	}
}

// LLMConfig returns a retry configuration for background model calls such as
// title generation, where latency matters less than eventually succeeding.
func LLMConfig() Config {
	return Config{
		MaxRetries: 3,
		BaseDelay:  2 * time.Second,
		MaxDelay:   60 * time.Second,
		Multiplier: 2.5,
		Jitter:     true,
	}
}

// StreamStartConfig is used while opening a token stream. A user is waiting,
// so the budget is small.
func StreamStartConfig() Config {
	return Config{
		MaxRetries: 2,
		BaseDelay:  500 * time.Millisecond,
		MaxDelay:   4 * time.Second,
		Multiplier: 2.0,
		Jitter:     true,
	}
}

// Do executes operation with exponential backoff. logger may be nil.
func Do(ctx context.Context, config Config, operation func(ctx context.Context) error, logger *zerolog.Logger) Result {
	startTime := time.Now()
	retryable := config.Retryable
	if retryable == nil {
		retryable = IsRetryableError
	}

	result := Result{RetryReasons: make([]string, 0)}

	for attempt := 0; attempt <= config.MaxRetries; attempt++ {
		result.Attempts = attempt + 1

		err := operation(ctx)
		if err == nil {
			result.Success = true
			result.TotalDuration = time.Since(startTime)
			if logger != nil && attempt > 0 {
				logger.Debug().
					Int("retries", attempt).
					Dur("duration", result.TotalDuration).
					Msg("operation succeeded after retry")
			}
			return result
		}

		result.LastError = err
		result.RetryReasons = append(result.RetryReasons, err.Error())

		if attempt >= config.MaxRetries || !retryable(err) {
			result.TotalDuration = time.Since(startTime)
			if logger != nil {
				logger.Warn().Err(err).
					Int("attempts", result.Attempts).
					Dur("duration", result.TotalDuration).
					Msg("operation failed")
			}
			return result
		}

		if ctx.Err() != nil {
			result.LastError = ctx.Err()
			result.TotalDuration = time.Since(startTime)
			return result
		}

		delay := calculateDelay(config, attempt)
		if logger != nil {
			logger.Debug().Err(err).
				Int("attempt", attempt+1).
				Int("max_attempts", config.MaxRetries+1).
				Dur("delay", delay).
				Msg("operation failed, retrying")
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			result.LastError = ctx.Err()
			result.TotalDuration = time.Since(startTime)
			return result
		case <-timer.C:
		}
	}

	result.TotalDuration = time.Since(startTime)
	return result
}

// calculateDelay calculates the delay for the next retry attempt using exponential backoff
func calculateDelay(config Config, attempt int) time.Duration {
	delay := float64(config.BaseDelay) * math.Pow(config.Multiplier, float64(attempt))

	if delay > float64(config.MaxDelay) {
		delay = float64(config.MaxDelay)
	}

	if config.Jitter {
		jitterRange := delay * 0.1
		delay += (rand.Float64() - 0.5) * 2 * jitterRange
		if delay < 0 {
			delay = float64(config.BaseDelay)
		}
	}

	return time.Duration(delay)
}

var retryableErrors = []string{
	"connection refused",
	"connection reset",
	"connection timeout",
	"timeout",
	"temporary failure",
	"service unavailable",
	"overloaded",
	"too many requests",
	"rate limit",
	"429",
	"502",
	"503",
	"504",
	"no such host",
	"network unreachable",
	"broken pipe",
	"unexpected eof",
}

// IsRetryableError determines if an error is retryable. Cancellation never is.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	errStr := strings.ToLower(err.Error())
	for _, retryable := range retryableErrors {
		if strings.Contains(errStr, retryable) {
			return true
		}
	}
	return false
}
