package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func fastConfig(maxRetries int) Config {
	return Config{
		MaxRetries: maxRetries,
		BaseDelay:  5 * time.Millisecond,
		MaxDelay:   20 * time.Millisecond,
		Multiplier: 2.0,
		Jitter:     false,
	}
}

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()

	if config.MaxRetries != 3 {
		t.Errorf("Expected MaxRetries=3, got %d", config.MaxRetries)
	}
	if config.BaseDelay != time.Second {
		t.Errorf("Expected BaseDelay=1s, got %v", config.BaseDelay)
	}
	if config.MaxDelay != 30*time.Second {
		t.Errorf("Expected MaxDelay=30s, got %v", config.MaxDelay)
	}
	if !config.Jitter {
		t.Error("Expected Jitter=true")
	}
}

func TestStreamStartConfigIsTight(t *testing.T) {
	config := StreamStartConfig()
	if config.MaxRetries > 2 {
		t.Errorf("Expected at most 2 retries while a user waits, got %d", config.MaxRetries)
	}
	if config.MaxDelay > 5*time.Second {
		t.Errorf("Expected MaxDelay<=5s, got %v", config.MaxDelay)
	}
}

func TestDo_SuccessFirstAttempt(t *testing.T) {
	result := Do(context.Background(), fastConfig(2), func(context.Context) error {
		return nil
	}, nil)

	if !result.Success {
		t.Error("Expected success=true")
	}
	if result.Attempts != 1 {
		t.Errorf("Expected 1 attempt, got %d", result.Attempts)
	}
	if result.Err() != nil {
		t.Errorf("Expected nil error, got %v", result.Err())
	}
}

func TestDo_SuccessAfterRetries(t *testing.T) {
	calls := 0
	result := Do(context.Background(), fastConfig(3), func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("503 service unavailable")
		}
		return nil
	}, nil)

	if !result.Success {
		t.Fatal("Expected success after retries")
	}
	if result.Attempts != 3 {
		t.Errorf("Expected 3 attempts, got %d", result.Attempts)
	}
	if len(result.RetryReasons) != 2 {
		t.Errorf("Expected 2 retry reasons, got %d", len(result.RetryReasons))
	}
}

func TestDo_StopsOnNonRetryable(t *testing.T) {
	calls := 0
	result := Do(context.Background(), fastConfig(5), func(context.Context) error {
		calls++
		return errors.New("invalid api key")
	}, nil)

	if result.Success {
		t.Fatal("Expected failure")
	}
	if calls != 1 {
		t.Errorf("Expected a single call for a non-retryable error, got %d", calls)
	}
}

func TestDo_ExhaustsRetries(t *testing.T) {
	config := fastConfig(2)
	config.Retryable = func(error) bool { return true }

	result := Do(context.Background(), config, func(context.Context) error {
		return fmt.Errorf("boom")
	}, nil)

	if result.Attempts != 3 {
		t.Errorf("Expected 3 attempts, got %d", result.Attempts)
	}
	if result.Err() == nil || result.Err().Error() != "boom" {
		t.Errorf("Expected last error boom, got %v", result.Err())
	}
}

func TestDo_ContextCancelledDuringBackoff(t *testing.T) {
	config := fastConfig(3)
	config.BaseDelay = time.Second
	config.MaxDelay = time.Second

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	result := Do(ctx, config, func(context.Context) error {
		return errors.New("timeout talking to model")
	}, nil)

	if !errors.Is(result.Err(), context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", result.Err())
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Errorf("Expected cancellation to interrupt the backoff, took %v", time.Since(start))
	}
}

func TestCalculateDelay(t *testing.T) {
	config := fastConfig(3)
	config.BaseDelay = 100 * time.Millisecond
	config.MaxDelay = 300 * time.Millisecond

	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 200 * time.Millisecond},
		{2, 300 * time.Millisecond},
		{5, 300 * time.Millisecond},
	}
	for _, tc := range cases {
		if got := calculateDelay(config, tc.attempt); got != tc.want {
			t.Errorf("attempt %d: expected %v, got %v", tc.attempt, tc.want, got)
		}
	}
}

func TestIsRetryableError(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("dial tcp: connection refused"), true},
		{errors.New("API returned 429 Too Many Requests"), true},
		{errors.New("model is overloaded"), true},
		{errors.New("invalid request: missing field"), false},
		{context.Canceled, false},
		{fmt.Errorf("wrapped: %w", context.DeadlineExceeded), false},
	}
	for _, tc := range cases {
		if got := IsRetryableError(tc.err); got != tc.want {
			t.Errorf("IsRetryableError(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}
