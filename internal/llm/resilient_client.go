package llm

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/tmc/langchaingo/llms"

	"github.com/threadline/internal/retry"
)

// Completer produces a full completion for a prompt. aiconnectors.Connector
// satisfies it.
type Completer interface {
	Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error)
}

// ResilientClient wraps a Completer with retry, timeouts and JSON repair.
type ResilientClient struct {
	client      Completer
	retryConfig retry.Config
	timeout     time.Duration
	logger      zerolog.Logger
}

// NewResilientClient creates a new resilient client wrapper. A zero timeout
// leaves each attempt bounded only by ctx.
func NewResilientClient(client Completer, config retry.Config, timeout time.Duration) *ResilientClient {
	return &ResilientClient{
		client:      client,
		retryConfig: config,
		timeout:     timeout,
		logger:      log.With().Str("component", "llm").Logger(),
	}
}

// Response reports how a resilient call went.
type Response struct {
	Text          string
	Attempts      int
	TotalDuration time.Duration
	Repair        *RepairStats
}

// Complete returns the raw completion for prompt.
func (rc *ResilientClient) Complete(ctx context.Context, prompt string) (Response, error) {
	var resp Response
	result := retry.Do(ctx, rc.retryConfig, func(ctx context.Context) error {
		text, err := rc.attempt(ctx, prompt)
		if err != nil {
			return err
		}
		resp.Text = text
		return nil
	}, &rc.logger)

	resp.Attempts = result.Attempts
	resp.TotalDuration = result.TotalDuration
	return resp, result.Err()
}

// CompleteJSON asks for a JSON reply and decodes it into target, repairing
// malformed output. A reply that cannot be decoded counts as a failed attempt.
func (rc *ResilientClient) CompleteJSON(ctx context.Context, prompt string, target interface{}) (Response, error) {
	var resp Response
	config := rc.retryConfig
	config.Retryable = func(err error) bool {
		return retry.IsRetryableError(err) || isDecodeError(err)
	}

	result := retry.Do(ctx, config, func(ctx context.Context) error {
		text, err := rc.attempt(ctx, prompt)
		if err != nil {
			return err
		}
		resp.Text = text
		stats, err := DecodeReply(text, target)
		if err != nil {
			return decodeError{err}
		}
		if stats.WasRepaired {
			resp.Repair = &stats
			rc.logger.Debug().
				Strs("strategies", stats.Strategies).
				Int("original_bytes", stats.OriginalBytes).
				Msg("repaired model JSON")
		}
		return nil
	}, &rc.logger)

	resp.Attempts = result.Attempts
	resp.TotalDuration = result.TotalDuration
	return resp, result.Err()
}

func (rc *ResilientClient) attempt(ctx context.Context, prompt string) (string, error) {
	if rc.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, rc.timeout)
		defer cancel()
	}
	return rc.client.Call(ctx, prompt)
}

type decodeError struct{ err error }

func (e decodeError) Error() string { return e.err.Error() }
func (e decodeError) Unwrap() error { return e.err }

func isDecodeError(err error) bool {
	_, ok := err.(decodeError)
	return ok
}
