package agent

import (
	"context"
	"errors"
	"time"
)

// Request is one user turn handed to the runtime.
type Request struct {
	Message    string
	ThreadID   string
	ResourceID string
	// UpdatedAt is the caller's last known thread update time, if any.
	UpdatedAt *time.Time
}

// TokenStream yields generated fragments in order. Next returns io.EOF once the
// reply is complete. Close releases the generation and is safe to call twice.
type TokenStream interface {
	Next(ctx context.Context) (string, error)
	Close() error
}

// Runtime turns a user message into a token stream.
type Runtime interface {
	Invoke(ctx context.Context, req Request) (TokenStream, error)
}

// TitleRequest carries the exchange a title is derived from.
type TitleRequest struct {
	ThreadID    string `json:"thread_id"`
	UserMessage string `json:"user_message"`
	Reply       string `json:"reply"`
}

// TitleRequester schedules title generation for an untitled thread.
type TitleRequester interface {
	RequestTitle(ctx context.Context, req TitleRequest) error
}

var (
	// ErrEmptyMessage is returned for blank user input.
	ErrEmptyMessage = errors.New("message is required")
	// ErrMissingThread is returned when no thread id was resolved.
	ErrMissingThread = errors.New("thread id is required")
)

// Error wraps failures raised by the model while generating.
type Error struct {
	Err error
}

func (e *Error) Error() string { return "agent: " + e.Err.Error() }
func (e *Error) Unwrap() error { return e.Err }
