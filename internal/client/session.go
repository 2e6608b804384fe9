package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/threadline/pkg/models"
)

// StreamRequest is one message to send.
type StreamRequest struct {
	Message  string
	ThreadID string
	// UpdatedAt is the client's view of the thread, when it has one.
	UpdatedAt *time.Time
}

// HeaderThreadID carries the gateway's id for the thread a reply belongs to.
const HeaderThreadID = "X-Thread-Id"

// Callbacks receive stream progress. All are optional and run on the
// goroutine that called StreamMessage.
type Callbacks struct {
	OnHeaders  func(http.Header)
	OnChunk    func(chunk string)
	OnComplete func()
	OnError    func(err error)
}

// Session streams replies from the gateway. It runs at most one stream at a
// time; starting another cancels the first.
type Session struct {
	auth    authenticator
	timeout time.Duration

	mu     sync.Mutex
	seq    uint64
	cancel context.CancelCauseFunc
}

func NewSession(opts Options) *Session {
	return &Session{
		auth:    newAuthenticator(opts),
		timeout: opts.RequestTimeout,
	}
}

// StreamMessage sends req and relays the reply through cb until it completes,
// fails or is stopped. Every failure is passed to OnError and also returned.
func (s *Session) StreamMessage(ctx context.Context, req StreamRequest, cb Callbacks) error {
	err := s.stream(ctx, req, cb)
	if err != nil && cb.OnError != nil {
		cb.OnError(err)
	}
	return err
}

// Stop aborts the active stream, if any.
func (s *Session) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel(errStopped)
	}
}

// Active reports whether a stream is in flight.
func (s *Session) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel != nil
}

func (s *Session) begin(ctx context.Context) (context.Context, func()) {
	ctx, cancel := context.WithCancelCause(ctx)

	s.mu.Lock()
	if s.cancel != nil {
		s.cancel(errSuperseded)
	}
	s.seq++
	id := s.seq
	s.cancel = cancel
	s.mu.Unlock()

	return ctx, func() {
		cancel(nil)
		s.mu.Lock()
		if s.seq == id {
			s.cancel = nil
		}
		s.mu.Unlock()
	}
}

func (s *Session) stream(parent context.Context, req StreamRequest, cb Callbacks) error {
	message := strings.TrimSpace(req.Message)
	if message == "" {
		return errors.New("message is required")
	}

	ctx, end := s.begin(parent)
	defer end()
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeoutCause(ctx, s.timeout, errTimedOut)
		defer cancel()
	}

	payload := models.StreamRequest{ThreadID: req.ThreadID, Message: message}
	if req.UpdatedAt != nil {
		payload.UpdatedAt = req.UpdatedAt.UTC().Format(time.RFC3339)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	resp, err := s.auth.sendWithRefresh(ctx, func(token string) (*http.Request, error) {
		r, err := http.NewRequest(http.MethodPost, s.auth.baseURL+"/ai/stream", bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		r.Header.Set("Content-Type", "application/json")
		r.Header.Set("Accept", "text/event-stream")
		r.Header.Set("Authorization", "Bearer "+token)
		return r, nil
	})
	if err != nil {
		return classify(ctx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// A gateway that saved the thread before failing still names it.
		if cb.OnHeaders != nil && resp.Header.Get(HeaderThreadID) != "" {
			cb.OnHeaders(resp.Header)
		}
		return responseError(resp)
	}

	if cb.OnHeaders != nil {
		cb.OnHeaders(resp.Header)
	}

	framing := FramingFor(resp.Header.Get("Content-Type"))
	err = ReadStream(ctx, resp.Body, framing, func(chunk string) error {
		if cb.OnChunk != nil {
			cb.OnChunk(chunk)
		}
		return nil
	})
	if err != nil {
		return classify(ctx, err)
	}

	if cb.OnComplete != nil {
		cb.OnComplete()
	}
	return nil
}

// classify turns a failure into the client error taxonomy. Cancellation wins
// over whatever error the cut connection produced.
func classify(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		cause := context.Cause(ctx)
		if errors.Is(cause, errTimedOut) {
			return &AbortError{Reason: AbortTimeout, Err: cause}
		}
		return &AbortError{Reason: AbortUser, Err: cause}
	}

	var (
		authErr  *AuthError
		httpErr  *HTTPError
		agentErr *AgentError
		transErr *TransportError
	)
	switch {
	case errors.As(err, &authErr), errors.As(err, &httpErr), errors.As(err, &agentErr), errors.As(err, &transErr):
		return err
	}
	return &TransportError{Err: err}
}
