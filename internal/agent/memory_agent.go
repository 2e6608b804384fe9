package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/tmc/langchaingo/llms"

	"github.com/threadline/internal/retry"
	"github.com/threadline/internal/threads"
	"github.com/threadline/pkg/models"
)

// Streamer is the model surface the agent needs. aiconnectors.Connector
// satisfies it.
type Streamer interface {
	Stream(ctx context.Context, messages []llms.MessageContent, onChunk func(ctx context.Context, chunk []byte) error) (*llms.ContentResponse, error)
}

// Options tune a MemoryAgent.
type Options struct {
	Instructions   string
	HistoryLimit   int
	MaxOutputChars int
	StartRetry     retry.Config
	Titles         TitleRequester
	// Redactor, if set, masks user input before it is stored or prompted.
	Redactor Redactor
}

// Redactor masks sensitive values in text and names the rules that matched.
type Redactor interface {
	Redact(text string) (string, []string)
}

// MemoryAgent answers with a model while keeping each thread's history in a
// threads.Store. The last HistoryLimit messages are replayed as context.
type MemoryAgent struct {
	model   Streamer
	store   threads.Store
	opts    Options
	now     func() time.Time
	persist time.Duration
}

var _ Runtime = (*MemoryAgent)(nil)

func NewMemoryAgent(model Streamer, store threads.Store, opts Options) *MemoryAgent {
	if opts.HistoryLimit < 0 {
		opts.HistoryLimit = 0
	}
	return &MemoryAgent{
		model:   model,
		store:   store,
		opts:    opts,
		now:     func() time.Time { return time.Now().UTC() },
		persist: 10 * time.Second,
	}
}

// errOutputLimit stops generation once MaxOutputChars is reached.
var errOutputLimit = errors.New("output limit reached")

func (a *MemoryAgent) Invoke(ctx context.Context, req Request) (TokenStream, error) {
	req.Message = strings.TrimSpace(req.Message)
	if req.Message == "" {
		return nil, ErrEmptyMessage
	}
	if req.ThreadID == "" {
		return nil, ErrMissingThread
	}

	logger := log.With().
		Str("thread_id", req.ThreadID).
		Str("resource_id", req.ResourceID).
		Logger()

	if a.opts.Redactor != nil {
		var rules []string
		req.Message, rules = a.opts.Redactor.Redact(req.Message)
		if len(rules) > 0 {
			logger.Warn().Strs("rules", rules).Msg("redacted secrets from message")
		}
	}

	now := a.now()
	thread, created, err := threads.EnsureThread(ctx, a.store, req.ThreadID, req.ResourceID, now)
	if err != nil {
		return nil, err
	}
	if req.UpdatedAt != nil && !created && req.UpdatedAt.Before(thread.UpdatedAt) {
		logger.Debug().
			Time("client_updated_at", *req.UpdatedAt).
			Time("server_updated_at", thread.UpdatedAt).
			Msg("client thread view is behind")
	}

	history, err := a.store.RecentMessages(ctx, req.ThreadID, a.opts.HistoryLimit)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}

	userMsg := &models.Message{
		ThreadID:   req.ThreadID,
		ResourceID: req.ResourceID,
		Role:       models.RoleUser,
		Content:    req.Message,
		CreatedAt:  now,
	}
	if err := a.store.AppendMessage(ctx, userMsg); err != nil {
		return nil, fmt.Errorf("save user message: %w", err)
	}
	if err := a.store.TouchThread(ctx, req.ThreadID, now); err != nil {
		return nil, fmt.Errorf("touch thread: %w", err)
	}

	genCtx, cancel := context.WithCancel(ctx)
	s := &stream{
		chunks: make(chan string),
		done:   make(chan struct{}),
		cancel: cancel,
	}

	go a.generate(genCtx, s, thread, req, a.buildPrompt(history, req.Message), logger)
	return s, nil
}

func (a *MemoryAgent) buildPrompt(history []models.Message, message string) []llms.MessageContent {
	prompt := make([]llms.MessageContent, 0, len(history)+2)
	if a.opts.Instructions != "" {
		prompt = append(prompt, llms.TextParts(llms.ChatMessageTypeSystem, a.opts.Instructions))
	}
	for _, m := range history {
		var role llms.ChatMessageType
		switch m.Role {
		case models.RoleUser:
			role = llms.ChatMessageTypeHuman
		case models.RoleAssistant:
			role = llms.ChatMessageTypeAI
		case models.RoleSystem:
			role = llms.ChatMessageTypeSystem
		default:
			// Tool traffic is not replayed into plain chat memory.
			continue
		}
		if m.Content == "" {
			continue
		}
		prompt = append(prompt, llms.TextParts(role, m.Content))
	}
	return append(prompt, llms.TextParts(llms.ChatMessageTypeHuman, message))
}

func (a *MemoryAgent) generate(ctx context.Context, s *stream, thread *models.Thread, req Request, prompt []llms.MessageContent, logger zerolog.Logger) {
	defer close(s.done)

	var (
		reply   strings.Builder
		emitted int
	)

	onChunk := func(ctx context.Context, chunk []byte) error {
		text := string(chunk)
		if text == "" {
			return nil
		}
		limitHit := false
		if limit := a.opts.MaxOutputChars; limit > 0 {
			remaining := limit - utf8.RuneCountInString(reply.String())
			if remaining <= 0 {
				return errOutputLimit
			}
			if utf8.RuneCountInString(text) > remaining {
				text = string([]rune(text)[:remaining])
				limitHit = true
			}
		}

		select {
		case s.chunks <- text:
		case <-ctx.Done():
			return ctx.Err()
		}
		emitted++
		reply.WriteString(text)
		if limitHit {
			return errOutputLimit
		}
		return nil
	}

	startRetry := a.opts.StartRetry
	startRetry.Retryable = func(err error) bool {
		// Once text reached the caller a retry would duplicate it.
		return emitted == 0 && retry.IsRetryableError(err)
	}

	result := retry.Do(ctx, startRetry, func(ctx context.Context) error {
		_, err := a.model.Stream(ctx, prompt, onChunk)
		if errors.Is(err, errOutputLimit) {
			return nil
		}
		return err
	}, &logger)

	if err := result.Err(); err != nil {
		if ctx.Err() != nil {
			s.err = ctx.Err()
		} else {
			s.err = &Error{Err: err}
		}
		logger.Warn().Err(err).Int("fragments", emitted).Msg("generation failed")
		return
	}

	// The caller may already be gone; the reply is still worth keeping.
	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.persist)
	defer cancel()

	content := reply.String()
	if content != "" {
		assistant := &models.Message{
			ThreadID:   req.ThreadID,
			ResourceID: req.ResourceID,
			Role:       models.RoleAssistant,
			Content:    content,
			CreatedAt:  a.now(),
		}
		if err := a.store.AppendMessage(persistCtx, assistant); err != nil {
			s.err = fmt.Errorf("save assistant message: %w", err)
			return
		}
	}
	if err := a.store.TouchThread(persistCtx, req.ThreadID, a.now()); err != nil {
		logger.Warn().Err(err).Msg("touch thread after reply")
	}

	if thread.Title == "" && a.opts.Titles != nil {
		err := a.opts.Titles.RequestTitle(persistCtx, TitleRequest{
			ThreadID:    req.ThreadID,
			UserMessage: req.Message,
			Reply:       content,
		})
		if err != nil {
			logger.Warn().Err(err).Msg("request title")
		}
	}
}

type stream struct {
	chunks chan string
	done   chan struct{}
	err    error

	cancel    context.CancelFunc
	closeOnce sync.Once
}

func (s *stream) Next(ctx context.Context) (string, error) {
	select {
	case chunk := <-s.chunks:
		return chunk, nil
	case <-s.done:
		if s.err != nil {
			return "", s.err
		}
		return "", io.EOF
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (s *stream) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		<-s.done
	})
	return nil
}
