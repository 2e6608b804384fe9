package aiconnectors

import (
	"context"
	"strings"
	"sync"

	"github.com/tmc/langchaingo/llms"
)

// ProviderEcho answers every prompt by echoing the last human message word by
// word. It needs no credentials and is meant for local runs.
const ProviderEcho Provider = "echo"

// ScriptedModel is an llms.Model whose replies are decided by a function. Each
// reply is delivered through the streaming callback in the chunks Reply returns.
type ScriptedModel struct {
	// Reply returns the chunks to stream for a conversation, or an error.
	Reply func(messages []llms.MessageContent) ([]string, error)

	mu    sync.Mutex
	calls [][]llms.MessageContent
}

var _ llms.Model = (*ScriptedModel)(nil)

// NewEchoModel returns a ScriptedModel that repeats the user's last message.
func NewEchoModel() *ScriptedModel {
	return &ScriptedModel{Reply: func(messages []llms.MessageContent) ([]string, error) {
		text := LastHumanText(messages)
		if text == "" {
			return []string{"..."}, nil
		}
		words := strings.SplitAfter(text, " ")
		return words, nil
	}}
}

func (m *ScriptedModel) GenerateContent(ctx context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error) {
	m.mu.Lock()
	m.calls = append(m.calls, messages)
	m.mu.Unlock()

	opts := llms.CallOptions{}
	for _, opt := range options {
		opt(&opts)
	}

	chunks, err := m.Reply(messages)
	if err != nil {
		return nil, err
	}

	var full strings.Builder
	for _, chunk := range chunks {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if opts.StreamingFunc != nil {
			if err := opts.StreamingFunc(ctx, []byte(chunk)); err != nil {
				return nil, err
			}
		}
		full.WriteString(chunk)
	}

	return &llms.ContentResponse{
		Choices: []*llms.ContentChoice{{Content: full.String(), StopReason: "stop"}},
	}, nil
}

func (m *ScriptedModel) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, m, prompt, options...)
}

// Calls returns the conversations the model has been asked to continue.
func (m *ScriptedModel) Calls() [][]llms.MessageContent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]llms.MessageContent(nil), m.calls...)
}

// LastHumanText returns the text of the final human message in messages.
func LastHumanText(messages []llms.MessageContent) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role != llms.ChatMessageTypeHuman {
			continue
		}
		var sb strings.Builder
		for _, part := range messages[i].Parts {
			if text, ok := part.(llms.TextContent); ok {
				sb.WriteString(text.Text)
			}
		}
		return sb.String()
	}
	return ""
}
