package aiconnectors

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/cohere"
	"github.com/tmc/langchaingo/llms/googleai"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/threadline/internal/config"
)

// Provider represents an AI provider type
type Provider string

const (
	ProviderOpenAI Provider = "openai"
	ProviderGemini Provider = "gemini"
	ProviderClaude Provider = "claude"
	ProviderCohere Provider = "cohere"
	ProviderOllama Provider = "ollama"
)

const defaultOllamaURL = "http://localhost:11434"

// ModelConfig contains the configuration for a specific model
type ModelConfig struct {
	Temperature float64 `json:"temperature,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
	Model       string  `json:"model,omitempty"`
}

// ConnectorOptions contains options for creating a connector
type ConnectorOptions struct {
	Provider    Provider    `json:"provider"`
	APIKey      string      `json:"api_key"`
	BaseURL     string      `json:"base_url,omitempty"`
	ModelConfig ModelConfig `json:"model_config,omitempty"`
}

// OptionsFromConfig maps the agent section of the config onto connector options.
func OptionsFromConfig(cfg config.AgentConfig) ConnectorOptions {
	return ConnectorOptions{
		Provider: Provider(strings.ToLower(cfg.Provider)),
		APIKey:   cfg.APIKey,
		BaseURL:  cfg.BaseURL,
		ModelConfig: ModelConfig{
			Temperature: cfg.Temperature,
			MaxTokens:   cfg.MaxTokens,
			Model:       cfg.Model,
		},
	}
}

// Connector is a configured language model plus its default call options.
type Connector struct {
	provider Provider
	llm      llms.Model
	options  ConnectorOptions
}

// NewConnector creates a new connector for the specified provider
func NewConnector(ctx context.Context, options ConnectorOptions) (*Connector, error) {
	var model llms.Model
	var err error

	log.Debug().
		Str("provider", string(options.Provider)).
		Str("model", options.ModelConfig.Model).
		Float64("temperature", options.ModelConfig.Temperature).
		Msg("Creating new connector")

	switch options.Provider {
	case ProviderOpenAI:
		model, err = createOpenAIModel(options)
	case ProviderGemini:
		model, err = createGeminiModel(ctx, options)
	case ProviderClaude:
		model, err = createAnthropicModel(options)
	case ProviderCohere:
		model, err = createCohereModel(options)
	case ProviderOllama:
		model, err = createOllamaModel(options)
	case ProviderEcho:
		model = NewEchoModel()
	default:
		return nil, fmt.Errorf("unsupported provider: %s", options.Provider)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to create model for provider %s: %w", options.Provider, err)
	}

	return NewConnectorWithModel(model, options), nil
}

// NewConnectorWithModel wraps an already constructed model.
func NewConnectorWithModel(model llms.Model, options ConnectorOptions) *Connector {
	return &Connector{
		provider: options.Provider,
		llm:      model,
		options:  options,
	}
}

func createOpenAIModel(options ConnectorOptions) (llms.Model, error) {
	opts := []openai.Option{
		openai.WithModel(options.ModelConfig.Model),
		openai.WithToken(options.APIKey),
	}
	if options.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(options.BaseURL))
	}
	return openai.New(opts...)
}

func createGeminiModel(ctx context.Context, options ConnectorOptions) (llms.Model, error) {
	opts := []googleai.Option{
		googleai.WithAPIKey(options.APIKey),
	}
	if options.ModelConfig.Model != "" {
		opts = append(opts, googleai.WithDefaultModel(options.ModelConfig.Model))
	}

	model, err := googleai.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini model: %w", err)
	}
	return model, nil
}

func createAnthropicModel(options ConnectorOptions) (llms.Model, error) {
	opts := []anthropic.Option{
		anthropic.WithToken(options.APIKey),
		anthropic.WithModel(options.ModelConfig.Model),
	}
	if options.BaseURL != "" {
		opts = append(opts, anthropic.WithBaseURL(options.BaseURL))
	}
	return anthropic.New(opts...)
}

func createCohereModel(options ConnectorOptions) (llms.Model, error) {
	opts := []cohere.Option{
		cohere.WithToken(options.APIKey),
		cohere.WithModel(options.ModelConfig.Model),
	}
	if options.BaseURL != "" {
		opts = append(opts, cohere.WithBaseURL(options.BaseURL))
	}
	return cohere.New(opts...)
}

func createOllamaModel(options ConnectorOptions) (llms.Model, error) {
	if options.BaseURL == "" {
		options.BaseURL = defaultOllamaURL
	}
	// Ollama takes temperature and token limits per call, see CallOptions.
	return ollama.New(
		ollama.WithServerURL(options.BaseURL),
		ollama.WithModel(options.ModelConfig.Model),
	)
}

// CallOptions returns the defaults every request made through c carries.
func (c *Connector) CallOptions(extra ...llms.CallOption) []llms.CallOption {
	callOptions := []llms.CallOption{
		llms.WithTemperature(c.options.ModelConfig.Temperature),
	}
	if c.options.ModelConfig.MaxTokens > 0 {
		callOptions = append(callOptions, llms.WithMaxTokens(c.options.ModelConfig.MaxTokens))
	}
	if c.provider == ProviderGemini && c.options.ModelConfig.Model != "" {
		callOptions = append(callOptions, llms.WithModel(c.options.ModelConfig.Model))
	}
	return append(callOptions, extra...)
}

// Call sends a single prompt and returns the full completion.
func (c *Connector) Call(ctx context.Context, input string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, c.llm, input, c.CallOptions(options...)...)
}

// Stream sends a conversation and delivers the completion incrementally to onChunk.
// onChunk may block; the model waits for it before producing more.
func (c *Connector) Stream(ctx context.Context, messages []llms.MessageContent, onChunk func(ctx context.Context, chunk []byte) error) (*llms.ContentResponse, error) {
	return c.llm.GenerateContent(ctx, messages, c.CallOptions(llms.WithStreamingFunc(onChunk))...)
}

// GetProvider returns the provider of this connector
func (c *Connector) GetProvider() Provider {
	return c.provider
}

// GetModel returns the model name from the config
func (c *Connector) GetModel() string {
	return c.options.ModelConfig.Model
}

// Probe checks that the configured provider answers. Ollama is checked by listing
// its models so no generation is needed.
func Probe(ctx context.Context, options ConnectorOptions) error {
	if options.Provider == ProviderEcho {
		return nil
	}
	if options.Provider == ProviderOllama {
		models, err := fetchOllamaModels(ctx, options.BaseURL)
		if err != nil {
			return err
		}
		for _, m := range models {
			if m == options.ModelConfig.Model || strings.HasPrefix(m, options.ModelConfig.Model+":") {
				return nil
			}
		}
		return fmt.Errorf("model %q is not pulled on %s", options.ModelConfig.Model, options.BaseURL)
	}

	options.ModelConfig.MaxTokens = 8
	connector, err := NewConnector(ctx, options)
	if err != nil {
		return err
	}
	if _, err := connector.Call(ctx, "Reply with the word ok."); err != nil {
		return fmt.Errorf("%s did not answer: %w", options.Provider, err)
	}
	return nil
}

func fetchOllamaModels(ctx context.Context, baseURL string) ([]string, error) {
	if baseURL == "" {
		baseURL = defaultOllamaURL
	}
	apiURL := strings.TrimSuffix(baseURL, "/") + "/api/tags"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Ollama at %s: %w", baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("Ollama API returned status %d", resp.StatusCode)
	}

	var tags struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return nil, fmt.Errorf("failed to parse Ollama response: %w", err)
	}

	names := make([]string, 0, len(tags.Models))
	for _, m := range tags.Models {
		names = append(names, m.Name)
	}
	return names, nil
}
