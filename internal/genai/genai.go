// Package genai generates empathetic replies with the OpenAI chat completions API.
package genai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/BTreeMap/Empathibot/internal/models"
)

// Defaults for reply generation.
const (
	DefaultModel       = openai.ChatModelGPT4oMini
	DefaultTemperature = 0.7
	DefaultMaxTokens   = 250
)

// ErrNoChoicesReturned is returned when the API responds without any choices.
var ErrNoChoicesReturned = errors.New("no choices returned")

// ErrEmptyReply is returned when the model produces only whitespace.
var ErrEmptyReply = errors.New("empty reply")

const systemPrompt = `You are Empathibot, a compassionate and empathetic mental health support companion. Your role is to:

1. Listen actively and validate feelings
2. Provide emotional support and encouragement
3. Suggest healthy coping strategies
4. Recognize when professional help is needed
5. Be warm, non-judgmental, and supportive

Guidelines for your response:
- Be warm, empathetic, and genuine
- Validate their feelings without judgment
- Ask thoughtful follow-up questions
- Suggest coping strategies when appropriate
- Keep responses concise (2-4 sentences)
- Use emojis sparingly and appropriately
- NEVER diagnose or replace professional therapy
- Encourage professional help for serious concerns`

// chatService defines the minimal interface for chat completions.
type chatService interface {
	New(ctx context.Context, body openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
}

// Opts holds configuration options for the GenAI client.
type Opts struct {
	APIKey      string
	Model       string
	Temperature float64
	MaxTokens   int64
}

// Option defines a configuration option for the GenAI client.
type Option func(*Opts)

// WithAPIKey sets the OpenAI API key.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithModel sets the chat model name.
func WithModel(model string) Option {
	return func(o *Opts) { o.Model = model }
}

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) Option {
	return func(o *Opts) { o.Temperature = t }
}

// WithMaxTokens caps the reply length.
func WithMaxTokens(n int64) Option {
	return func(o *Opts) { o.MaxTokens = n }
}

// Client wraps the OpenAI chat completion service.
type Client struct {
	chat        chatService
	model       string
	temperature float64
	maxTokens   int64
}

// NewClient initializes a GenAI client. The API key comes from WithAPIKey or,
// failing that, OPENAI_API_KEY.
func NewClient(opts ...Option) (*Client, error) {
	cfg := Opts{Model: DefaultModel, Temperature: DefaultTemperature, MaxTokens: DefaultMaxTokens}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY not set")
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	cli := openai.NewClient(option.WithAPIKey(cfg.APIKey))
	slog.Debug("genai.NewClient: client created", "model", cfg.Model, "maxTokens", cfg.MaxTokens)
	return &Client{
		chat:        &cli.Chat.Completions,
		model:       cfg.Model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
	}, nil
}

// GenerateReply produces the assistant reply for one turn. Any failure,
// including an empty completion, is returned as a *models.GenerationError.
func (c *Client) GenerateReply(ctx context.Context, pc models.PromptContext) (string, error) {
	history := pc.HistorySummary
	if history == "" {
		history = "(none)"
	}
	user := "Previous conversation:\n" + history + "\n\nCurrent message: " + pc.Input
	out, err := c.complete(ctx, systemPrompt, user)
	if err != nil {
		slog.Error("Client.GenerateReply: generation failed", "error", err)
		return "", &models.GenerationError{Err: err}
	}
	return out, nil
}

// GeneratePrompt generates a completion for arbitrary system and user prompts.
func (c *Client) GeneratePrompt(ctx context.Context, system, user string) (string, error) {
	return c.complete(ctx, system, user)
}

func (c *Client) complete(ctx context.Context, system, user string) (string, error) {
	params := openai.ChatCompletionNewParams{
		Model: c.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(system),
			openai.UserMessage(user),
		},
		Temperature: openai.Float(c.temperature),
	}
	if c.maxTokens > 0 {
		params.MaxTokens = openai.Int(c.maxTokens)
	}
	resp, err := c.chat.New(ctx, params)
	if err != nil {
		return "", err
	}
	if resp == nil || len(resp.Choices) == 0 {
		return "", ErrNoChoicesReturned
	}
	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	if content == "" {
		return "", ErrEmptyReply
	}
	return content, nil
}
