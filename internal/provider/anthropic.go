package provider

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/aristath/agentcore/internal/resilience"
)

const (
	defaultAnthropicModel = "claude-sonnet-4-5"
	defaultMaxTokens      = 4096
)

// AnthropicProvider calls the Anthropic Messages API.
type AnthropicProvider struct {
	client    anthropic.Client
	model     string
	system    string
	maxTokens int
}

// NewAnthropicProvider creates a provider from cfg. An empty APIKey falls
// back to ANTHROPIC_API_KEY. SDK-level retries are disabled; retries belong
// to the error handler.
func NewAnthropicProvider(cfg Config) *AnthropicProvider {
	opts := []option.RequestOption{option.WithMaxRetries(0)}
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &AnthropicProvider{
		client:    anthropic.NewClient(opts...),
		model:     firstNonEmpty(cfg.Model, defaultAnthropicModel),
		system:    cfg.SystemPrompt,
		maxTokens: cfg.MaxTokens,
	}
}

func (a *AnthropicProvider) Generate(ctx context.Context, opts GenerateOptions) (AIResponse, error) {
	msgs, chat := chatFromPrompt(opts)
	return a.Chat(ctx, msgs, chat)
}

func (a *AnthropicProvider) Chat(ctx context.Context, messages []Message, opts ChatOptions) (AIResponse, error) {
	system, rest := splitSystem(messages)
	system = firstNonEmpty(system, a.system)

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(firstNonEmpty(opts.Model, a.model)),
		Messages:  make([]anthropic.MessageParam, 0, len(rest)),
		MaxTokens: int64(maxTokens(opts.MaxTokens, a.maxTokens)),
	}
	for _, m := range rest {
		params.Messages = append(params.Messages, anthropic.MessageParam{
			Role:    anthropic.MessageParamRole(m.Role),
			Content: []anthropic.ContentBlockParamUnion{anthropic.NewTextBlock(m.Content)},
		})
	}
	if opts.Temperature > 0 {
		params.Temperature = anthropic.Float(opts.Temperature)
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system, Type: "text"}}
	}

	start := time.Now()
	resp, err := a.client.Messages.New(ctx, params)
	if err != nil {
		return AIResponse{}, fmt.Errorf("anthropic messages: %w", err)
	}
	if resp == nil || len(resp.Content) == 0 {
		return AIResponse{}, resilience.NewError(resilience.KindAIService, TypeAnthropic, "empty response")
	}

	var b strings.Builder
	for i := range resp.Content {
		block := &resp.Content[i]
		if block.Type == "text" {
			b.WriteString(block.AsText().Text)
		}
	}
	return AIResponse{
		Content:   b.String(),
		Model:     string(resp.Model),
		SessionID: resp.ID,
		Duration:  time.Since(start),
	}, nil
}

func maxTokens(values ...int) int {
	for _, v := range values {
		if v > 0 {
			return v
		}
	}
	return defaultMaxTokens
}
