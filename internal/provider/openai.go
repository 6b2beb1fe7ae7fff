package provider

import (
	"context"
	"fmt"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/responses"

	"github.com/aristath/agentcore/internal/resilience"
)

const defaultOpenAIModel = "gpt-5"

// OpenAIProvider calls the OpenAI Responses API.
type OpenAIProvider struct {
	client    openai.Client
	model     string
	system    string
	maxTokens int
}

// NewOpenAIProvider creates a provider from cfg. An empty APIKey falls back
// to OPENAI_API_KEY.
func NewOpenAIProvider(cfg Config) *OpenAIProvider {
	opts := []option.RequestOption{option.WithMaxRetries(0)}
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &OpenAIProvider{
		client:    openai.NewClient(opts...),
		model:     firstNonEmpty(cfg.Model, defaultOpenAIModel),
		system:    cfg.SystemPrompt,
		maxTokens: cfg.MaxTokens,
	}
}

func (o *OpenAIProvider) Generate(ctx context.Context, opts GenerateOptions) (AIResponse, error) {
	msgs, chat := chatFromPrompt(opts)
	return o.Chat(ctx, msgs, chat)
}

func (o *OpenAIProvider) Chat(ctx context.Context, messages []Message, opts ChatOptions) (AIResponse, error) {
	if o.system != "" {
		if system, _ := splitSystem(messages); system == "" {
			messages = append([]Message{{Role: RoleSystem, Content: o.system}}, messages...)
		}
	}
	model := firstNonEmpty(opts.Model, o.model)

	params := responses.ResponseNewParams{
		Model:           model,
		MaxOutputTokens: openai.Int(int64(maxTokens(opts.MaxTokens, o.maxTokens))),
		Input:           responses.ResponseNewParamsInputUnion{OfString: openai.String(transcript(messages))},
	}

	start := time.Now()
	resp, err := o.client.Responses.New(ctx, params)
	if err != nil {
		return AIResponse{}, fmt.Errorf("openai responses: %w", err)
	}
	if resp == nil {
		return AIResponse{}, resilience.NewError(resilience.KindAIService, TypeOpenAI, "empty response")
	}
	return AIResponse{
		Content:   resp.OutputText(),
		Model:     model,
		SessionID: resp.ID,
		Duration:  time.Since(start),
	}, nil
}
