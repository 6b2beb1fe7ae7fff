package provider

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/ollama/ollama/api"
)

const defaultOllamaHost = "http://localhost:11434"

// OllamaProvider talks to a local Ollama server.
type OllamaProvider struct {
	client    *api.Client
	model     string
	system    string
	maxTokens int
}

// NewOllamaProvider creates a provider for the server at cfg.BaseURL.
func NewOllamaProvider(cfg Config) (*OllamaProvider, error) {
	host, err := url.Parse(firstNonEmpty(cfg.BaseURL, defaultOllamaHost))
	if err != nil {
		return nil, fmt.Errorf("invalid ollama url: %w", err)
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("ollama provider requires a model")
	}
	return &OllamaProvider{
		client:    api.NewClient(host, http.DefaultClient),
		model:     cfg.Model,
		system:    cfg.SystemPrompt,
		maxTokens: cfg.MaxTokens,
	}, nil
}

func (o *OllamaProvider) Generate(ctx context.Context, opts GenerateOptions) (AIResponse, error) {
	msgs, chat := chatFromPrompt(opts)
	return o.Chat(ctx, msgs, chat)
}

func (o *OllamaProvider) Chat(ctx context.Context, messages []Message, opts ChatOptions) (AIResponse, error) {
	converted := make([]api.Message, 0, len(messages)+1)
	if system, _ := splitSystem(messages); system == "" && o.system != "" {
		converted = append(converted, api.Message{Role: RoleSystem, Content: o.system})
	}
	for _, m := range messages {
		converted = append(converted, api.Message{Role: m.Role, Content: m.Content})
	}

	stream := false
	req := &api.ChatRequest{
		Model:    firstNonEmpty(opts.Model, o.model),
		Messages: converted,
		Stream:   &stream,
		Options: map[string]any{
			"temperature": opts.Temperature,
			"num_predict": maxTokens(opts.MaxTokens, o.maxTokens),
		},
	}

	start := time.Now()
	var resp api.ChatResponse
	err := o.client.Chat(ctx, req, func(r api.ChatResponse) error {
		resp = r
		return nil
	})
	if err != nil {
		return AIResponse{}, fmt.Errorf("ollama chat: %w", err)
	}
	return AIResponse{
		Content:  resp.Message.Content,
		Model:    resp.Model,
		Duration: time.Since(start),
	}, nil
}
