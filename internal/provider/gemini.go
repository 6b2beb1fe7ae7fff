package provider

import (
	"context"
	"fmt"
	"sync"
	"time"

	"google.golang.org/genai"

	"github.com/aristath/agentcore/internal/resilience"
)

const defaultGeminiModel = "gemini-3-pro-preview"

// GeminiProvider calls the Gemini API. The client is created on first use
// because construction needs a context.
type GeminiProvider struct {
	apiKey    string
	model     string
	system    string
	maxTokens int

	mu     sync.Mutex
	client *genai.Client
}

// NewGeminiProvider creates a provider from cfg. An empty APIKey lets the
// SDK read GEMINI_API_KEY.
func NewGeminiProvider(cfg Config) *GeminiProvider {
	return &GeminiProvider{
		apiKey:    cfg.APIKey,
		model:     firstNonEmpty(cfg.Model, defaultGeminiModel),
		system:    cfg.SystemPrompt,
		maxTokens: cfg.MaxTokens,
	}
}

func (g *GeminiProvider) getClient(ctx context.Context) (*genai.Client, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.client != nil {
		return g.client, nil
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  g.apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, resilience.Wrap(resilience.KindConfiguration, TypeGemini, "client", err)
	}
	g.client = client
	return client, nil
}

func (g *GeminiProvider) Generate(ctx context.Context, opts GenerateOptions) (AIResponse, error) {
	msgs, chat := chatFromPrompt(opts)
	return g.Chat(ctx, msgs, chat)
}

func (g *GeminiProvider) Chat(ctx context.Context, messages []Message, opts ChatOptions) (AIResponse, error) {
	client, err := g.getClient(ctx)
	if err != nil {
		return AIResponse{}, err
	}

	system, rest := splitSystem(messages)
	system = firstNonEmpty(system, g.system)

	contents := make([]*genai.Content, 0, len(rest))
	for _, m := range rest {
		role := "user"
		if m.Role == RoleAssistant {
			role = "model"
		}
		contents = append(contents, &genai.Content{Role: role, Parts: []*genai.Part{{Text: m.Content}}})
	}

	config := &genai.GenerateContentConfig{
		MaxOutputTokens: int32(maxTokens(opts.MaxTokens, g.maxTokens)),
	}
	if opts.Temperature > 0 {
		t := float32(opts.Temperature)
		config.Temperature = &t
	}
	if system != "" {
		config.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: system}}}
	}

	model := firstNonEmpty(opts.Model, g.model)
	start := time.Now()
	result, err := client.Models.GenerateContent(ctx, model, contents, config)
	if err != nil {
		return AIResponse{}, fmt.Errorf("gemini generate: %w", err)
	}
	if result == nil {
		return AIResponse{}, resilience.NewError(resilience.KindAIService, TypeGemini, "empty response")
	}
	return AIResponse{
		Content:  result.Text(),
		Model:    model,
		Duration: time.Since(start),
	}, nil
}
