// Package provider defines the AI and browser collaborators agents call, and
// their concrete implementations: local agent CLIs, hosted LLM APIs and a
// plain HTTP page fetcher.
package provider

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one turn of a chat transcript.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// GenerateOptions describes a single-prompt completion.
type GenerateOptions struct {
	Prompt      string
	System      string
	Model       string
	MaxTokens   int
	Temperature float64
}

// ChatOptions tunes a chat completion.
type ChatOptions struct {
	Model       string
	MaxTokens   int
	Temperature float64
}

// AIResponse is the text produced by an AI provider.
type AIResponse struct {
	Content   string        `json:"content"`
	Model     string        `json:"model,omitempty"`
	SessionID string        `json:"session_id,omitempty"`
	Duration  time.Duration `json:"duration"`
}

// AIProvider generates text.
type AIProvider interface {
	Generate(ctx context.Context, opts GenerateOptions) (AIResponse, error)
	Chat(ctx context.Context, messages []Message, opts ChatOptions) (AIResponse, error)
}

// Action is a browser interaction.
type Action struct {
	Type     string `json:"type"`
	Selector string `json:"selector,omitempty"`
	Value    string `json:"value,omitempty"`
}

// SandboxResult is what a browser engine observed.
type SandboxResult struct {
	URL      string        `json:"url"`
	Status   int           `json:"status"`
	Title    string        `json:"title,omitempty"`
	Content  string        `json:"content"`
	Duration time.Duration `json:"duration"`
}

// BrowserEngine drives a sandboxed browser.
type BrowserEngine interface {
	Navigate(ctx context.Context, url string) (SandboxResult, error)
	Act(ctx context.Context, action Action) (SandboxResult, error)
}

// Provider types accepted by New.
const (
	TypeClaude    = "claude"
	TypeCodex     = "codex"
	TypeGoose     = "goose"
	TypeAnthropic = "anthropic"
	TypeOpenAI    = "openai"
	TypeOllama    = "ollama"
	TypeGemini    = "gemini"
)

// Config selects and configures an AI provider.
type Config struct {
	Type         string `json:"type" yaml:"type"`
	Model        string `json:"model,omitempty" yaml:"model,omitempty"`
	APIKey       string `json:"api_key,omitempty" yaml:"api_key,omitempty"`
	BaseURL      string `json:"base_url,omitempty" yaml:"base_url,omitempty"`
	WorkDir      string `json:"work_dir,omitempty" yaml:"work_dir,omitempty"`
	Provider     string `json:"provider,omitempty" yaml:"provider,omitempty"` // goose local LLM backend
	SystemPrompt string `json:"system_prompt,omitempty" yaml:"system_prompt,omitempty"`
	MaxTokens    int    `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty"`
}

// New builds the provider named by cfg.Type. The ProcessManager is only
// used by CLI providers and may be nil.
func New(cfg Config, pm *ProcessManager) (AIProvider, error) {
	switch cfg.Type {
	case TypeClaude, TypeCodex, TypeGoose:
		return NewCLIProvider(cfg, pm)
	case TypeAnthropic:
		return NewAnthropicProvider(cfg), nil
	case TypeOpenAI:
		return NewOpenAIProvider(cfg), nil
	case TypeOllama:
		return NewOllamaProvider(cfg)
	case TypeGemini:
		return NewGeminiProvider(cfg), nil
	default:
		return nil, fmt.Errorf("unknown provider type: %q", cfg.Type)
	}
}

// chatFromPrompt turns a single-prompt request into a chat transcript.
func chatFromPrompt(opts GenerateOptions) ([]Message, ChatOptions) {
	var msgs []Message
	if opts.System != "" {
		msgs = append(msgs, Message{Role: RoleSystem, Content: opts.System})
	}
	msgs = append(msgs, Message{Role: RoleUser, Content: opts.Prompt})
	return msgs, ChatOptions{Model: opts.Model, MaxTokens: opts.MaxTokens, Temperature: opts.Temperature}
}

// splitSystem separates system turns from the conversation.
func splitSystem(messages []Message) (string, []Message) {
	var system []string
	rest := make([]Message, 0, len(messages))
	for _, m := range messages {
		if m.Role == RoleSystem {
			system = append(system, m.Content)
			continue
		}
		rest = append(rest, m)
	}
	return strings.Join(system, "\n\n"), rest
}

// transcript flattens a chat into a single prompt for backends that only
// accept one.
func transcript(messages []Message) string {
	var b strings.Builder
	for i, m := range messages {
		if i > 0 {
			b.WriteString("\n\n")
		}
		switch m.Role {
		case RoleSystem:
			b.WriteString("System: ")
		case RoleAssistant:
			b.WriteString("Assistant: ")
		case RoleUser:
			if len(messages) > 1 {
				b.WriteString("User: ")
			}
		}
		b.WriteString(m.Content)
	}
	return b.String()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
