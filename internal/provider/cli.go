package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/aristath/agentcore/internal/resilience"
)

// commandRunner executes a CLI and returns its output.
type commandRunner func(ctx context.Context, dir, name string, args []string) (stdout, stderr []byte, err error)

// CLIProvider drives a locally installed agent CLI (claude, codex or goose),
// one subprocess per call.
type CLIProvider struct {
	cfg Config
	run commandRunner
}

// NewCLIProvider creates a provider for cfg.Type. Subprocesses are tracked
// by pm when it is non-nil.
func NewCLIProvider(cfg Config, pm *ProcessManager) (*CLIProvider, error) {
	switch cfg.Type {
	case TypeClaude, TypeCodex, TypeGoose:
	default:
		return nil, fmt.Errorf("not a CLI provider: %q", cfg.Type)
	}
	if cfg.WorkDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to get working directory: %w", err)
		}
		cfg.WorkDir = wd
	}
	return &CLIProvider{
		cfg: cfg,
		run: func(ctx context.Context, dir, name string, args []string) ([]byte, []byte, error) {
			cmd := newCommand(ctx, name, args...)
			cmd.Dir = dir
			return executeCommand(ctx, cmd, pm)
		},
	}, nil
}

// Generate runs the CLI once with opts.Prompt.
func (p *CLIProvider) Generate(ctx context.Context, opts GenerateOptions) (AIResponse, error) {
	system := firstNonEmpty(opts.System, p.cfg.SystemPrompt)
	model := firstNonEmpty(opts.Model, p.cfg.Model)
	args := p.buildArgs(opts.Prompt, system, model)

	start := time.Now()
	stdout, stderr, err := p.run(ctx, p.cfg.WorkDir, p.cfg.Type, args)
	if err != nil {
		return AIResponse{}, p.commandError(err)
	}

	content, session, err := p.parse(stdout, stderr)
	if err != nil {
		return AIResponse{}, resilience.Wrap(resilience.KindAIService, p.cfg.Type, "parse", err)
	}
	return AIResponse{
		Content:   content,
		Model:     model,
		SessionID: session,
		Duration:  time.Since(start),
	}, nil
}

// Chat flattens messages into a single prompt; the CLIs are invoked
// without resuming a session.
func (p *CLIProvider) Chat(ctx context.Context, messages []Message, opts ChatOptions) (AIResponse, error) {
	system, rest := splitSystem(messages)
	return p.Generate(ctx, GenerateOptions{
		Prompt:      transcript(rest),
		System:      system,
		Model:       opts.Model,
		MaxTokens:   opts.MaxTokens,
		Temperature: opts.Temperature,
	})
}

func (p *CLIProvider) buildArgs(prompt, system, model string) []string {
	switch p.cfg.Type {
	case TypeCodex:
		return codexArgs(prompt, system, model)
	case TypeGoose:
		return gooseArgs(prompt, system, model, p.cfg.Provider, "agentcore-"+uuid.NewString()[:8])
	default:
		return claudeArgs(prompt, system, model)
	}
}

func (p *CLIProvider) parse(stdout, stderr []byte) (content, session string, err error) {
	switch p.cfg.Type {
	case TypeCodex:
		return parseCodexEvents(stdout)
	case TypeGoose:
		content, err = parseGooseResponse(stdout)
		if err != nil {
			// Older goose builds ignore --output-format json.
			content = string(stdout)
			if len(stderr) > 0 {
				content += "\n[stderr]: " + string(stderr)
			}
			err = nil
		}
		return content, "", err
	default:
		return parseClaudeResponse(stdout)
	}
}

// commandError types failures that are not worth retrying.
func (p *CLIProvider) commandError(err error) error {
	if errors.Is(err, exec.ErrNotFound) {
		return resilience.Wrap(resilience.KindConfiguration, p.cfg.Type, "exec", err)
	}
	return fmt.Errorf("%s command failed: %w", p.cfg.Type, err)
}

// claudeArgs builds a one-shot `claude -p` invocation.
func claudeArgs(prompt, system, model string) []string {
	args := []string{"-p", prompt, "--output-format", "json"}
	if model != "" {
		args = append(args, "--model", model)
	}
	if system != "" {
		args = append(args, "--system-prompt", system)
	}
	return args
}

// codexArgs builds a `codex exec` invocation. Codex has no system prompt
// flag, so the system text is prepended to the prompt.
func codexArgs(prompt, system, model string) []string {
	if system != "" {
		prompt = "System: " + system + "\n\n" + prompt
	}
	args := []string{"exec", prompt, "--json"}
	if model != "" {
		args = append(args, "--model", model)
	}
	return args
}

// gooseArgs builds a `goose run` invocation.
func gooseArgs(prompt, system, model, llm, session string) []string {
	args := []string{"run", "--text", prompt, "--output-format", "json", "--name", session}
	if llm != "" {
		args = append(args, "--provider", llm)
	}
	if model != "" {
		args = append(args, "--model", model)
	}
	if system != "" {
		args = append(args, "--system", system)
	}
	return args
}

// claudeResponse accepts both the flat result string and the older
// content-block shape.
type claudeResponse struct {
	SessionID string          `json:"session_id"`
	IsError   bool            `json:"is_error"`
	Result    json.RawMessage `json:"result"`
}

type claudeContent struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

func parseClaudeResponse(data []byte) (content, session string, err error) {
	var cr claudeResponse
	if err := json.Unmarshal(data, &cr); err != nil {
		return "", "", fmt.Errorf("failed to unmarshal JSON: %w", err)
	}

	var text string
	if err := json.Unmarshal(cr.Result, &text); err != nil {
		var blocks claudeContent
		if err := json.Unmarshal(cr.Result, &blocks); err != nil {
			return "", "", fmt.Errorf("unexpected result shape: %w", err)
		}
		var b strings.Builder
		for _, item := range blocks.Content {
			if item.Type == "text" {
				b.WriteString(item.Text)
			}
		}
		text = b.String()
	}
	if cr.IsError {
		return "", cr.SessionID, fmt.Errorf("claude reported an error: %s", text)
	}
	return text, cr.SessionID, nil
}

type codexEvent struct {
	Type     string `json:"type"`
	ThreadID string `json:"thread_id"`
	Content  string `json:"content"`
}

// parseCodexEvents reads codex's newline-delimited JSON event stream.
func parseCodexEvents(data []byte) (content, threadID string, err error) {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var evt codexEvent
		if err := json.Unmarshal([]byte(line), &evt); err != nil {
			return "", "", fmt.Errorf("failed to parse event: %w", err)
		}
		switch evt.Type {
		case "ThreadStarted":
			threadID = evt.ThreadID
		case "TurnCompleted":
			content = evt.Content
		}
	}
	if err := scanner.Err(); err != nil {
		return "", "", fmt.Errorf("error reading events: %w", err)
	}
	return content, threadID, nil
}

type gooseResponse struct {
	Content string `json:"content"`
}

// parseGooseResponse accepts a single JSON object or newline-delimited JSON.
func parseGooseResponse(data []byte) (string, error) {
	var resp gooseResponse
	if err := json.Unmarshal(data, &resp); err == nil {
		return resp.Content, nil
	}

	var contents []string
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var lr gooseResponse
		if err := json.Unmarshal([]byte(line), &lr); err == nil && lr.Content != "" {
			contents = append(contents, lr.Content)
		}
	}
	if len(contents) > 0 {
		return strings.Join(contents, "\n"), nil
	}
	return "", fmt.Errorf("failed to parse goose JSON response")
}
