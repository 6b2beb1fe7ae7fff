package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aristath/agentcore/internal/resilience"
)

func TestNew_SelectsImplementation(t *testing.T) {
	tests := []struct {
		cfg  Config
		want string
	}{
		{Config{Type: TypeClaude, WorkDir: "/tmp"}, "*provider.CLIProvider"},
		{Config{Type: TypeCodex, WorkDir: "/tmp"}, "*provider.CLIProvider"},
		{Config{Type: TypeGoose, WorkDir: "/tmp"}, "*provider.CLIProvider"},
		{Config{Type: TypeAnthropic, APIKey: "k"}, "*provider.AnthropicProvider"},
		{Config{Type: TypeOpenAI, APIKey: "k"}, "*provider.OpenAIProvider"},
		{Config{Type: TypeOllama, Model: "llama3"}, "*provider.OllamaProvider"},
		{Config{Type: TypeGemini, APIKey: "k"}, "*provider.GeminiProvider"},
	}
	for _, tt := range tests {
		t.Run(tt.cfg.Type, func(t *testing.T) {
			p, err := New(tt.cfg, nil)
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			if got := fmt.Sprintf("%T", p); got != tt.want {
				t.Errorf("got %s, want %s", got, tt.want)
			}
		})
	}

	if _, err := New(Config{Type: "telepathy"}, nil); err == nil {
		t.Error("expected error for unknown type")
	}
	if _, err := New(Config{Type: TypeOllama}, nil); err == nil {
		t.Error("expected error for ollama without a model")
	}
}

func TestTranscript(t *testing.T) {
	if got := transcript([]Message{{Role: RoleUser, Content: "only"}}); got != "only" {
		t.Errorf("single user turn should be bare, got %q", got)
	}
	got := transcript([]Message{{Role: RoleUser, Content: "q"}, {Role: RoleAssistant, Content: "a"}})
	if got != "User: q\n\nAssistant: a" {
		t.Errorf("got %q", got)
	}
}

type flakyAI struct {
	failures int32
	calls    atomic.Int32
	err      error
}

func (f *flakyAI) Generate(ctx context.Context, opts GenerateOptions) (AIResponse, error) {
	if f.calls.Add(1) <= f.failures {
		return AIResponse{}, f.err
	}
	return AIResponse{Content: "ok:" + opts.Prompt}, nil
}

func (f *flakyAI) Chat(ctx context.Context, messages []Message, opts ChatOptions) (AIResponse, error) {
	return f.Generate(ctx, GenerateOptions{Prompt: transcript(messages)})
}

func newTestHandler(t *testing.T, threshold int) *resilience.Handler {
	t.Helper()
	cfg := resilience.DefaultHandlerConfig()
	cfg.Retry = resilience.RetryOptions{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		Multiplier:  2,
		MaxDelay:    5 * time.Millisecond,
	}
	breakers := resilience.NewBreakerRegistry(resilience.BreakerSettings{FailureThreshold: threshold, Cooldown: time.Minute})
	h, err := resilience.NewHandler(cfg, breakers, nil)
	if err != nil {
		t.Fatalf("NewHandler: %v", err)
	}
	return h
}

func TestGuard_RetriesTransientFailures(t *testing.T) {
	h := newTestHandler(t, 10)
	ai := &flakyAI{failures: 2, err: errors.New("503 service unavailable")}

	resp, err := Guard(ai, h, "llm").Generate(context.Background(), GenerateOptions{Prompt: "p"})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if resp.Content != "ok:p" || ai.calls.Load() != 3 {
		t.Errorf("content %q after %d calls", resp.Content, ai.calls.Load())
	}
}

func TestGuard_UnclassifiedFailuresAreAIService(t *testing.T) {
	h := newTestHandler(t, 10)
	ai := &flakyAI{failures: 100, err: errors.New("model returned garbage")}

	_, err := Guard(ai, h, "llm").Generate(context.Background(), GenerateOptions{Prompt: "p"})
	var agg *resilience.AggregateRetryError
	if !errors.As(err, &agg) {
		t.Fatalf("expected aggregate retry error, got %v", err)
	}
	if k := resilience.KindOf(err); k != resilience.KindAIService {
		t.Errorf("expected ai_service, got %s", k)
	}
}

func TestGuard_OpenBreakerShortCircuits(t *testing.T) {
	h := newTestHandler(t, 2)
	ai := &flakyAI{failures: 100, err: errors.New("connection refused")}
	guarded := Guard(ai, h, "llm")

	guarded.Generate(context.Background(), GenerateOptions{Prompt: "p"})
	calls := ai.calls.Load()

	_, err := guarded.Generate(context.Background(), GenerateOptions{Prompt: "p"})
	if !errors.Is(err, resilience.ErrCircuitOpen) {
		t.Fatalf("expected circuit open, got %v", err)
	}
	if ai.calls.Load() != calls {
		t.Error("open breaker still invoked the provider")
	}
}

func TestHTTPEngine_Navigate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/down":
			w.WriteHeader(http.StatusServiceUnavailable)
		case "/missing":
			http.NotFound(w, r)
		default:
			w.Write([]byte("<html><head><title> Docs &amp; Guides </title></head><body>hi</body></html>"))
		}
	}))
	defer srv.Close()

	engine := NewHTTPEngine(time.Second)

	res, err := engine.Navigate(context.Background(), srv.URL+"/page")
	if err != nil {
		t.Fatalf("Navigate: %v", err)
	}
	if res.Status != 200 || res.Title != "Docs & Guides" {
		t.Errorf("unexpected result %+v", res)
	}

	_, err = engine.Navigate(context.Background(), srv.URL+"/down")
	if k := resilience.KindOf(err); k != resilience.KindBrowser {
		t.Errorf("503: expected browser kind, got %s", k)
	}

	_, err = engine.Navigate(context.Background(), srv.URL+"/missing")
	if k := resilience.KindOf(err); k != resilience.KindValidation {
		t.Errorf("404: expected validation kind, got %s", k)
	}

	_, err = engine.Navigate(context.Background(), "ftp://example.com")
	if k := resilience.KindOf(err); k != resilience.KindValidation {
		t.Errorf("bad scheme: expected validation kind, got %s", k)
	}

	_, err = engine.Act(context.Background(), Action{Type: "click", Selector: "#go"})
	if k := resilience.KindOf(err); k != resilience.KindValidation {
		t.Errorf("Act: expected validation kind, got %s", k)
	}
}
