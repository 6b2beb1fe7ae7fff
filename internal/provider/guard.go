package provider

import (
	"context"

	"github.com/aristath/agentcore/internal/resilience"
)

type guardedAI struct {
	next       AIProvider
	handler    *resilience.Handler
	dependency string
}

// Guard routes every call to ai through the error handler's breaker and
// retry loop, under dependency. Unclassified failures count as AI service
// errors.
func Guard(ai AIProvider, h *resilience.Handler, dependency string) AIProvider {
	h.Classifier().SetDependencyKind(dependency, resilience.KindAIService)
	return &guardedAI{next: ai, handler: h, dependency: dependency}
}

func (g *guardedAI) Generate(ctx context.Context, opts GenerateOptions) (AIResponse, error) {
	return resilience.Do(ctx, g.handler, g.dependency, func(ctx context.Context) (AIResponse, error) {
		return g.next.Generate(ctx, opts)
	})
}

func (g *guardedAI) Chat(ctx context.Context, messages []Message, opts ChatOptions) (AIResponse, error) {
	return resilience.Do(ctx, g.handler, g.dependency, func(ctx context.Context) (AIResponse, error) {
		return g.next.Chat(ctx, messages, opts)
	})
}

type guardedBrowser struct {
	next       BrowserEngine
	handler    *resilience.Handler
	dependency string
}

// GuardBrowser is Guard for browser engines. Unclassified failures count as
// browser errors.
func GuardBrowser(b BrowserEngine, h *resilience.Handler, dependency string) BrowserEngine {
	h.Classifier().SetDependencyKind(dependency, resilience.KindBrowser)
	return &guardedBrowser{next: b, handler: h, dependency: dependency}
}

func (g *guardedBrowser) Navigate(ctx context.Context, url string) (SandboxResult, error) {
	return resilience.Do(ctx, g.handler, g.dependency, func(ctx context.Context) (SandboxResult, error) {
		return g.next.Navigate(ctx, url)
	})
}

func (g *guardedBrowser) Act(ctx context.Context, action Action) (SandboxResult, error) {
	return resilience.Do(ctx, g.handler, g.dependency, func(ctx context.Context) (SandboxResult, error) {
		return g.next.Act(ctx, action)
	})
}
