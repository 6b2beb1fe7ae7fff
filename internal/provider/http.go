package provider

import (
	"context"
	"fmt"
	"html"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/aristath/agentcore/internal/resilience"
)

const browserDependency = "browser"

var titlePattern = regexp.MustCompile(`(?is)<title[^>]*>(.*?)</title>`)

// HTTPEngine is a BrowserEngine that fetches pages over plain HTTP. It does
// not run scripts, so only navigation is supported.
type HTTPEngine struct {
	client    *http.Client
	maxBody   int64
	userAgent string
}

// NewHTTPEngine creates an engine whose requests time out after timeout.
func NewHTTPEngine(timeout time.Duration) *HTTPEngine {
	return &HTTPEngine{
		client:    &http.Client{Timeout: timeout},
		maxBody:   2 << 20,
		userAgent: "agentcore/1.0",
	}
}

func (e *HTTPEngine) Navigate(ctx context.Context, rawURL string) (SandboxResult, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return SandboxResult{}, resilience.NewError(resilience.KindValidation, browserDependency,
			fmt.Sprintf("invalid url %q", rawURL))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return SandboxResult{}, resilience.Wrap(resilience.KindValidation, browserDependency, "navigate", err)
	}
	req.Header.Set("User-Agent", e.userAgent)

	start := time.Now()
	resp, err := e.client.Do(req)
	if err != nil {
		return SandboxResult{}, fmt.Errorf("navigate %s: %w", u.Host, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, e.maxBody))
	if err != nil {
		return SandboxResult{}, fmt.Errorf("read %s: %w", u.Host, err)
	}

	result := SandboxResult{
		URL:      resp.Request.URL.String(),
		Status:   resp.StatusCode,
		Content:  string(body),
		Duration: time.Since(start),
	}
	if m := titlePattern.FindSubmatch(body); m != nil {
		result.Title = strings.TrimSpace(html.UnescapeString(string(m[1])))
	}

	switch {
	case resp.StatusCode >= 500, resp.StatusCode == http.StatusTooManyRequests:
		return result, resilience.NewError(resilience.KindBrowser, browserDependency,
			fmt.Sprintf("%s returned %d", u.Host, resp.StatusCode))
	case resp.StatusCode >= 400:
		return result, resilience.NewError(resilience.KindValidation, browserDependency,
			fmt.Sprintf("%s returned %d", u.Host, resp.StatusCode))
	}
	return result, nil
}

func (e *HTTPEngine) Act(ctx context.Context, action Action) (SandboxResult, error) {
	return SandboxResult{}, resilience.NewError(resilience.KindValidation, browserDependency,
		fmt.Sprintf("action %q is not supported by the http engine", action.Type))
}
