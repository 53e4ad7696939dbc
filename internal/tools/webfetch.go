package tools

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/nanobot-ai/nanobot/internal/netguard"
)

// Web fetch limits.
const (
	webFetchTimeout  = 30 * time.Second
	maxWebFetchBytes = 512 << 10
	maxRedirects     = 5
)

// WebFetchTool fetches a URL over HTTP(S). Every hop, including each
// redirect target, is validated against the private-network guard.
type WebFetchTool struct {
	client *http.Client
}

// NewWebFetchTool creates the web_fetch tool.
func NewWebFetchTool() *WebFetchTool {
	t := &WebFetchTool{}
	t.client = &http.Client{
		Timeout: webFetchTimeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return fmt.Errorf("stopped after %d redirects", maxRedirects)
			}
			return netguard.ValidateURL(req.URL.String())
		},
	}
	return t
}

func (t *WebFetchTool) Name() string       { return "web_fetch" }
func (t *WebFetchTool) Capability() string { return "web" }
func (t *WebFetchTool) Description() string {
	return "Fetch a public http(s) URL and return the response body as text."
}
func (t *WebFetchTool) RiskNote() string {
	return "Reaches external networks. Private and link-local addresses are refused."
}

func (t *WebFetchTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"url": map[string]any{"type": "string", "description": "Absolute http or https URL."},
		},
		"required": []any{"url"},
	}
}

func (t *WebFetchTool) Execute(ctx context.Context, params map[string]any) (*Result, error) {
	rawURL := strings.TrimSpace(stringParam(params, "url"))
	if rawURL == "" {
		return ErrorResult("web_fetch", "url must not be empty"), nil
	}
	if err := netguard.ValidateURL(rawURL); err != nil {
		return ErrorResult("web_fetch", "blocked: "+err.Error()), nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return ErrorResult("web_fetch", "invalid request: "+err.Error()), nil
	}
	req.Header.Set("User-Agent", "nanobot/1.0")

	resp, err := t.client.Do(req)
	if err != nil {
		return ErrorResult("web_fetch", "fetch failed: "+err.Error()), nil
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxWebFetchBytes+1))
	if err != nil {
		return ErrorResult("web_fetch", "read failed: "+err.Error()), nil
	}
	truncated := len(body) > maxWebFetchBytes
	if truncated {
		body = body[:maxWebFetchBytes]
	}

	text := fmt.Sprintf("HTTP %d %s\n\n%s", resp.StatusCode, resp.Header.Get("Content-Type"), body)
	if truncated {
		text += "\n... (truncated)"
	}
	return &Result{
		Text:    text,
		IsError: resp.StatusCode >= 400,
		Details: map[string]any{"op": "web_fetch", "diff_truncated": truncated},
	}, nil
}
