// Package providers contains the LLM provider contract, the
// OpenAI-compatible client, and the process-wide circuit breaker.
package providers

import (
	"context"

	"github.com/nanobot-ai/nanobot/pkg/models"
)

// Finish reasons surfaced by providers.
const (
	FinishStop      = "stop"
	FinishToolCalls = "tool_calls"
	FinishError     = "error"
	FinishLength    = "length"
)

// ToolDef describes one tool offered to the model.
type ToolDef struct {
	Name        string
	Description string
	// Parameters is a JSON Schema object.
	Parameters map[string]any
}

// Usage reports token accounting when the provider supplies it.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response is the provider reply. A failed call that should not raise is
// reported as FinishReason=error with the error text in Content.
type Response struct {
	Content          string
	ToolCalls        []models.ToolCall
	FinishReason     string
	Usage            *Usage
	ReasoningContent string
}

// HasToolCalls reports whether the model requested tool execution.
func (r *Response) HasToolCalls() bool { return len(r.ToolCalls) > 0 }

// Request is one chat completion request.
type Request struct {
	Messages    []models.Message
	Tools       []ToolDef
	Model       string
	MaxTokens   int
	Temperature float32
}

// StreamEvent is one event of the optional streaming contract.
type StreamEvent struct {
	Type     string // text_delta, done
	Delta    string
	Response *Response
}

// Provider is the synchronous LLM contract. Implementations must return a
// Response with FinishReason=error rather than an error for conditions the
// turn runner should classify from content (auth failures, overflow);
// transport-level failures return an error.
type Provider interface {
	Chat(ctx context.Context, req *Request) (*Response, error)
	Name() string
}

// StreamingProvider is the optional streaming contract.
type StreamingProvider interface {
	Provider
	ChatStream(ctx context.Context, req *Request, emit func(StreamEvent)) (*Response, error)
}
