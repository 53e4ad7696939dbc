package providers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/nanobot-ai/nanobot/pkg/models"
)

// wrapperTimeoutSlack is added on top of the request timeout as a hard
// upper bound on any single provider call.
const wrapperTimeoutSlack = 30 * time.Second

// BreakerOpenContent is the error response content while the breaker is open.
const BreakerOpenContent = "Error calling LLM: circuit breaker open, provider temporarily unavailable"

// OpenAIClient talks to any OpenAI-compatible endpoint.
type OpenAIClient struct {
	client         *openai.Client
	name           string
	requestTimeout time.Duration
	breaker        *Breaker
}

// OpenAIOptions configures the client.
type OpenAIOptions struct {
	APIKey          string
	BaseURL         string
	RequestTimeout  time.Duration
	BreakerFailures int
	BreakerCooldown time.Duration
}

// NewOpenAIClient creates a client for an OpenAI-compatible endpoint.
func NewOpenAIClient(opts OpenAIOptions) *OpenAIClient {
	cfg := openai.DefaultConfig(opts.APIKey)
	if opts.BaseURL != "" {
		cfg.BaseURL = opts.BaseURL
	}
	timeout := opts.RequestTimeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &OpenAIClient{
		client:         openai.NewClientWithConfig(cfg),
		name:           "openai",
		requestTimeout: timeout,
		breaker:        NewBreaker(opts.BreakerFailures, opts.BreakerCooldown),
	}
}

// Name returns the provider name.
func (c *OpenAIClient) Name() string { return c.name }

// Breaker exposes the circuit breaker for health reporting.
func (c *OpenAIClient) Breaker() *Breaker { return c.breaker }

// Chat performs one completion request. API-level failures come back as a
// FinishReason=error response so callers classify from content; transport
// failures return an error.
func (c *OpenAIClient) Chat(ctx context.Context, req *Request) (*Response, error) {
	if !c.breaker.Allow() {
		return &Response{FinishReason: FinishError, Content: BreakerOpenContent}, nil
	}
	callCtx, cancel := context.WithTimeout(ctx, c.requestTimeout+wrapperTimeoutSlack)
	defer cancel()

	resp, err := c.client.CreateChatCompletion(callCtx, c.buildRequest(req, false))
	if err != nil {
		c.breaker.Failure()
		var apiErr *openai.APIError
		if errors.As(err, &apiErr) {
			return &Response{
				FinishReason: FinishError,
				Content:      fmt.Sprintf("Error calling LLM: %s", apiErr.Message),
			}, nil
		}
		return nil, fmt.Errorf("chat completion: %w", err)
	}
	c.breaker.Success()

	if len(resp.Choices) == 0 {
		return &Response{FinishReason: FinishError, Content: "Error calling LLM: empty response"}, nil
	}
	choice := resp.Choices[0]
	out := &Response{
		Content:          choice.Message.Content,
		ToolCalls:        fromOpenAIToolCalls(choice.Message.ToolCalls),
		FinishReason:     normalizeFinish(string(choice.FinishReason), len(choice.Message.ToolCalls) > 0),
		ReasoningContent: choice.Message.ReasoningContent,
	}
	if resp.Usage.TotalTokens > 0 {
		out.Usage = &Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		}
	}
	return out, nil
}

// ChatStream streams a completion, emitting text_delta events, and returns
// the assembled response.
func (c *OpenAIClient) ChatStream(ctx context.Context, req *Request, emit func(StreamEvent)) (*Response, error) {
	if !c.breaker.Allow() {
		return &Response{FinishReason: FinishError, Content: BreakerOpenContent}, nil
	}
	callCtx, cancel := context.WithTimeout(ctx, c.requestTimeout+wrapperTimeoutSlack)
	defer cancel()

	stream, err := c.client.CreateChatCompletionStream(callCtx, c.buildRequest(req, true))
	if err != nil {
		c.breaker.Failure()
		var apiErr *openai.APIError
		if errors.As(err, &apiErr) {
			return &Response{
				FinishReason: FinishError,
				Content:      fmt.Sprintf("Error calling LLM: %s", apiErr.Message),
			}, nil
		}
		return nil, fmt.Errorf("chat completion stream: %w", err)
	}
	defer stream.Close()

	asm := NewAssembler()
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			c.breaker.Failure()
			return nil, fmt.Errorf("stream recv: %w", err)
		}
		if delta := asm.Add(&chunk); delta != "" && emit != nil {
			emit(StreamEvent{Type: "text_delta", Delta: delta})
		}
	}
	c.breaker.Success()
	resp := asm.Response()
	if emit != nil {
		emit(StreamEvent{Type: "done", Response: resp})
	}
	return resp, nil
}

func (c *OpenAIClient) buildRequest(req *Request, stream bool) openai.ChatCompletionRequest {
	out := openai.ChatCompletionRequest{
		Model:       req.Model,
		Messages:    toOpenAIMessages(req.Messages),
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
	for _, t := range req.Tools {
		out.Tools = append(out.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}
	if stream {
		out.Stream = true
		out.StreamOptions = &openai.StreamOptions{IncludeUsage: true}
	}
	return out
}

func toOpenAIMessages(msgs []models.Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(msgs))
	for i := range msgs {
		m := &msgs[i]
		om := openai.ChatCompletionMessage{
			Role:       string(m.Role),
			ToolCallID: m.ToolCallID,
			Name:       m.Name,
		}
		if m.Content.IsParts() {
			for _, p := range m.Content.Parts {
				part := openai.ChatMessagePart{Type: openai.ChatMessagePartType(p.Type)}
				if p.Type == "image_url" && p.ImageURL != nil {
					part.ImageURL = &openai.ChatMessageImageURL{URL: p.ImageURL.URL}
				} else {
					part.Text = p.Text
				}
				om.MultiContent = append(om.MultiContent, part)
			}
		} else {
			om.Content = m.Content.Text
		}
		for _, tc := range m.ToolCalls {
			om.ToolCalls = append(om.ToolCalls, openai.ToolCall{
				ID:   tc.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      tc.Function.Name,
					Arguments: tc.Function.Arguments,
				},
			})
		}
		out = append(out, om)
	}
	return out
}

func fromOpenAIToolCalls(calls []openai.ToolCall) []models.ToolCall {
	if len(calls) == 0 {
		return nil
	}
	out := make([]models.ToolCall, 0, len(calls))
	for _, tc := range calls {
		out = append(out, models.ToolCall{
			ID:   tc.ID,
			Type: "function",
			Function: models.FunctionCall{
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
			},
		})
	}
	return out
}

func normalizeFinish(reason string, hasToolCalls bool) string {
	switch reason {
	case "stop", "":
		if hasToolCalls {
			return FinishToolCalls
		}
		return FinishStop
	case "tool_calls", "function_call":
		return FinishToolCalls
	case "length", "max_tokens":
		return FinishLength
	default:
		return reason
	}
}
