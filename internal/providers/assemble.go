package providers

import (
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/nanobot-ai/nanobot/pkg/models"
)

// Assembler merges a chat completion stream into a single response. Text
// deltas concatenate, tool-call deltas merge by index, and usage is taken
// from whichever chunk carries it (the last, with include_usage).
type Assembler struct {
	text      strings.Builder
	reasoning strings.Builder
	calls     []models.ToolCall
	finish    string
	usage     *Usage
}

// NewAssembler creates an empty assembler.
func NewAssembler() *Assembler {
	return &Assembler{}
}

// Add folds one stream chunk in and returns any text delta it carried.
func (a *Assembler) Add(chunk *openai.ChatCompletionStreamResponse) string {
	if chunk == nil {
		return ""
	}
	if chunk.Usage != nil && chunk.Usage.TotalTokens > 0 {
		a.usage = &Usage{
			PromptTokens:     chunk.Usage.PromptTokens,
			CompletionTokens: chunk.Usage.CompletionTokens,
			TotalTokens:      chunk.Usage.TotalTokens,
		}
	}
	if len(chunk.Choices) == 0 {
		return ""
	}
	choice := chunk.Choices[0]
	delta := choice.Delta.Content
	if delta != "" {
		a.text.WriteString(delta)
	}
	if choice.Delta.ReasoningContent != "" {
		a.reasoning.WriteString(choice.Delta.ReasoningContent)
	}
	for _, tc := range choice.Delta.ToolCalls {
		a.mergeToolCall(tc)
	}
	if choice.FinishReason != "" {
		a.finish = string(choice.FinishReason)
	}
	return delta
}

func (a *Assembler) mergeToolCall(tc openai.ToolCall) {
	idx := len(a.calls)
	if tc.Index != nil {
		idx = *tc.Index
	}
	for idx >= len(a.calls) {
		a.calls = append(a.calls, models.ToolCall{Type: "function"})
	}
	cur := &a.calls[idx]
	if tc.ID != "" {
		cur.ID = tc.ID
	}
	if tc.Function.Name != "" {
		cur.Function.Name += tc.Function.Name
	}
	if tc.Function.Arguments != "" {
		cur.Function.Arguments += tc.Function.Arguments
	}
}

// Response returns the assembled response.
func (a *Assembler) Response() *Response {
	finish := normalizeFinish(a.finish, len(a.calls) > 0)
	return &Response{
		Content:          a.text.String(),
		ToolCalls:        append([]models.ToolCall(nil), a.calls...),
		FinishReason:     finish,
		Usage:            a.usage,
		ReasoningContent: a.reasoning.String(),
	}
}
