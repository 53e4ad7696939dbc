// Package tokens estimates token counts for prompt budgeting. When a BPE
// encoder is available it is used; otherwise a chars/4 heuristic applies.
package tokens

import (
	"encoding/json"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/nanobot-ai/nanobot/pkg/models"
)

// Counter estimates tokens for strings and messages.
type Counter struct {
	once sync.Once
	enc  *tiktoken.Tiktoken
}

var (
	defaultOnce    sync.Once
	defaultCounter *Counter
)

// Default returns the process-wide counter.
func Default() *Counter {
	defaultOnce.Do(func() { defaultCounter = &Counter{} })
	return defaultCounter
}

func (c *Counter) encoder() *tiktoken.Tiktoken {
	c.once.Do(func() {
		// Encoding lookup hits the embedded registry only; a failure here
		// means the heuristic fallback is used for the process lifetime.
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			c.enc = enc
		}
	})
	return c.enc
}

// Count estimates tokens for a string. Non-empty strings count at least 1.
func (c *Counter) Count(text string) int {
	if text == "" {
		return 0
	}
	if enc := c.encoder(); enc != nil {
		if n := len(enc.Encode(text, nil, nil)); n > 0 {
			return n
		}
	}
	n := len(text) / 4
	if n < 1 {
		n = 1
	}
	return n
}

// CountMessage estimates tokens for a full message: content text, tool call
// id, name, and every tool call's id/type/function name plus serialized
// arguments. Image parts are estimated by URL length.
func (c *Counter) CountMessage(m *models.Message) int {
	if m == nil {
		return 0
	}
	total := 0
	if m.Content.IsParts() {
		for _, p := range m.Content.Parts {
			switch p.Type {
			case "image_url":
				if p.ImageURL != nil {
					total += len(p.ImageURL.URL) / 4
				}
			default:
				total += c.Count(p.Text)
			}
		}
	} else {
		total += c.Count(m.Content.Text)
	}
	total += c.Count(m.ToolCallID)
	total += c.Count(m.Name)
	for _, tc := range m.ToolCalls {
		total += c.Count(tc.ID)
		total += c.Count(tc.Type)
		total += c.Count(tc.Function.Name)
		args := tc.Function.Arguments
		if args == "" {
			args = "{}"
		} else if b, err := json.Marshal(json.RawMessage(args)); err == nil {
			args = string(b)
		}
		total += c.Count(args)
	}
	return total
}

// CountMessages sums CountMessage over a slice.
func (c *Counter) CountMessages(msgs []models.Message) int {
	total := 0
	for i := range msgs {
		total += c.CountMessage(&msgs[i])
	}
	return total
}
