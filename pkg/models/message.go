package models

import (
	"encoding/json"
	"time"
)

// Role indicates the message author type.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ContentPart is a typed block inside a multi-part message content.
type ContentPart struct {
	Type     string    `json:"type"` // text, image_url
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

// ImageURL carries an image reference, either a remote URL or a data URI.
type ImageURL struct {
	URL string `json:"url"`
}

// Content is either a plain string or an ordered list of typed parts.
// A nil Parts slice means plain text.
type Content struct {
	Text  string
	Parts []ContentPart
}

// IsParts reports whether the content is a block list.
func (c Content) IsParts() bool { return c.Parts != nil }

// MarshalJSON encodes plain text as a JSON string and part lists as an array.
func (c Content) MarshalJSON() ([]byte, error) {
	if c.Parts != nil {
		return json.Marshal(c.Parts)
	}
	return json.Marshal(c.Text)
}

// UnmarshalJSON accepts a string, an array of parts, or null.
func (c *Content) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		c.Text = s
		c.Parts = nil
		return nil
	}
	var parts []ContentPart
	if err := json.Unmarshal(data, &parts); err == nil {
		c.Parts = parts
		c.Text = ""
		return nil
	}
	// null or unknown shape: treat as empty text
	c.Text = ""
	c.Parts = nil
	return nil
}

// TextContent returns a plain-text Content.
func TextContent(s string) Content { return Content{Text: s} }

// ToolCall is an LLM request to execute a tool, OpenAI wire shape.
// Arguments travel as a JSON string and are parsed leniently.
type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

// FunctionCall names the tool and carries its serialized arguments.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolDetails is the compact, whitelisted tool metadata persisted into
// session history. It is never sent back to the LLM.
type ToolDetails struct {
	SchemaVersion int            `json:"schema_version"`
	Tool          string         `json:"tool"`
	Data          map[string]any `json:"data"`
}

// Message is the role-tagged conversation record shared by the session
// store, the context builder, and the provider wire layer.
type Message struct {
	Role             Role         `json:"role"`
	Content          Content      `json:"content"`
	ToolCalls        []ToolCall   `json:"tool_calls,omitempty"`
	ToolCallID       string       `json:"tool_call_id,omitempty"`
	Name             string       `json:"name,omitempty"`
	Timestamp        string       `json:"timestamp,omitempty"`
	ReasoningContent string       `json:"reasoning_content,omitempty"`
	ToolDetails      *ToolDetails `json:"_tool_details,omitempty"`
}

// IsToolProtocol reports whether the message participates in the tool-call
// protocol. Such messages must never be merged, deduped, or reordered.
func (m *Message) IsToolProtocol() bool {
	return m.Role == RoleTool || len(m.ToolCalls) > 0 || m.ToolCallID != ""
}

// PlainText returns the message text and whether the message is a plain
// text message (no parts, not tool protocol).
func (m *Message) PlainText() (string, bool) {
	if m.IsToolProtocol() || m.Content.IsParts() {
		return "", false
	}
	return m.Content.Text, true
}

// ContentText flattens the content to text, joining text parts.
func (m *Message) ContentText() string {
	if !m.Content.IsParts() {
		return m.Content.Text
	}
	out := ""
	for _, p := range m.Content.Parts {
		if p.Type == "text" {
			out += p.Text
		}
	}
	return out
}

// UserMessage builds a plain user message stamped with the current time.
func UserMessage(text string) Message {
	return Message{
		Role:      RoleUser,
		Content:   TextContent(text),
		Timestamp: time.Now().Format(time.RFC3339),
	}
}

// AssistantMessage builds a plain assistant message.
func AssistantMessage(text string) Message {
	return Message{
		Role:      RoleAssistant,
		Content:   TextContent(text),
		Timestamp: time.Now().Format(time.RFC3339),
	}
}
