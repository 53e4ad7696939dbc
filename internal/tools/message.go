package tools

import (
	"context"
	"strings"
	"sync"

	"github.com/nanobot-ai/nanobot/internal/bus"
)

// MessageTool lets the model send a message to the origin chat mid-turn.
// When it has sent at least one reply during a turn, the orchestrator
// suppresses its default outbound.
type MessageTool struct {
	bus *bus.Bus

	mu        sync.Mutex
	channel   string
	chatID    string
	messageID string
	sentCount int
}

// NewMessageTool creates the message tool.
func NewMessageTool(b *bus.Bus) *MessageTool {
	return &MessageTool{bus: b}
}

func (t *MessageTool) Name() string       { return "message" }
func (t *MessageTool) Capability() string { return "messaging" }
func (t *MessageTool) Description() string {
	return "Send a message to the user on the current chat. Use for progress updates or standalone replies."
}

func (t *MessageTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"content": map[string]any{"type": "string"},
			"media":   map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
		},
		"required": []any{"content"},
	}
}

// SetRoutingContext installs the origin route for the coming turn and
// resets the per-turn sent counter.
func (t *MessageTool) SetRoutingContext(channel, chatID, messageID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.channel = channel
	t.chatID = chatID
	t.messageID = messageID
	t.sentCount = 0
}

// SentThisTurn reports whether a reply was sent since routing was set.
func (t *MessageTool) SentThisTurn() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sentCount > 0
}

func (t *MessageTool) Execute(ctx context.Context, params map[string]any) (*Result, error) {
	content := stringParam(params, "content")
	if strings.TrimSpace(content) == "" {
		return ErrorResult("message", "content must not be empty"), nil
	}
	var media []string
	if raw, ok := params["media"].([]any); ok {
		for _, m := range raw {
			if s, ok := m.(string); ok {
				media = append(media, s)
			}
		}
	}

	t.mu.Lock()
	channel, chatID, messageID := t.channel, t.chatID, t.messageID
	t.mu.Unlock()
	if channel == "" || chatID == "" {
		return ErrorResult("message", "no routing context: message tool is unavailable here"), nil
	}

	err := t.bus.PublishOutbound(ctx, &bus.OutboundMessage{
		Channel: channel,
		ChatID:  chatID,
		Content: content,
		ReplyTo: messageID,
		Media:   media,
	})
	if err != nil {
		return ErrorResult("message", "send failed: "+err.Error()), nil
	}

	t.mu.Lock()
	t.sentCount++
	t.mu.Unlock()

	return &Result{
		Text: "message sent",
		Details: map[string]any{
			"op": "message", "channel": channel, "chat_id": chatID,
			"message_id": messageID, "attachment_count": len(media), "sent": true,
		},
	}, nil
}
