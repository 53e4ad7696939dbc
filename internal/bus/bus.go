// Package bus is the thin in-process message bus connecting channel
// adapters to the orchestrator. Inbound delivery is FIFO per consumer.
package bus

import (
	"context"

	"github.com/nanobot-ai/nanobot/pkg/models"
)

// InboundMessage is a message arriving from a channel adapter.
type InboundMessage struct {
	Channel  string         `json:"channel"`
	SenderID string         `json:"sender_id"`
	ChatID   string         `json:"chat_id"`
	Content  string         `json:"content"`
	Media    []string       `json:"media,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// SessionKey returns the canonical session key for this message.
func (m *InboundMessage) SessionKey() string {
	return models.SessionKey(m.Channel, m.ChatID)
}

// OutboundMessage is a reply heading back to a channel adapter.
type OutboundMessage struct {
	Channel  string         `json:"channel"`
	ChatID   string         `json:"chat_id"`
	Content  string         `json:"content"`
	ReplyTo  string         `json:"reply_to,omitempty"`
	Media    []string       `json:"media,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Bus carries inbound and outbound queues as buffered channels.
type Bus struct {
	inbound  chan *InboundMessage
	outbound chan *OutboundMessage
}

// New creates a bus with the given queue capacity per direction.
func New(capacity int) *Bus {
	if capacity <= 0 {
		capacity = 128
	}
	return &Bus{
		inbound:  make(chan *InboundMessage, capacity),
		outbound: make(chan *OutboundMessage, capacity),
	}
}

// PublishInbound enqueues an inbound message, blocking if the queue is full.
func (b *Bus) PublishInbound(ctx context.Context, msg *InboundMessage) error {
	select {
	case b.inbound <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ConsumeInbound dequeues the next inbound message.
func (b *Bus) ConsumeInbound(ctx context.Context) (*InboundMessage, error) {
	select {
	case msg := <-b.inbound:
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// PublishOutbound enqueues an outbound message.
func (b *Bus) PublishOutbound(ctx context.Context, msg *OutboundMessage) error {
	select {
	case b.outbound <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ConsumeOutbound dequeues the next outbound message.
func (b *Bus) ConsumeOutbound(ctx context.Context) (*OutboundMessage, error) {
	select {
	case msg := <-b.outbound:
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// InboundDepth reports the current inbound queue depth.
func (b *Bus) InboundDepth() int { return len(b.inbound) }

// OutboundDepth reports the current outbound queue depth.
func (b *Bus) OutboundDepth() int { return len(b.outbound) }
