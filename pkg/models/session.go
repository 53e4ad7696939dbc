package models

import "time"

// Session is all turns sharing a channel:chat_id key. Messages are
// append-only; LastConsolidated marks the prefix already summarized into
// long-term memory.
type Session struct {
	Key              string         `json:"key"`
	Messages         []Message      `json:"messages"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
	Metadata         map[string]any `json:"metadata,omitempty"`
	LastConsolidated int            `json:"last_consolidated"`
}

// NewSession creates an empty session for the given key.
func NewSession(key string) *Session {
	now := time.Now()
	return &Session{
		Key:       key,
		Messages:  []Message{},
		CreatedAt: now,
		UpdatedAt: now,
		Metadata:  map[string]any{},
	}
}

// Append adds messages and bumps the update time.
func (s *Session) Append(msgs ...Message) {
	s.Messages = append(s.Messages, msgs...)
	s.UpdatedAt = time.Now()
}

// Clear drops all messages and resets consolidation progress.
func (s *Session) Clear() {
	s.Messages = []Message{}
	s.LastConsolidated = 0
	s.UpdatedAt = time.Now()
}

// SessionKey builds the canonical "<channel>:<chat_id>" key.
func SessionKey(channel, chatID string) string {
	return channel + ":" + chatID
}
