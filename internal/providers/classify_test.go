package providers

import "testing"

func TestClassifyErrorText(t *testing.T) {
	tests := []struct {
		name      string
		text      string
		fatal     bool
		retryable bool
		overflow  bool
	}{
		{name: "invalid api key", text: "Error: Invalid API key provided", fatal: true},
		{name: "unauthorized", text: "401 Unauthorized", fatal: true},
		{name: "authentication failed", text: "Authentication failed for request", fatal: true},
		{name: "account deactivated", text: "This account deactivated on 2026-01-01", fatal: true},
		{name: "rate limit", text: "Rate limit reached for requests", retryable: true},
		{name: "too many requests", text: "429 Too Many Requests", retryable: true},
		{name: "overloaded", text: "The server is currently overloaded", retryable: true},
		{name: "timeout", text: "upstream request timeout", retryable: true},
		{name: "bad gateway", text: "502 Bad Gateway", retryable: true},
		{name: "connection reset", text: "read tcp: connection reset by peer", retryable: true},
		{name: "fatal beats retryable", text: "unauthorized: please try again later", fatal: true},
		{
			name:     "maximum context length",
			text:     "This model's maximum context length is 128000 tokens",
			overflow: true,
		},
		{name: "overflow error code", text: "error code: context_length_exceeded", overflow: true},
		{name: "input tokens exceed", text: "input tokens exceeds the limit", overflow: true},
		{name: "plain refusal", text: "I cannot help with that"},
		{name: "empty", text: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsFatalError(tt.text); got != tt.fatal {
				t.Errorf("IsFatalError(%q) = %v, want %v", tt.text, got, tt.fatal)
			}
			if got := IsRetryableError(tt.text); got != tt.retryable {
				t.Errorf("IsRetryableError(%q) = %v, want %v", tt.text, got, tt.retryable)
			}
			if got := IsContextOverflow(tt.text); got != tt.overflow {
				t.Errorf("IsContextOverflow(%q) = %v, want %v", tt.text, got, tt.overflow)
			}
		})
	}
}

func TestAddRetryablePattern(t *testing.T) {
	text := "vendor-specific transient glitch"
	if IsRetryableError(text) {
		t.Fatal("pattern matched before registration")
	}
	AddRetryablePattern("Transient Glitch")
	if !IsRetryableError(text) {
		t.Fatal("registered pattern not matched")
	}
	// Blank patterns are ignored rather than matching everything.
	AddRetryablePattern("   ")
	if IsRetryableError("a perfectly fine response") {
		t.Fatal("blank pattern matched arbitrary text")
	}
}
