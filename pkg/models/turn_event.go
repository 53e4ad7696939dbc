package models

// TurnEventNamespace identifies the turn event stream.
const TurnEventNamespace = "nanobot.turn"

// TurnEventVersion is the current schema version of turn events.
const TurnEventVersion = 1

// TurnEventType enumerates the typed events emitted by the turn runner.
type TurnEventType string

const (
	EventTurnStart TurnEventType = "turn_start"
	EventToolStart TurnEventType = "tool_start"
	EventToolEnd   TurnEventType = "tool_end"
	EventTurnEnd   TurnEventType = "turn_end"
)

// TurnCounters carries the retry and completion counters reported on
// turn_end.
type TurnCounters struct {
	Iterations                  int  `json:"iterations"`
	ToolCount                   int  `json:"tool_count"`
	Completed                   bool `json:"completed"`
	MaxIterationsReached        bool `json:"max_iterations_reached"`
	InterruptedForFollowup      bool `json:"interrupted_for_followup"`
	LLMRetryCount               int  `json:"llm_retry_count"`
	LLMExceptionRetryCount      int  `json:"llm_exception_retry_count"`
	LLMErrorFinishRetryCount    int  `json:"llm_error_finish_retry_count"`
	LLMOverflowCompactionRetries int `json:"llm_overflow_compaction_retries"`
	LLMErrorFinishOverflowCount  int `json:"llm_error_finish_overflow_count"`
	LLMErrorFinishRetryableCount int `json:"llm_error_finish_retryable_count"`
	LLMErrorFinishFatalCount     int `json:"llm_error_finish_fatal_count"`
}

// TurnEvent is one record of the typed turn-event stream. Sequence numbers
// are monotonic within a turn starting at 1; TurnID is unique across the
// process lifetime.
type TurnEvent struct {
	Namespace   string        `json:"namespace"`
	Version     int           `json:"version"`
	Type        TurnEventType `json:"type"`
	TurnID      string        `json:"turn_id"`
	Sequence    int           `json:"sequence"`
	TimestampMS int64         `json:"timestamp_ms"`
	Source      string        `json:"source"`

	// tool_start / tool_end
	ToolName   string `json:"tool_name,omitempty"`
	ToolCallID string `json:"tool_call_id,omitempty"`
	IsError    *bool  `json:"is_error,omitempty"`
	HasDetails *bool  `json:"has_details,omitempty"`
	DetailOp   string `json:"detail_op,omitempty"`

	// turn_end
	Counters *TurnCounters `json:"counters,omitempty"`
}

// EventCapability describes one event type in the capabilities manifest.
type EventCapability struct {
	Type string `json:"type"`
	Kind string `json:"kind"`
}

// EventCapabilities is the manifest exposed by the debug endpoint.
type EventCapabilities struct {
	Namespace string            `json:"namespace"`
	Version   int               `json:"version"`
	Events    []EventCapability `json:"events"`
}

// TurnEventCapabilities returns the manifest for the current event schema.
func TurnEventCapabilities() EventCapabilities {
	types := []TurnEventType{EventTurnStart, EventToolStart, EventToolEnd, EventTurnEnd}
	events := make([]EventCapability, 0, len(types))
	for _, t := range types {
		events = append(events, EventCapability{
			Type: string(t),
			Kind: TurnEventNamespace + "." + string(t),
		})
	}
	return EventCapabilities{
		Namespace: TurnEventNamespace,
		Version:   TurnEventVersion,
		Events:    events,
	}
}
