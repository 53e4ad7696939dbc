// Package tools contains the tool registry and the leaf tools the agent
// can invoke: filesystem, shell, messaging, web fetch, subagents, and cron.
package tools

import (
	"context"
)

// Result is the structured outcome of one tool execution. Details carries
// an "op" key naming the tool operation; only a whitelisted subset of
// Details is ever persisted into session history.
type Result struct {
	Text    string
	Details map[string]any
	IsError bool
}

// Op returns the details op, if any.
func (r *Result) Op() string {
	if r == nil || r.Details == nil {
		return ""
	}
	op, _ := r.Details["op"].(string)
	return op
}

// ErrorResult builds an error result with the given op.
func ErrorResult(op, text string) *Result {
	return &Result{Text: text, IsError: true, Details: map[string]any{"op": op}}
}

// Tool is one callable capability offered to the model.
type Tool interface {
	// Name is the wire name of the tool.
	Name() string
	// Description is the model-facing description.
	Description() string
	// Schema is the JSON Schema object for the tool's parameters.
	Schema() map[string]any
	// Execute runs the tool. A returned error is converted into an error
	// result by the registry; tools may also return Result.IsError directly.
	Execute(ctx context.Context, params map[string]any) (*Result, error)
}

// CapabilityTool groups a tool into the runtime catalog.
type CapabilityTool interface {
	Tool
	// Capability is the catalog group: filesystem, shell, messaging,
	// subagents, web, scheduling.
	Capability() string
}

// RiskyTool carries a risk note shown in the full-mode catalog.
type RiskyTool interface {
	Tool
	RiskNote() string
}

// RoutingAware tools receive the origin channel/chat/message before a turn
// so replies and spawned work can be routed back.
type RoutingAware interface {
	SetRoutingContext(channel, chatID, messageID string)
}
