package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/nanobot-ai/nanobot/internal/observability"
)

// ErrorHint is appended to every error result so the model analyzes the
// failure before retrying.
const ErrorHint = "\n\nAnalyze this error before retrying. Do not repeat the same call unchanged."

// truncateAuditAt bounds long string values in audit params.
const truncateAuditAt = 200

// Registry maps tool names to tools, validates parameters against each
// tool's declared schema, wraps failures into structured results, and
// emits audit events.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]Tool
	schemas map[string]*jsonschema.Schema

	logger *observability.Logger
	audit  bool
}

// NewRegistry creates a registry. Audit emission is controlled by the flag.
func NewRegistry(logger *observability.Logger, audit bool) *Registry {
	if logger == nil {
		logger = observability.Discard()
	}
	return &Registry{
		tools:   make(map[string]Tool),
		schemas: make(map[string]*jsonschema.Schema),
		logger:  logger,
		audit:   audit,
	}
}

// Register adds a tool, compiling its parameter schema. A tool with an
// invalid schema is registered without validation.
func (r *Registry) Register(tool Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Name()] = tool
	if raw, err := json.Marshal(tool.Schema()); err == nil {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("schema.json", strings.NewReader(string(raw))); err == nil {
			if schema, err := compiler.Compile("schema.json"); err == nil {
				r.schemas[tool.Name()] = schema
				return
			}
		}
	}
	delete(r.schemas, tool.Name())
}

// Unregister removes a tool by name.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
	delete(r.schemas, name)
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names returns the registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// All returns all registered tools.
func (r *Registry) All() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Execute looks up, validates, and runs a tool. It never returns a nil
// result and never propagates a panic or error past the registry: all
// failure modes come back as an error result with the hint suffix.
func (r *Registry) Execute(ctx context.Context, name string, params map[string]any) *Result {
	r.mu.RLock()
	tool, ok := r.tools[name]
	schema := r.schemas[name]
	r.mu.RUnlock()

	if !ok {
		text := fmt.Sprintf("unknown tool %q; available tools: %s", name, strings.Join(r.Names(), ", "))
		return r.errorResult(name, "", text)
	}

	if params == nil {
		params = map[string]any{}
	}
	if schema != nil {
		if err := schema.Validate(normalizeForValidation(params)); err != nil {
			text := fmt.Sprintf("invalid parameters for %s: %v", name, err)
			return r.errorResult(name, "", text)
		}
	}

	r.emitAudit(ctx, "tool_call_started", name, map[string]any{
		"params": SanitizeParams(params),
	})

	start := time.Now()
	result := r.run(ctx, tool, params)
	duration := time.Since(start)

	observability.ToolCalls.WithLabelValues(name, fmt.Sprintf("%t", result.IsError)).Inc()

	if result.IsError {
		if !strings.HasSuffix(result.Text, ErrorHint) {
			result.Text += ErrorHint
		}
		r.emitAudit(ctx, "tool_call_failed", name, map[string]any{
			"duration_ms":   duration.Milliseconds(),
			"result_length": len(result.Text),
			"detail_op":     result.Op(),
		})
		return result
	}

	r.emitAudit(ctx, "tool_call_completed", name, map[string]any{
		"duration_ms":   duration.Milliseconds(),
		"result_length": len(result.Text),
		"is_error":      result.IsError,
		"detail_op":     result.Op(),
	})
	return result
}

// run invokes the tool, converting panics and errors to error results.
func (r *Registry) run(ctx context.Context, tool Tool, params map[string]any) (result *Result) {
	defer func() {
		if rec := recover(); rec != nil {
			result = ErrorResult(tool.Name(), fmt.Sprintf("tool %s panicked: %v", tool.Name(), rec))
		}
	}()
	res, err := tool.Execute(ctx, params)
	if err != nil {
		return ErrorResult(tool.Name(), fmt.Sprintf("tool %s failed: %s", tool.Name(), err.Error()))
	}
	if res == nil {
		return &Result{Text: "", Details: map[string]any{"op": tool.Name()}}
	}
	if res.Details == nil {
		res.Details = map[string]any{"op": tool.Name()}
	} else if _, ok := res.Details["op"]; !ok {
		res.Details["op"] = tool.Name()
	}
	return res
}

func (r *Registry) errorResult(name, op, text string) *Result {
	res := ErrorResult(name, text+ErrorHint)
	if op != "" {
		res.Details["op"] = op
	}
	r.emitAudit(context.Background(), "tool_call_failed", name, map[string]any{
		"result_length": len(res.Text),
	})
	observability.ToolCalls.WithLabelValues(name, "true").Inc()
	return res
}

func (r *Registry) emitAudit(ctx context.Context, event, tool string, fields map[string]any) {
	if !r.audit {
		return
	}
	args := []any{"event", event, "tool", tool}
	for k, v := range fields {
		args = append(args, k, v)
	}
	r.logger.Info(ctx, "tool audit", args...)
}

// SanitizeParams prepares tool params for audit emission: new_content is
// replaced by its length, and long strings under content-bearing keys are
// truncated.
func SanitizeParams(params map[string]any) map[string]any {
	out := make(map[string]any, len(params))
	for k, v := range params {
		if k == "new_content" {
			if s, ok := v.(string); ok {
				out[k] = fmt.Sprintf("<%d chars>", len(s))
				continue
			}
		}
		switch k {
		case "content", "task", "message", "command":
			if s, ok := v.(string); ok && len(s) > truncateAuditAt {
				out[k] = s[:truncateAuditAt] + "..."
				continue
			}
		}
		out[k] = v
	}
	return out
}

// normalizeForValidation round-trips params through JSON so numeric types
// match what the schema validator expects.
func normalizeForValidation(params map[string]any) any {
	raw, err := json.Marshal(params)
	if err != nil {
		return params
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return params
	}
	return v
}
