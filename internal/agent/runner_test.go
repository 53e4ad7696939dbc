package agent

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nanobot-ai/nanobot/internal/backoff"
	"github.com/nanobot-ai/nanobot/internal/providers"
	"github.com/nanobot-ai/nanobot/internal/tools"
	"github.com/nanobot-ai/nanobot/pkg/models"
)

// step is one scripted provider reply.
type step struct {
	resp *providers.Response
	err  error
}

// scriptProvider replays steps in order; past the script it repeats the
// last step.
type scriptProvider struct {
	mu    sync.Mutex
	steps []step
	calls int
}

func (p *scriptProvider) Name() string { return "script" }

func (p *scriptProvider) Chat(_ context.Context, _ *providers.Request) (*providers.Response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	i := p.calls
	if i >= len(p.steps) {
		i = len(p.steps) - 1
	}
	p.calls++
	return p.steps[i].resp, p.steps[i].err
}

func text(s string) step {
	return step{resp: &providers.Response{FinishReason: providers.FinishStop, Content: s}}
}

func errFinish(s string) step {
	return step{resp: &providers.Response{FinishReason: providers.FinishError, Content: s}}
}

func toolCall(id, name, args string) step {
	return step{resp: &providers.Response{
		FinishReason: providers.FinishToolCalls,
		ToolCalls: []models.ToolCall{{
			ID: id, Type: "function",
			Function: models.FunctionCall{Name: name, Arguments: args},
		}},
	}}
}

// execStub mimics a shell tool: echoes the command and reports details,
// including one key that must never be persisted.
type execStub struct{}

func (execStub) Name() string        { return "exec" }
func (execStub) Description() string { return "run a command" }
func (execStub) Schema() map[string]any {
	return map[string]any{
		"type":       "object",
		"properties": map[string]any{"command": map[string]any{"type": "string"}},
		"required":   []any{"command"},
	}
}
func (execStub) Execute(_ context.Context, params map[string]any) (*tools.Result, error) {
	cmd, _ := params["command"].(string)
	return &tools.Result{
		Text: "ran: " + cmd,
		Details: map[string]any{
			"op": "exec", "exit_code": 0,
			"stdout_bytes": 512, // not whitelisted
		},
	}, nil
}

func newTestRunner(p providers.Provider, guard GuardFunc) *Runner {
	reg := tools.NewRegistry(nil, false)
	reg.Register(execStub{})
	r := New(p, reg, guard, nil, Options{MaxIterations: 5, MaxRetries: 3, Model: "test"})
	r.policy = backoff.Policy{Initial: time.Millisecond, Max: time.Millisecond, Factor: 1}
	return r
}

func seed() []models.Message {
	return []models.Message{
		{Role: models.RoleSystem, Content: models.TextContent("you are a test bot")},
		models.UserMessage("list the files"),
	}
}

func TestRunToolRoundTripEventSequence(t *testing.T) {
	p := &scriptProvider{steps: []step{
		toolCall("call_1", "exec", `{"command":"ls"}`),
		text("done, two files"),
	}}
	var events []models.TurnEvent
	res, err := newTestRunner(p, nil).Run(context.Background(), seed(), 1, nil, func(ev models.TurnEvent) {
		events = append(events, ev)
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.FinalContent != "done, two files" {
		t.Fatalf("final = %q", res.FinalContent)
	}

	types := make([]models.TurnEventType, 0, len(events))
	for i, ev := range events {
		types = append(types, ev.Type)
		if ev.Sequence != i+1 {
			t.Fatalf("event %d sequence = %d", i, ev.Sequence)
		}
		if ev.Namespace != models.TurnEventNamespace || ev.Version != models.TurnEventVersion {
			t.Fatalf("event %d envelope = %s/%d", i, ev.Namespace, ev.Version)
		}
		if ev.TurnID != res.TurnID {
			t.Fatalf("event %d turn id mismatch", i)
		}
	}
	want := []models.TurnEventType{
		models.EventTurnStart, models.EventToolStart, models.EventToolEnd, models.EventTurnEnd,
	}
	if len(types) != len(want) {
		t.Fatalf("types = %v", types)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("types = %v, want %v", types, want)
		}
	}

	toolEnd := events[2]
	if toolEnd.ToolName != "exec" || toolEnd.ToolCallID != "call_1" {
		t.Fatalf("tool_end = %+v", toolEnd)
	}
	if toolEnd.IsError == nil || *toolEnd.IsError {
		t.Fatal("tool_end is_error")
	}
	if toolEnd.DetailOp != "exec" {
		t.Fatalf("detail_op = %q", toolEnd.DetailOp)
	}

	end := events[3]
	if end.Counters == nil {
		t.Fatal("turn_end has no counters")
	}
	if end.Counters.Iterations != 2 || end.Counters.ToolCount != 1 || !end.Counters.Completed {
		t.Fatalf("counters = %+v", end.Counters)
	}
}

func TestRunPersistsWhitelistedDetailsOnly(t *testing.T) {
	p := &scriptProvider{steps: []step{
		toolCall("call_1", "exec", `{"command":"ls"}`),
		text("ok"),
	}}
	res, err := newTestRunner(p, nil).Run(context.Background(), seed(), 1, nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	var toolMsg *models.Message
	for i := range res.Messages {
		if res.Messages[i].Role == models.RoleTool {
			toolMsg = &res.Messages[i]
		}
	}
	if toolMsg == nil || toolMsg.ToolDetails == nil {
		t.Fatal("tool message details missing")
	}
	d := toolMsg.ToolDetails
	if d.SchemaVersion != 1 || d.Tool != "exec" {
		t.Fatalf("details envelope = %+v", d)
	}
	if _, ok := d.Data["exit_code"]; !ok {
		t.Fatal("whitelisted key dropped")
	}
	if _, ok := d.Data["stdout_bytes"]; ok {
		t.Fatal("non-whitelisted key persisted")
	}
}

func TestRunFatalErrorFinishNoRetry(t *testing.T) {
	p := &scriptProvider{steps: []step{
		errFinish("Error calling LLM: Authentication failed: invalid api key"),
	}}
	res, err := newTestRunner(p, nil).Run(context.Background(), seed(), 1, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if p.calls != 1 {
		t.Fatalf("calls = %d, want 1", p.calls)
	}
	if !strings.Contains(res.FinalContent, "Authentication failed") {
		t.Fatalf("final = %q", res.FinalContent)
	}
	if res.Counters.LLMRetryCount != 0 || res.Counters.LLMErrorFinishFatalCount != 1 {
		t.Fatalf("counters = %+v", res.Counters)
	}
}

func TestRunRetryableErrorFinishRetries(t *testing.T) {
	p := &scriptProvider{steps: []step{
		errFinish("Error calling LLM: rate limit exceeded, try again later"),
		text("recovered"),
	}}
	res, err := newTestRunner(p, nil).Run(context.Background(), seed(), 1, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.FinalContent != "recovered" {
		t.Fatalf("final = %q", res.FinalContent)
	}
	if res.Counters.LLMErrorFinishRetryableCount != 1 || res.Counters.LLMRetryCount != 1 {
		t.Fatalf("counters = %+v", res.Counters)
	}
	if res.Counters.Iterations != 1 {
		t.Fatalf("iterations = %d, retries must not consume iterations", res.Counters.Iterations)
	}
}

func TestRunOverflowTriggersAggressiveCompactionOnce(t *testing.T) {
	p := &scriptProvider{steps: []step{
		errFinish("Error calling LLM: This model's maximum context length is 8192 tokens"),
		text("fits now"),
	}}
	var aggressiveCalls int
	guard := func(msgs []models.Message, turnStart int, aggressive bool) ([]models.Message, int) {
		if aggressive {
			aggressiveCalls++
		}
		return msgs, turnStart
	}
	res, err := newTestRunner(p, guard).Run(context.Background(), seed(), 1, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.FinalContent != "fits now" {
		t.Fatalf("final = %q", res.FinalContent)
	}
	if aggressiveCalls != 1 {
		t.Fatalf("aggressive compactions = %d", aggressiveCalls)
	}
	if res.Counters.LLMOverflowCompactionRetries != 1 || res.Counters.LLMErrorFinishOverflowCount != 1 {
		t.Fatalf("counters = %+v", res.Counters)
	}
}

func TestRunSecondOverflowIsFinal(t *testing.T) {
	overflow := "Error calling LLM: maximum context length exceeded"
	p := &scriptProvider{steps: []step{errFinish(overflow), errFinish(overflow)}}
	guard := func(msgs []models.Message, turnStart int, aggressive bool) ([]models.Message, int) {
		return msgs, turnStart
	}
	res, err := newTestRunner(p, guard).Run(context.Background(), seed(), 1, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if p.calls != 2 {
		t.Fatalf("calls = %d, want 2", p.calls)
	}
	if res.FinalContent != overflow {
		t.Fatalf("final = %q", res.FinalContent)
	}
}

func TestRunExceptionRetrySucceeds(t *testing.T) {
	p := &scriptProvider{steps: []step{
		{err: errors.New("connection reset by peer")},
		text("back up"),
	}}
	res, err := newTestRunner(p, nil).Run(context.Background(), seed(), 1, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.FinalContent != "back up" {
		t.Fatalf("final = %q", res.FinalContent)
	}
	if res.Counters.LLMExceptionRetryCount != 1 {
		t.Fatalf("counters = %+v", res.Counters)
	}
}

func TestRunFatalExceptionReturnsError(t *testing.T) {
	p := &scriptProvider{steps: []step{
		{err: errors.New("401 unauthorized")},
	}}
	_, err := newTestRunner(p, nil).Run(context.Background(), seed(), 1, nil, nil)
	if err == nil {
		t.Fatal("fatal exception not surfaced")
	}
	if p.calls != 1 {
		t.Fatalf("calls = %d, want no retries", p.calls)
	}
}

func TestRunSteeringInterruptNamesFollowup(t *testing.T) {
	p := &scriptProvider{steps: []step{
		toolCall("call_1", "exec", `{"command":"sleep"}`),
		text("should never be reached"),
	}}
	steering := func() SteeringDecision {
		return SteeringDecision{Interrupt: true, PendingFollowupCount: 1, NextFollowupPreview: "second"}
	}
	res, err := newTestRunner(p, nil).Run(context.Background(), seed(), 1, steering, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Counters.InterruptedForFollowup {
		t.Fatal("interrupt flag not set")
	}
	if !strings.Contains(res.FinalContent, "paused this task") || !strings.Contains(res.FinalContent, "second") {
		t.Fatalf("final = %q", res.FinalContent)
	}
	if p.calls != 1 {
		t.Fatalf("calls = %d, turn continued past interrupt", p.calls)
	}
	// The executed tool result stays in history for the resumed task.
	last := res.Messages[len(res.Messages)-2]
	if last.Role != models.RoleTool {
		t.Fatalf("tool result not persisted before interrupt, last-1 = %+v", last)
	}
}

func TestRunSteeringConsultedOncePerToolBoundary(t *testing.T) {
	p := &scriptProvider{steps: []step{
		toolCall("call_1", "exec", `{"command":"sleep"}`),
	}}
	var consults int
	steering := func() SteeringDecision {
		consults++
		return SteeringDecision{Interrupt: true, PendingFollowupCount: 1, NextFollowupPreview: "second"}
	}
	res, err := newTestRunner(p, nil).Run(context.Background(), seed(), 1, steering, nil)
	if err != nil {
		t.Fatal(err)
	}
	if consults != 1 {
		t.Fatalf("steering consulted %d times for one tool call", consults)
	}
	// The pause message is built from the decision that interrupted.
	if !strings.Contains(res.FinalContent, "second") {
		t.Fatalf("final = %q", res.FinalContent)
	}
}

func TestRunMaxIterations(t *testing.T) {
	p := &scriptProvider{steps: []step{
		toolCall("call_1", "exec", `{"command":"loop"}`),
	}}
	res, err := newTestRunner(p, nil).Run(context.Background(), seed(), 1, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Counters.MaxIterationsReached || res.Counters.Completed {
		t.Fatalf("counters = %+v", res.Counters)
	}
	if !strings.Contains(res.FinalContent, "maximum number of tool call iterations") {
		t.Fatalf("final = %q", res.FinalContent)
	}
	if res.Counters.Iterations != 5 {
		t.Fatalf("iterations = %d", res.Counters.Iterations)
	}
}

func TestRunStripsThinkBlocks(t *testing.T) {
	p := &scriptProvider{steps: []step{
		text("<think>internal deliberation</think>\nThe answer is 42."),
	}}
	res, err := newTestRunner(p, nil).Run(context.Background(), seed(), 1, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.FinalContent != "The answer is 42." {
		t.Fatalf("final = %q", res.FinalContent)
	}
	// The unstripped content remains in the message history.
	last := res.Messages[len(res.Messages)-1]
	if !strings.Contains(last.ContentText(), "<think>") {
		t.Fatal("history lost the raw content")
	}
}

func TestRunMalformedToolArgsFeedValidationError(t *testing.T) {
	p := &scriptProvider{steps: []step{
		toolCall("call_1", "exec", `{not json`),
		text("I'll fix the call"),
	}}
	res, err := newTestRunner(p, nil).Run(context.Background(), seed(), 1, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	var toolMsg *models.Message
	for i := range res.Messages {
		if res.Messages[i].Role == models.RoleTool {
			toolMsg = &res.Messages[i]
		}
	}
	if toolMsg == nil {
		t.Fatal("no tool result for malformed args")
	}
	if !strings.Contains(toolMsg.ContentText(), "invalid parameters") {
		t.Fatalf("tool result = %q", toolMsg.ContentText())
	}
}
