// Package agent drives the LLM↔tool loop for one turn: provider calls with
// retry and overflow compaction, tool execution through the registry,
// cooperative steering at tool boundaries, and the typed turn-event stream.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nanobot-ai/nanobot/internal/backoff"
	"github.com/nanobot-ai/nanobot/internal/observability"
	"github.com/nanobot-ai/nanobot/internal/providers"
	"github.com/nanobot-ai/nanobot/internal/tools"
	"github.com/nanobot-ai/nanobot/pkg/models"
)

// maxIterationsMessage is the fixed final content when the loop budget runs
// out before the model stops calling tools.
const maxIterationsMessage = "I reached the maximum number of tool call iterations without finishing. Please try breaking the task into smaller steps."

// detailsWhitelist lists the tool-detail keys persisted into session
// history; everything else is dropped before persistence.
var detailsWhitelist = map[string]bool{
	"op": true, "path": true, "requested_path": true,
	"first_changed_line": true, "replacement_count": true, "diff_truncated": true,
	"channel": true, "chat_id": true, "message_id": true, "attachment_count": true,
	"sent": true, "accepted": true, "origin_channel": true, "origin_chat_id": true,
	"label": true, "task_len": true, "blocked": true, "timed_out": true,
	"exit_code": true,
}

var thinkBlockRe = regexp.MustCompile(`(?s)<think>.*?</think>`)

// SteeringDecision is the orchestrator's answer to "should this turn yield
// to a pending follow-up now?". It is consulted after every tool call.
type SteeringDecision struct {
	Interrupt            bool
	PendingFollowupCount int
	NextFollowupPreview  string
}

// SteeringFunc is the cooperative steering callback.
type SteeringFunc func() SteeringDecision

// EmitFunc receives turn events in strictly ascending sequence order.
type EmitFunc func(models.TurnEvent)

// GuardFunc re-compacts mid-turn messages to fit the context budget while
// preserving the system prefix and the current turn suffix. aggressive
// requests a forced deep compaction after a context overflow.
type GuardFunc func(msgs []models.Message, turnStart int, aggressive bool) ([]models.Message, int)

// Options configures a Runner.
type Options struct {
	MaxIterations int
	// MaxRetries bounds provider exception retries and retryable error
	// finishes per turn.
	MaxRetries  int
	Model       string
	MaxTokens   int
	Temperature float32
	// Source tags emitted events, e.g. "agent" or "subagent".
	Source string
}

// Result is the outcome of one turn.
type Result struct {
	TurnID       string
	FinalContent string
	// Messages is the full message list after the turn; the turn's own
	// messages start at TurnStart.
	Messages  []models.Message
	TurnStart int
	Counters  models.TurnCounters
}

// Runner executes turns. Stateless across turns; safe to share.
type Runner struct {
	provider providers.Provider
	registry *tools.Registry
	guard    GuardFunc
	logger   *observability.Logger
	policy   backoff.Policy
	opts     Options
}

// New creates a Runner.
func New(provider providers.Provider, registry *tools.Registry, guard GuardFunc, logger *observability.Logger, opts Options) *Runner {
	if logger == nil {
		logger = observability.Discard()
	}
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = 20
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.Source == "" {
		opts.Source = "agent"
	}
	return &Runner{
		provider: provider,
		registry: registry,
		guard:    guard,
		logger:   logger,
		policy:   backoff.DefaultPolicy(),
		opts:     opts,
	}
}

// emitter assigns sequence numbers within one turn.
type emitter struct {
	emit   EmitFunc
	turnID string
	source string
	seq    int
}

func (e *emitter) send(ev models.TurnEvent) {
	if e.emit == nil {
		return
	}
	e.seq++
	ev.Namespace = models.TurnEventNamespace
	ev.Version = models.TurnEventVersion
	ev.TurnID = e.turnID
	ev.Sequence = e.seq
	ev.TimestampMS = time.Now().UnixMilli()
	ev.Source = e.source
	e.emit(ev)
}

// Run drives one turn. messages holds the assembled context; the current
// turn's messages begin at turnStart. The returned error is reserved for
// fatal provider failures; everything else comes back as FinalContent.
func (r *Runner) Run(ctx context.Context, messages []models.Message, turnStart int, steering SteeringFunc, emit EmitFunc) (*Result, error) {
	res := &Result{
		TurnID:    uuid.NewString(),
		Messages:  messages,
		TurnStart: turnStart,
	}
	ev := &emitter{emit: emit, turnID: res.TurnID, source: r.opts.Source}

	observability.TurnsStarted.Inc()
	ev.send(models.TurnEvent{Type: models.EventTurnStart})
	defer func() {
		ev.send(models.TurnEvent{Type: models.EventTurnEnd, Counters: &res.Counters})
	}()

	compactionUsed := false
	errorFinishRetries := 0

	for res.Counters.Iterations < r.opts.MaxIterations {
		res.Counters.Iterations++

		if r.guard != nil {
			res.Messages, res.TurnStart = r.guard(res.Messages, res.TurnStart, false)
		}

		resp, err := r.callProvider(ctx, res)
		if err != nil {
			return res, err
		}

		if resp.FinishReason == providers.FinishError {
			switch {
			case providers.IsContextOverflow(resp.Content) && !compactionUsed && r.guard != nil:
				compactionUsed = true
				res.Counters.LLMErrorFinishOverflowCount++
				res.Counters.LLMErrorFinishRetryCount++
				res.Counters.LLMOverflowCompactionRetries++
				res.Counters.LLMRetryCount++
				res.Messages, res.TurnStart = r.guard(res.Messages, res.TurnStart, true)
				res.Counters.Iterations--
				continue
			case providers.IsRetryableError(resp.Content) && errorFinishRetries < r.opts.MaxRetries:
				errorFinishRetries++
				res.Counters.LLMErrorFinishRetryableCount++
				res.Counters.LLMErrorFinishRetryCount++
				res.Counters.LLMRetryCount++
				observability.ProviderRetries.Inc()
				if err := backoff.Sleep(ctx, r.policy, errorFinishRetries); err != nil {
					return res, err
				}
				res.Counters.Iterations--
				continue
			default:
				res.Counters.LLMErrorFinishFatalCount++
				res.Messages = append(res.Messages, models.AssistantMessage(resp.Content))
				res.FinalContent = resp.Content
				return res, nil
			}
		}

		if resp.HasToolCalls() {
			res.Messages = append(res.Messages, models.Message{
				Role:             models.RoleAssistant,
				Content:          models.TextContent(resp.Content),
				ToolCalls:        resp.ToolCalls,
				ReasoningContent: resp.ReasoningContent,
				Timestamp:        time.Now().Format(time.RFC3339),
			})
			decision, interrupted := r.runToolCalls(ctx, res, resp.ToolCalls, steering, ev)
			if interrupted {
				res.Counters.InterruptedForFollowup = true
				res.FinalContent = interruptMessage(decision)
				res.Messages = append(res.Messages, models.AssistantMessage(res.FinalContent))
				return res, nil
			}
			continue
		}

		res.Messages = append(res.Messages, models.Message{
			Role:             models.RoleAssistant,
			Content:          models.TextContent(resp.Content),
			ReasoningContent: resp.ReasoningContent,
			Timestamp:        time.Now().Format(time.RFC3339),
		})
		res.FinalContent = stripThinkBlocks(resp.Content)
		res.Counters.Completed = true
		observability.TurnsCompleted.Inc()
		return res, nil
	}

	res.Counters.MaxIterationsReached = true
	res.FinalContent = maxIterationsMessage
	res.Messages = append(res.Messages, models.AssistantMessage(maxIterationsMessage))
	return res, nil
}

// callProvider performs one chat call with exception retries and backoff.
// Fatal exception patterns are not retried.
func (r *Runner) callProvider(ctx context.Context, res *Result) (*providers.Response, error) {
	req := &providers.Request{
		Messages:    res.Messages,
		Tools:       ToolDefs(r.registry),
		Model:       r.opts.Model,
		MaxTokens:   r.opts.MaxTokens,
		Temperature: r.opts.Temperature,
	}
	resp, retries, err := backoff.Retry(ctx, r.policy, r.opts.MaxRetries,
		func(callErr error) bool {
			retryable := !providers.IsFatalError(callErr.Error())
			if retryable {
				observability.ProviderRetries.Inc()
			}
			return retryable
		},
		func(int) (*providers.Response, error) {
			return r.provider.Chat(ctx, req)
		},
	)
	res.Counters.LLMExceptionRetryCount += retries
	res.Counters.LLMRetryCount += retries
	if err != nil {
		return nil, fmt.Errorf("provider call: %w", err)
	}
	return resp, nil
}

// runToolCalls executes the calls in provider order, appending results and
// consulting steering after each. When the turn should yield it returns the
// decision that triggered the interrupt.
func (r *Runner) runToolCalls(ctx context.Context, res *Result, calls []models.ToolCall, steering SteeringFunc, ev *emitter) (SteeringDecision, bool) {
	for _, tc := range calls {
		ev.send(models.TurnEvent{
			Type:       models.EventToolStart,
			ToolName:   tc.Function.Name,
			ToolCallID: tc.ID,
		})

		params := parseToolArgs(tc.Function.Arguments)
		result := r.registry.Execute(ctx, tc.Function.Name, params)
		res.Counters.ToolCount++

		details := whitelistDetails(result.Details)
		hasDetails := len(details) > 0
		ev.send(models.TurnEvent{
			Type:       models.EventToolEnd,
			ToolName:   tc.Function.Name,
			ToolCallID: tc.ID,
			IsError:    &result.IsError,
			HasDetails: &hasDetails,
			DetailOp:   result.Op(),
		})

		msg := models.Message{
			Role:       models.RoleTool,
			Content:    models.TextContent(result.Text),
			ToolCallID: tc.ID,
			Name:       tc.Function.Name,
			Timestamp:  time.Now().Format(time.RFC3339),
		}
		if hasDetails {
			msg.ToolDetails = &models.ToolDetails{
				SchemaVersion: 1,
				Tool:          result.Op(),
				Data:          details,
			}
		}
		res.Messages = append(res.Messages, msg)

		if steering != nil {
			if d := steering(); d.Interrupt {
				return d, true
			}
		}
	}
	return SteeringDecision{}, false
}

// parseToolArgs decodes tool-call arguments leniently: malformed JSON
// yields nil params so schema validation reports the problem to the model.
func parseToolArgs(args string) map[string]any {
	if strings.TrimSpace(args) == "" {
		return map[string]any{}
	}
	var params map[string]any
	if err := json.Unmarshal([]byte(args), &params); err != nil {
		return nil
	}
	return params
}

// whitelistDetails keeps only the persistable detail keys.
func whitelistDetails(details map[string]any) map[string]any {
	if len(details) == 0 {
		return nil
	}
	out := map[string]any{}
	for k, v := range details {
		if detailsWhitelist[k] {
			out[k] = v
		}
	}
	return out
}

// interruptMessage names the pending follow-up the turn yielded to.
func interruptMessage(d SteeringDecision) string {
	if d.NextFollowupPreview != "" {
		return fmt.Sprintf("I've paused this task to handle your follow-up: %q", d.NextFollowupPreview)
	}
	return fmt.Sprintf("I've paused this task; %d follow-up message(s) are waiting.", d.PendingFollowupCount)
}

func stripThinkBlocks(content string) string {
	return strings.TrimSpace(thinkBlockRe.ReplaceAllString(content, ""))
}

// ToolDefs renders the registry as provider tool definitions.
func ToolDefs(reg *tools.Registry) []providers.ToolDef {
	if reg == nil {
		return nil
	}
	all := reg.All()
	defs := make([]providers.ToolDef, 0, len(all))
	for _, t := range all {
		defs = append(defs, providers.ToolDef{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.Schema(),
		})
	}
	return defs
}
