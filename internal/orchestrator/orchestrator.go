// Package orchestrator consumes inbound messages, dispatches commands and
// turns, keeps per-session FIFO with a bounded follow-up queue, persists
// completed turns, and schedules background consolidation.
package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nanobot-ai/nanobot/internal/agent"
	"github.com/nanobot-ai/nanobot/internal/bus"
	"github.com/nanobot-ai/nanobot/internal/consolidate"
	"github.com/nanobot-ai/nanobot/internal/contextbuilder"
	"github.com/nanobot-ai/nanobot/internal/observability"
	"github.com/nanobot-ai/nanobot/internal/sessions"
	"github.com/nanobot-ai/nanobot/internal/tools"
	"github.com/nanobot-ai/nanobot/pkg/models"
)

const (
	// maxFollowups bounds the per-session follow-up queue.
	maxFollowups = 16
	// followupPreviewChars bounds the preview shown in interrupt messages.
	followupPreviewChars = 80

	// Persistence truncation limits for turn messages.
	persistAssistantChars = 300
	persistToolChars      = 500

	genericErrorReply = "Sorry, I encountered an error. Please try again."

	helpText = `Available commands:
/help - show this help
/new - start a new conversation (archives the old one to memory)
/new! - force a new conversation
/stop - stop running background tasks`

	newSessionReply       = "Started a new conversation. The previous one is being archived to memory."
	newSessionForcedReply = "Started a new conversation (forced). The previous one is being archived to memory."
)

// SubagentPool is the slice of the subagent manager the orchestrator needs.
type SubagentPool interface {
	CancelBySession(sessionKey string) int
}

// Options configures the orchestrator.
type Options struct {
	// MemoryWindow is the session length past which consolidation is
	// scheduled in the background.
	MemoryWindow int
}

// Orchestrator is the single consumer of the inbound queue. Per-session
// work is strictly sequential; distinct sessions run in parallel.
type Orchestrator struct {
	bus       *bus.Bus
	store     *sessions.Store
	builder   *contextbuilder.Builder
	runner    *agent.Runner
	engine    *consolidate.Engine
	coord     *consolidate.Coordinator
	subagents SubagentPool
	logger    *observability.Logger
	opts      Options

	// routing receives the origin route before each turn; messageTool is
	// additionally consulted for default-outbound suppression.
	routing     []tools.RoutingAware
	messageTool *tools.MessageTool

	events agent.EmitFunc

	mu            sync.Mutex
	followups     map[string][]*bus.InboundMessage
	active        map[string]bool
	running       bool
	lastProcessed time.Time

	wg sync.WaitGroup
}

// New creates an orchestrator.
func New(
	b *bus.Bus,
	store *sessions.Store,
	builder *contextbuilder.Builder,
	runner *agent.Runner,
	engine *consolidate.Engine,
	coord *consolidate.Coordinator,
	subagents SubagentPool,
	logger *observability.Logger,
	opts Options,
) *Orchestrator {
	if logger == nil {
		logger = observability.Discard()
	}
	if opts.MemoryWindow <= 0 {
		opts.MemoryWindow = 100
	}
	return &Orchestrator{
		bus:       b,
		store:     store,
		builder:   builder,
		runner:    runner,
		engine:    engine,
		coord:     coord,
		subagents: subagents,
		logger:    logger,
		opts:      opts,
		followups: make(map[string][]*bus.InboundMessage),
		active:    make(map[string]bool),
	}
}

// AttachRouting registers the tools that receive the origin route before
// each turn. The message tool is tracked separately for suppression.
func (o *Orchestrator) AttachRouting(messageTool *tools.MessageTool, others ...tools.RoutingAware) {
	o.messageTool = messageTool
	if messageTool != nil {
		o.routing = append(o.routing, messageTool)
	}
	o.routing = append(o.routing, others...)
}

// SetEventSink installs a receiver for turn events.
func (o *Orchestrator) SetEventSink(emit agent.EmitFunc) { o.events = emit }

// Run consumes inbound messages until the context is cancelled.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.mu.Lock()
	o.running = true
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		o.running = false
		o.mu.Unlock()
		o.wg.Wait()
	}()

	for {
		msg, err := o.bus.ConsumeInbound(ctx)
		if err != nil {
			return err
		}
		o.dispatch(ctx, msg)
	}
}

// Running reports whether the consumer loop is active.
func (o *Orchestrator) Running() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.running
}

// LastProcessedAt reports when the last inbound finished processing.
func (o *Orchestrator) LastProcessedAt() time.Time {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastProcessed
}

// dispatch enqueues the message as a follow-up when a turn is already
// running for its session, otherwise starts the per-session worker.
func (o *Orchestrator) dispatch(ctx context.Context, msg *bus.InboundMessage) {
	key := msg.SessionKey()
	o.mu.Lock()
	if o.active[key] {
		if len(o.followups[key]) >= maxFollowups {
			o.mu.Unlock()
			o.logger.Warn(ctx, "follow-up queue full, dropping message",
				"session_key", key, "sender_id", msg.SenderID)
			return
		}
		o.followups[key] = append(o.followups[key], msg)
		o.mu.Unlock()
		return
	}
	o.active[key] = true
	o.mu.Unlock()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.sessionLoop(ctx, key, msg)
	}()
}

// sessionLoop processes the message and then drains queued follow-ups in
// FIFO order before releasing the session.
func (o *Orchestrator) sessionLoop(ctx context.Context, key string, msg *bus.InboundMessage) {
	for msg != nil {
		o.handle(ctx, msg)

		o.mu.Lock()
		o.lastProcessed = time.Now()
		if q := o.followups[key]; len(q) > 0 {
			msg = q[0]
			o.followups[key] = q[1:]
		} else {
			msg = nil
			delete(o.followups, key)
			o.active[key] = false
		}
		o.mu.Unlock()
	}
}

// handle processes one inbound end to end: command or full turn.
func (o *Orchestrator) handle(ctx context.Context, msg *bus.InboundMessage) {
	key := msg.SessionKey()
	sess, err := o.store.Load(ctx, key)
	if err != nil {
		o.logger.Error(ctx, "session load failed",
			"error_type", "session_load", "channel", msg.Channel,
			"sender_id", msg.SenderID, "session_key", key, "error", err)
		o.reply(ctx, msg, genericErrorReply)
		return
	}

	if reply, handled := o.handleCommand(ctx, msg, sess); handled {
		o.reply(ctx, msg, reply)
		return
	}

	if len(sess.Messages) > o.opts.MemoryWindow {
		o.scheduleConsolidation(ctx, sess)
	}

	o.runTurn(ctx, msg, sess)
}

// scheduleConsolidation starts a single-flight background consolidation
// over a snapshot of the session. Messages are append-only, so indices
// computed against the snapshot stay valid for the live session; the new
// last_consolidated is applied and saved on success.
func (o *Orchestrator) scheduleConsolidation(ctx context.Context, sess *models.Session) {
	key := sess.Key
	snapshot := &models.Session{
		Key:              key,
		Messages:         append([]models.Message(nil), sess.Messages...),
		LastConsolidated: sess.LastConsolidated,
	}
	o.coord.StartBackground(ctx, key, func(runCtx context.Context) {
		last, ok := o.engine.Consolidate(runCtx, snapshot, false)
		if !ok {
			o.logger.Warn(runCtx, "background consolidation failed", "session_key", key)
			return
		}
		if last != sess.LastConsolidated {
			sess.LastConsolidated = last
			if err := o.store.Save(runCtx, sess); err != nil {
				o.logger.Error(runCtx, "session save after consolidation failed",
					"session_key", key, "error", err)
			}
		}
	})
}

// runTurn assembles context, runs the turn, persists it, and emits the
// default outbound unless the message tool already replied.
func (o *Orchestrator) runTurn(ctx context.Context, msg *bus.InboundMessage, sess *models.Session) {
	key := sess.Key
	messageID := metadataString(msg.Metadata, "message_id")
	for _, r := range o.routing {
		r.SetRoutingContext(msg.Channel, msg.ChatID, messageID)
	}

	initial := o.builder.Build(sess.Messages, msg.Content, msg.Media)
	turnStart := len(initial) - 1 // the current user message

	steering := func() agent.SteeringDecision {
		o.mu.Lock()
		defer o.mu.Unlock()
		q := o.followups[key]
		if len(q) == 0 {
			return agent.SteeringDecision{}
		}
		return agent.SteeringDecision{
			Interrupt:            true,
			PendingFollowupCount: len(q),
			NextFollowupPreview:  previewOf(q[0].Content),
		}
	}

	res, err := o.runner.Run(ctx, initial, turnStart, steering, o.events)
	if err != nil {
		o.logger.Error(ctx, "turn failed",
			"error_type", "turn_runner", "channel", msg.Channel,
			"sender_id", msg.SenderID, "session_key", key, "error", err)
	}

	turn := res.Messages[res.TurnStart:]
	sess.Append(scrubTurn(turn)...)
	if serr := o.store.Save(ctx, sess); serr != nil {
		o.logger.Error(ctx, "turn save failed", "session_key", key, "error", serr)
	}

	if err != nil {
		o.reply(ctx, msg, genericErrorReply)
		return
	}
	if o.messageTool != nil && o.messageTool.SentThisTurn() {
		// The model already replied mid-turn via the message tool.
		return
	}
	if res.FinalContent != "" {
		o.reply(ctx, msg, res.FinalContent)
	}
}

// handleCommand executes slash commands. The bool reports whether the
// content was a command.
func (o *Orchestrator) handleCommand(ctx context.Context, msg *bus.InboundMessage, sess *models.Session) (string, bool) {
	fields := strings.Fields(strings.TrimSpace(msg.Content))
	if len(fields) == 0 || !strings.HasPrefix(fields[0], "/") {
		return "", false
	}
	switch fields[0] {
	case "/help":
		return helpText, true
	case "/stop":
		return o.commandStop(ctx, sess.Key), true
	case "/new", "/new!":
		forced := fields[0] == "/new!" ||
			(len(fields) > 1 && (fields[1] == "--force" || fields[1] == "-f"))
		return o.commandNew(ctx, sess, forced), true
	default:
		return "", false
	}
}

// commandStop cancels the session's subagents, reporting the count.
func (o *Orchestrator) commandStop(ctx context.Context, key string) (reply string) {
	defer func() {
		if rec := recover(); rec != nil {
			o.logger.Error(ctx, "stop command panicked", "session_key", key, "panic", rec)
			reply = "Could not stop background tasks. Please try again."
		}
	}()
	if o.subagents == nil {
		return "No background tasks are running."
	}
	n := o.subagents.CancelBySession(key)
	if n == 0 {
		return "No background tasks are running."
	}
	return fmt.Sprintf("Stopped %d background task(s).", n)
}

// commandNew archives the unconsolidated tail in the background and resets
// the session. It returns within bounded time regardless of consolidation
// state.
func (o *Orchestrator) commandNew(ctx context.Context, sess *models.Session, forced bool) string {
	key := sess.Key
	o.coord.CancelInflight(key)

	tail := sess.Messages[sess.LastConsolidated:]
	if len(tail) > 0 {
		snapshot := &models.Session{
			Key:      key,
			Messages: append([]models.Message(nil), tail...),
		}
		o.coord.StartBackground(ctx, key, func(runCtx context.Context) {
			if _, ok := o.engine.Consolidate(runCtx, snapshot, true); !ok {
				o.logger.Warn(runCtx, "archive consolidation failed", "session_key", key)
			}
		})
	}

	sess.Clear()
	if err := o.store.Save(ctx, sess); err != nil {
		o.logger.Error(ctx, "session reset save failed", "session_key", key, "error", err)
	}
	o.store.Invalidate(key)

	if forced {
		return newSessionForcedReply
	}
	return newSessionReply
}

// reply publishes an outbound message back to the origin chat.
func (o *Orchestrator) reply(ctx context.Context, msg *bus.InboundMessage, content string) {
	if content == "" {
		return
	}
	err := o.bus.PublishOutbound(ctx, &bus.OutboundMessage{
		Channel: msg.Channel,
		ChatID:  msg.ChatID,
		Content: content,
		ReplyTo: metadataString(msg.Metadata, "message_id"),
	})
	if err != nil {
		o.logger.Error(ctx, "outbound publish failed",
			"channel", msg.Channel, "session_key", msg.SessionKey(), "error", err)
	}
}

// scrubTurn prepares turn messages for persistence: reasoning stripped,
// image blocks replaced by placeholders, long strings truncated, every
// message timestamped.
func scrubTurn(turn []models.Message) []models.Message {
	now := time.Now().Format(time.RFC3339)
	out := make([]models.Message, 0, len(turn))
	for _, m := range turn {
		m.ReasoningContent = ""
		if m.Content.IsParts() {
			m.Content = models.TextContent(flattenParts(m.Content.Parts))
		}
		switch m.Role {
		case models.RoleAssistant:
			m.Content = models.TextContent(truncateString(m.Content.Text, persistAssistantChars))
		case models.RoleTool:
			m.Content = models.TextContent(truncateString(m.Content.Text, persistToolChars))
		}
		if m.Timestamp == "" {
			m.Timestamp = now
		}
		out = append(out, m)
	}
	return out
}

// flattenParts joins text parts, standing in "[image]" for image blocks.
func flattenParts(parts []models.ContentPart) string {
	var b strings.Builder
	for _, p := range parts {
		switch p.Type {
		case "text":
			if b.Len() > 0 {
				b.WriteString("\n")
			}
			b.WriteString(p.Text)
		case "image_url":
			if b.Len() > 0 {
				b.WriteString("\n")
			}
			b.WriteString("[image]")
		}
	}
	return b.String()
}

func truncateString(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "..."
}

func previewOf(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > followupPreviewChars {
		return s[:followupPreviewChars] + "..."
	}
	return s
}

func metadataString(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	s, _ := m[key].(string)
	return s
}
