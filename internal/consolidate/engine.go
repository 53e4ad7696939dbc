// Package consolidate moves the oldest unsummarized session prefix into
// long-term memory through chunked save_memory tool calls, with
// crash-resumable progress and per-session single-flight coordination.
package consolidate

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nanobot-ai/nanobot/internal/memstore"
	"github.com/nanobot-ai/nanobot/internal/observability"
	"github.com/nanobot-ai/nanobot/internal/providers"
	"github.com/nanobot-ai/nanobot/internal/tokens"
	"github.com/nanobot-ai/nanobot/pkg/models"
)

// SaveMemoryToolName is the single tool offered during consolidation.
const SaveMemoryToolName = "save_memory"

// consolidationPrompt is the system prompt for the summarization call.
const consolidationPrompt = `You are a memory consolidation agent. You receive a slice of an old conversation plus the current long-term memory. Call the save_memory tool exactly once with:
- history_entry: one paragraph starting with a [YYYY-MM-DD HH:MM] timestamp summarizing what happened.
- memory_update: the full revised long-term memory as markdown H2 sections. Keep stable facts, preferences, and ongoing projects; drop transient chatter. Never include code blocks.
- daily_sections: bullets for today under topics, decisions, tool_activity, open_questions.
Do not reply with plain text.`

// strictSuffix is appended for the one retry after a plain-text response.
const strictSuffix = "\n\nIMPORTANT: your previous reply was not a tool call. You MUST respond with a single save_memory tool call and nothing else."

// saveMemoryToolDef declares the save_memory schema offered to the model.
func saveMemoryToolDef() providers.ToolDef {
	stringArray := map[string]any{"type": "array", "items": map[string]any{"type": "string"}}
	return providers.ToolDef{
		Name:        SaveMemoryToolName,
		Description: "Persist a consolidated summary into long-term memory.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"history_entry": map[string]any{"type": "string"},
				"memory_update": map[string]any{"type": "string"},
				"daily_sections": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"topics":         stringArray,
						"decisions":      stringArray,
						"tool_activity":  stringArray,
						"open_questions": stringArray,
					},
				},
			},
			"required": []any{"history_entry", "memory_update"},
		},
	}
}

// Options configures the engine.
type Options struct {
	// Window is the session length threshold; keep = Window/2 messages stay
	// unsummarized in incremental mode.
	Window int
	// InputBudget is the soft token budget per chunk.
	InputBudget int
	// ReplyReserve is held back for the save_memory reply.
	ReplyReserve int
	// DailyMode mirrors the store's daily mode; "required" forces
	// daily_sections on every accepted chunk.
	DailyMode string
	Model     string
	MaxTokens int
}

// Engine runs consolidations against one memory store.
type Engine struct {
	store    *memstore.Store
	provider providers.Provider
	counter  *tokens.Counter
	logger   *observability.Logger
	opts     Options
}

// NewEngine creates an engine.
func NewEngine(store *memstore.Store, provider providers.Provider, counter *tokens.Counter, logger *observability.Logger, opts Options) *Engine {
	if counter == nil {
		counter = tokens.Default()
	}
	if logger == nil {
		logger = observability.Discard()
	}
	if opts.Window <= 0 {
		opts.Window = 100
	}
	if opts.InputBudget <= 0 {
		opts.InputBudget = 24_000
	}
	if opts.ReplyReserve <= 0 {
		opts.ReplyReserve = 4096
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = 4096
	}
	return &Engine{store: store, provider: provider, counter: counter, logger: logger, opts: opts}
}

// Consolidate summarizes session messages into long-term memory. It returns
// the new last_consolidated index and whether the run succeeded. The
// session's message slice is never mutated; the caller applies the returned
// index. Incremental mode processes at most one chunk per call; archive
// mode loops until the scope is drained and returns 0.
func (e *Engine) Consolidate(ctx context.Context, session *models.Session, archiveAll bool) (int, bool) {
	snapshotLen := len(session.Messages)
	start, targetLast, keep := e.selectScope(session, snapshotLen, archiveAll)
	if start < 0 {
		// Nothing to do.
		observability.ConsolidationRuns.WithLabelValues("noop").Inc()
		return session.LastConsolidated, true
	}

	processed := 0
	progressPath := e.store.ProgressPath()
	if p := loadProgress(progressPath); p != nil {
		if p.SessionKey == session.Key && p.ArchiveAll == archiveAll {
			start = p.Start
			processed = p.Processed
			if !archiveAll {
				targetLast = p.TargetLast
			}
			e.logger.Info(ctx, "resuming consolidation",
				"session_key", session.Key, "start", start, "processed", processed)
		} else {
			clearProgress(progressPath)
		}
	}

	scopeEnd := snapshotLen
	if !archiveAll && targetLast < scopeEnd {
		scopeEnd = targetLast
	}

	for {
		pending := session.Messages[min(start+processed, scopeEnd):scopeEnd]
		if len(pending) == 0 {
			break
		}

		chunkLen, applied := e.processChunk(ctx, session.Key, pending)
		if !applied {
			observability.ConsolidationRuns.WithLabelValues("failed").Inc()
			return session.LastConsolidated, false
		}
		processed += chunkLen

		if err := saveProgress(progressPath, &Progress{
			SessionKey:  session.Key,
			Start:       start,
			Processed:   processed,
			TargetLast:  targetLast,
			KeepCount:   keep,
			SnapshotLen: snapshotLen,
			ArchiveAll:  archiveAll,
		}); err != nil {
			e.logger.Warn(ctx, "progress save failed", "error", err)
		}

		if !archiveAll {
			// Incremental mode: one chunk per call.
			clearProgress(progressPath)
			observability.ConsolidationRuns.WithLabelValues("ok").Inc()
			return min(targetLast, start+processed), true
		}
	}

	clearProgress(progressPath)
	observability.ConsolidationRuns.WithLabelValues("ok").Inc()
	if archiveAll {
		return 0, true
	}
	return min(targetLast, start+processed), true
}

// selectScope computes the pending scope. A negative start means no-op.
func (e *Engine) selectScope(session *models.Session, snapshotLen int, archiveAll bool) (start, targetLast, keep int) {
	if archiveAll {
		if snapshotLen-session.LastConsolidated == 0 {
			return -1, 0, 0
		}
		return session.LastConsolidated, 0, 0
	}
	keep = e.opts.Window / 2
	if snapshotLen <= keep || snapshotLen-session.LastConsolidated == 0 {
		return -1, 0, 0
	}
	targetLast = snapshotLen - keep
	if session.LastConsolidated >= targetLast {
		return -1, 0, 0
	}
	return session.LastConsolidated, targetLast, keep
}

// processChunk builds the largest chunk that fits the budget, sends it, and
// applies the save_memory call, halving on context overflow. It returns the
// number of messages consumed and whether the chunk was applied.
func (e *Engine) processChunk(ctx context.Context, sessionKey string, pending []models.Message) (int, bool) {
	chunkLen := e.fitChunk(pending)
	for {
		resp, memTruncated, ok := e.callChunk(ctx, pending[:chunkLen])
		if ok {
			if e.applyResponse(ctx, sessionKey, resp, memTruncated) {
				return chunkLen, true
			}
			return 0, false
		}
		if resp != nil && resp.FinishReason == providers.FinishError && providers.IsContextOverflow(resp.Content) {
			if chunkLen <= 1 {
				e.logger.Error(ctx, "single-message chunk still overflows", "session_key", sessionKey)
				return 0, false
			}
			chunkLen /= 2
			continue
		}
		return 0, false
	}
}

// fitChunk greedily takes messages from the pending prefix while the chunk
// plus scaffold stays under the input budget.
func (e *Engine) fitChunk(pending []models.Message) int {
	budget := e.opts.InputBudget - e.opts.ReplyReserve - e.counter.Count(consolidationPrompt)
	used := 0
	n := 0
	for _, m := range pending {
		t := e.counter.Count(formatMessageLine(&m))
		if n > 0 && used+t > budget {
			break
		}
		used += t
		n++
	}
	if n == 0 {
		n = 1
	}
	return n
}

// callChunk performs the per-chunk protocol: one attempt, then one stricter
// retry when the reply is not an acceptable tool call. ok is false for both
// fatal plain-text replies and error finishes; the caller inspects resp to
// distinguish overflow.
func (e *Engine) callChunk(ctx context.Context, chunk []models.Message) (resp *providers.Response, memTruncated bool, ok bool) {
	memory, memTruncated := e.trimMemory(chunk)
	userPrompt := e.buildUserPrompt(memory, chunk)

	systems := []string{consolidationPrompt, consolidationPrompt + strictSuffix}
	for attempt, system := range systems {
		req := &providers.Request{
			Messages: []models.Message{
				{Role: models.RoleSystem, Content: models.TextContent(system)},
				{Role: models.RoleUser, Content: models.TextContent(userPrompt)},
			},
			Tools:     []providers.ToolDef{saveMemoryToolDef()},
			Model:     e.opts.Model,
			MaxTokens: e.opts.MaxTokens,
		}
		var err error
		resp, err = e.provider.Chat(ctx, req)
		if err != nil {
			e.logger.Error(ctx, "consolidation provider call failed", "error", err)
			return nil, memTruncated, false
		}
		if resp.FinishReason == providers.FinishError {
			return resp, memTruncated, false
		}
		if resp.HasToolCalls() && e.dailyAcceptable(resp) {
			return resp, memTruncated, true
		}
		if attempt == 0 {
			e.logger.Warn(ctx, "consolidation reply was not a tool call, retrying strict")
		}
	}
	e.logger.Error(ctx, "consolidation failed: model would not call save_memory")
	return resp, memTruncated, false
}

// dailyAcceptable enforces daily_sections presence in required mode.
func (e *Engine) dailyAcceptable(resp *providers.Response) bool {
	if e.opts.DailyMode != "required" {
		return true
	}
	args := firstSaveMemoryArgs(resp)
	return args != nil && args.DailySections != nil
}

// applyResponse parses the first save_memory call and applies it.
func (e *Engine) applyResponse(ctx context.Context, sessionKey string, resp *providers.Response, memTruncated bool) bool {
	args := firstSaveMemoryArgs(resp)
	if args == nil {
		e.logger.Error(ctx, "save_memory arguments unparseable", "session_key", sessionKey)
		return false
	}
	if _, err := e.store.ApplySaveMemory(ctx, sessionKey, *args, memTruncated); err != nil {
		e.logger.Error(ctx, "save_memory apply failed", "session_key", sessionKey, "error", err)
		return false
	}
	return true
}

// firstSaveMemoryArgs finds and leniently parses the save_memory call.
func firstSaveMemoryArgs(resp *providers.Response) *memstore.SaveMemoryArgs {
	for _, tc := range resp.ToolCalls {
		if tc.Function.Name != SaveMemoryToolName {
			continue
		}
		var raw struct {
			HistoryEntry  string         `json:"history_entry"`
			MemoryUpdate  string         `json:"memory_update"`
			DailySections map[string]any `json:"daily_sections"`
		}
		if err := json.Unmarshal([]byte(tc.Function.Arguments), &raw); err != nil {
			return nil
		}
		args := &memstore.SaveMemoryArgs{
			HistoryEntry: raw.HistoryEntry,
			MemoryUpdate: raw.MemoryUpdate,
		}
		if raw.DailySections != nil {
			args.DailySections = raw.DailySections
		}
		return args
	}
	return nil
}

// trimMemory fits the current long-term memory next to the chunk by cutting
// head and tail around a truncation notice.
func (e *Engine) trimMemory(chunk []models.Message) (string, bool) {
	memory := e.store.ReadMemory()
	if memory == "" {
		return "", false
	}
	chunkTokens := 0
	for i := range chunk {
		chunkTokens += e.counter.Count(formatMessageLine(&chunk[i]))
	}
	budget := e.opts.InputBudget - e.opts.ReplyReserve - e.counter.Count(consolidationPrompt) - chunkTokens
	if e.counter.Count(memory) <= budget {
		return memory, false
	}
	if budget <= 0 {
		return "[... memory omitted: no room in this chunk ...]", true
	}
	// Chars-from-tokens approximation; the notice sits between head and tail.
	const notice = "\n\n[... memory truncated for this chunk ...]\n\n"
	charBudget := budget * 4
	if charBudget >= len(memory) {
		charBudget = len(memory) / 2
	}
	head := charBudget * 2 / 3
	tail := charBudget - head
	if head < 1 {
		head = 1
	}
	if tail < 1 {
		tail = 1
	}
	return memory[:head] + notice + memory[len(memory)-tail:], true
}

// buildUserPrompt renders the scaffold, trimmed memory, and chunk lines.
func (e *Engine) buildUserPrompt(memory string, chunk []models.Message) string {
	var b strings.Builder
	b.WriteString("# Current long-term memory\n\n")
	if memory == "" {
		b.WriteString("(empty)\n")
	} else {
		b.WriteString(memory)
		b.WriteString("\n")
	}
	b.WriteString("\n# Conversation slice to consolidate\n\n")
	for i := range chunk {
		b.WriteString(formatMessageLine(&chunk[i]))
		b.WriteString("\n")
	}
	return b.String()
}

// formatMessageLine renders one session message as a transcript line.
func formatMessageLine(m *models.Message) string {
	text := m.ContentText()
	if m.Role == models.RoleTool {
		text = fmt.Sprintf("[tool %s] %s", m.Name, text)
	}
	if len(m.ToolCalls) > 0 {
		var calls []string
		for _, tc := range m.ToolCalls {
			calls = append(calls, tc.Function.Name)
		}
		text = strings.TrimSpace(text + " [called: " + strings.Join(calls, ", ") + "]")
	}
	return string(m.Role) + ": " + strings.ReplaceAll(text, "\n", " ")
}
