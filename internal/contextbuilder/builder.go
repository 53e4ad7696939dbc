// Package contextbuilder assembles the message list sent to the LLM:
// compacted history, the current user message with attached images, and a
// two-block system prompt, all under a hard token budget.
package contextbuilder

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nanobot-ai/nanobot/internal/observability"
	"github.com/nanobot-ai/nanobot/internal/tokens"
	"github.com/nanobot-ai/nanobot/internal/tools"
	"github.com/nanobot-ai/nanobot/pkg/models"
)

// Options configures a Builder.
type Options struct {
	ContextBudget        int
	ReplyReserve         int
	SlidingWindowTurns   int
	CompactToolThreshold int
	CompactCharThreshold int
	// PromptCaching marks the static system block as cacheable.
	PromptCaching bool
	// Workspace is shown in the dynamic system block.
	Workspace string
}

// MemorySource supplies the current long-term memory snippet for the
// dynamic system block. Implemented by the memory store.
type MemorySource interface {
	MemorySnippet(maxChars int) string
}

// Builder assembles provider prompts. Safe for concurrent use; all state is
// read-only after construction.
type Builder struct {
	opts    Options
	counter *tokens.Counter
	reg     *tools.Registry
	memory  MemorySource
	logger  *observability.Logger
	now     func() time.Time
}

// New creates a Builder. memory may be nil when no store is attached.
func New(opts Options, counter *tokens.Counter, reg *tools.Registry, memory MemorySource, logger *observability.Logger) *Builder {
	if counter == nil {
		counter = tokens.Default()
	}
	if logger == nil {
		logger = observability.Discard()
	}
	if opts.SlidingWindowTurns <= 0 {
		opts.SlidingWindowTurns = 20
	}
	if opts.ContextBudget <= 0 {
		opts.ContextBudget = 96_000
	}
	if opts.ReplyReserve <= 0 {
		opts.ReplyReserve = 4096
	}
	return &Builder{opts: opts, counter: counter, reg: reg, memory: memory, logger: logger, now: time.Now}
}

// memorySnippetChars bounds the memory excerpt in the dynamic block.
const memorySnippetChars = 2000

// SystemPrompt is the rendered two-block system prompt. The static block is
// stable across turns and eligible for provider-side prompt caching; the
// dynamic block changes every turn and never caches.
type SystemPrompt struct {
	Static      string
	Dynamic     string
	CacheStatic bool
}

// Text renders the full system prompt.
func (p SystemPrompt) Text() string {
	if p.Dynamic == "" {
		return p.Static
	}
	return p.Static + "\n\n" + p.Dynamic
}

// BuildSystemPrompt renders both system blocks from the current state.
func (b *Builder) BuildSystemPrompt() SystemPrompt {
	var static strings.Builder
	static.WriteString("You are nanobot, a persistent personal assistant reachable over chat channels.\n\n")
	static.WriteString("Guidelines:\n")
	static.WriteString("- Call tools when a task needs them; answer directly when it does not.\n")
	static.WriteString("- Use one tool call at a time unless calls are independent.\n")
	static.WriteString("- After a tool error, analyze the error before retrying.\n")
	static.WriteString("- Use the message tool for progress updates on long tasks.\n\n")
	static.WriteString("# Available tools\n\n")
	if b.reg != nil {
		static.WriteString(RenderCatalog(b.reg, b.opts.CompactToolThreshold, b.opts.CompactCharThreshold))
	} else {
		static.WriteString("No tools are available.")
	}

	var dynamic strings.Builder
	fmt.Fprintf(&dynamic, "Current time: %s\n", b.now().Format("2006-01-02 15:04 MST"))
	if b.opts.Workspace != "" {
		fmt.Fprintf(&dynamic, "Workspace: %s\n", b.opts.Workspace)
	}
	if b.memory != nil {
		if snippet := b.memory.MemorySnippet(memorySnippetChars); snippet != "" {
			dynamic.WriteString("\n# Long-term memory\n\n")
			dynamic.WriteString(snippet)
		}
	}

	return SystemPrompt{
		Static:      static.String(),
		Dynamic:     strings.TrimRight(dynamic.String(), "\n"),
		CacheStatic: b.opts.PromptCaching,
	}
}

// Build assembles the initial provider messages for a turn: system prompt,
// budgeted history, and the current user message with processed images.
func (b *Builder) Build(history []models.Message, current string, mediaPaths []string) []models.Message {
	system := models.Message{
		Role:    models.RoleSystem,
		Content: models.TextContent(b.BuildSystemPrompt().Text()),
	}

	userMsg := b.buildUserMessage(current, mediaPaths)

	compacted := Compact(history, b.opts.SlidingWindowTurns)
	compacted = dropTrailingDuplicateUser(compacted, current)

	historyBudget := b.opts.ContextBudget -
		b.counter.CountMessage(&system) -
		b.counter.CountMessage(&userMsg) -
		b.opts.ReplyReserve
	packed := packHistory(compacted, historyBudget, b.counter)

	out := make([]models.Message, 0, len(packed)+2)
	out = append(out, system)
	out = append(out, packed...)
	out = append(out, userMsg)
	return out
}

// GuardLoop re-compacts mid-turn messages so the next provider call fits the
// budget. The system prefix and the current turn suffix keep their places;
// only the history between them is re-packed. With aggressive set, the
// window shrinks and oversized tool results inside the turn are truncated
// in place.
func (b *Builder) GuardLoop(msgs []models.Message, turnStart int, aggressive bool) ([]models.Message, int) {
	if turnStart < 0 || turnStart > len(msgs) {
		return msgs, turnStart
	}
	prefixEnd := 0
	for prefixEnd < turnStart && msgs[prefixEnd].Role == models.RoleSystem {
		prefixEnd++
	}
	system := msgs[:prefixEnd]
	history := msgs[prefixEnd:turnStart]
	turn := make([]models.Message, len(msgs[turnStart:]))
	copy(turn, msgs[turnStart:])

	window := b.opts.SlidingWindowTurns
	toolCap := 0
	if aggressive {
		window = window / 4
		if window < 2 {
			window = 2
		}
		toolCap = 2000
	}

	compacted := Compact(history, window)
	budget := b.opts.ContextBudget -
		b.counter.CountMessages(system) -
		b.counter.CountMessages(turn) -
		b.opts.ReplyReserve
	packed := packHistory(compacted, budget, b.counter)

	if toolCap > 0 {
		for i := range turn {
			if turn[i].Role != models.RoleTool {
				continue
			}
			if text := turn[i].Content.Text; !turn[i].Content.IsParts() && len(text) > toolCap {
				turn[i].Content = models.TextContent(text[:toolCap] + truncatedSuffix)
			}
		}
	}

	out := make([]models.Message, 0, len(system)+len(packed)+len(turn))
	out = append(out, system...)
	out = append(out, packed...)
	newStart := len(out)
	out = append(out, turn...)
	return out, newStart
}

// buildUserMessage attaches processed images as image_url parts. Images that
// fail processing are dropped with a log line rather than failing the turn.
func (b *Builder) buildUserMessage(text string, mediaPaths []string) models.Message {
	if len(mediaPaths) == 0 {
		return models.UserMessage(text)
	}
	parts := []models.ContentPart{{Type: "text", Text: text}}
	for _, path := range mediaPaths {
		uri, err := ProcessImage(path)
		if err != nil {
			b.logger.Warn(context.Background(), "image dropped", "path", path, "error", err)
			continue
		}
		parts = append(parts, models.ContentPart{Type: "image_url", ImageURL: &models.ImageURL{URL: uri}})
	}
	if len(parts) == 1 {
		return models.UserMessage(text)
	}
	return models.Message{
		Role:      models.RoleUser,
		Content:   models.Content{Parts: parts},
		Timestamp: time.Now().Format(time.RFC3339),
	}
}
