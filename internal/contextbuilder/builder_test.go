package contextbuilder

import (
	"strings"
	"testing"

	"github.com/nanobot-ai/nanobot/internal/tokens"
	"github.com/nanobot-ai/nanobot/pkg/models"
)

func newTestBuilder(budget int) *Builder {
	return New(Options{
		ContextBudget:      budget,
		ReplyReserve:       10,
		SlidingWindowTurns: 20,
	}, tokens.Default(), nil, nil, nil)
}

func TestBuildShapesSystemHistoryUser(t *testing.T) {
	b := newTestBuilder(96_000)
	history := []models.Message{user("earlier"), assistant("sure")}
	out := b.Build(history, "now", nil)

	if out[0].Role != models.RoleSystem {
		t.Fatalf("first message is %s, want system", out[0].Role)
	}
	last := out[len(out)-1]
	if last.Role != models.RoleUser {
		t.Fatalf("last message is %s, want user", last.Role)
	}
	if text, _ := last.PlainText(); text != "now" {
		t.Fatalf("current message = %q", text)
	}
	if len(out) != 4 {
		t.Fatalf("got %d messages, want system+2 history+user", len(out))
	}
}

func TestBuildDropsHistoryOverBudget(t *testing.T) {
	// Budget leaves room for the system prompt, the user message, the
	// reserve, and little else, so old chunks must be dropped whole.
	b := newTestBuilder(700)
	var history []models.Message
	for i := 0; i < 50; i++ {
		history = append(history, user(strings.Repeat("question ", 30)), assistant(strings.Repeat("answer ", 30)))
	}
	out := b.Build(history, "latest", nil)

	total := tokens.Default().CountMessages(out)
	if total > 700-10 {
		t.Fatalf("assembled prompt uses %d tokens, budget leaves %d", total, 700-10)
	}
	// Whatever history survived must start at a user anchor.
	if len(out) > 2 && out[1].Role != models.RoleUser {
		t.Fatalf("history fragment starts at %s", out[1].Role)
	}
}

func TestBuildDropsTrailingDuplicateUser(t *testing.T) {
	b := newTestBuilder(96_000)
	history := []models.Message{user("hello"), assistant("hi"), user("repeat me")}
	out := b.Build(history, "repeat me", nil)

	users := 0
	for _, m := range out {
		if m.Role == models.RoleUser {
			if text, _ := m.PlainText(); text == "repeat me" {
				users++
			}
		}
	}
	if users != 1 {
		t.Fatalf("duplicate trailing user message kept: %d copies", users)
	}
}

func TestGuardLoopPreservesSystemAndTurnSuffix(t *testing.T) {
	b := newTestBuilder(96_000)
	msgs := []models.Message{
		{Role: models.RoleSystem, Content: models.TextContent("sys")},
		user("old 1"), assistant("old answer 1"),
		user("old 2"), assistant("old answer 2"),
		user("current"),
		assistant("working"),
	}
	turnStart := 5

	out, newStart := b.GuardLoop(msgs, turnStart, false)
	if out[0].Role != models.RoleSystem {
		t.Fatal("system prefix lost")
	}
	if text, _ := out[newStart].PlainText(); text != "current" {
		t.Fatalf("turn suffix moved: starts with %q", text)
	}
	if text, _ := out[len(out)-1].PlainText(); text != "working" {
		t.Fatalf("turn tail = %q", text)
	}
}

func TestGuardLoopAggressiveTruncatesToolResults(t *testing.T) {
	b := newTestBuilder(96_000)
	big := strings.Repeat("z", 10_000)
	msgs := []models.Message{
		{Role: models.RoleSystem, Content: models.TextContent("sys")},
		user("go"),
	}
	msgs = append(msgs, toolGroup("call_1", "exec", big)...)
	turnStart := 1

	out, newStart := b.GuardLoop(msgs, turnStart, true)
	for _, m := range out[newStart:] {
		if m.Role == models.RoleTool && len(m.Content.Text) > 2000+len(truncatedSuffix) {
			t.Fatalf("tool result not truncated: %d chars", len(m.Content.Text))
		}
	}
}

func TestSystemPromptBlocks(t *testing.T) {
	b := New(Options{Workspace: "/work", PromptCaching: true}, tokens.Default(), nil, nil, nil)
	p := b.BuildSystemPrompt()
	if !p.CacheStatic {
		t.Fatal("static block should be marked cacheable")
	}
	if !strings.Contains(p.Static, "Available tools") {
		t.Fatal("static block missing tool catalog")
	}
	if !strings.Contains(p.Dynamic, "Current time") || !strings.Contains(p.Dynamic, "/work") {
		t.Fatalf("dynamic block = %q", p.Dynamic)
	}
	if strings.Contains(p.Static, "Current time") {
		t.Fatal("time leaked into the cacheable block")
	}
}
