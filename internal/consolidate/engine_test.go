package consolidate

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/nanobot-ai/nanobot/internal/memstore"
	"github.com/nanobot-ai/nanobot/internal/providers"
	"github.com/nanobot-ai/nanobot/pkg/models"
)

// chunkProvider scripts consolidation replies. When maxChunk is positive,
// any request whose conversation slice has more lines returns a context
// overflow error response.
type chunkProvider struct {
	mu       sync.Mutex
	maxChunk int
	calls    int
	refuse   int // first N calls answer with plain text
}

func (p *chunkProvider) Name() string { return "fake" }

func (p *chunkProvider) Chat(_ context.Context, req *providers.Request) (*providers.Response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++

	if p.maxChunk > 0 && sliceLines(req) > p.maxChunk {
		return &providers.Response{
			FinishReason: providers.FinishError,
			Content:      "Error calling LLM: This model's maximum context length is exceeded",
		}, nil
	}
	if p.refuse > 0 {
		p.refuse--
		return &providers.Response{FinishReason: providers.FinishStop, Content: "plain text"}, nil
	}
	args, _ := json.Marshal(map[string]any{
		"history_entry": fmt.Sprintf("[2026-08-25 09:%02d] consolidated a slice", p.calls%60),
		"memory_update": "## Facts\n- user is building a greenhouse\n",
		"daily_sections": map[string]any{
			"topics": []string{fmt.Sprintf("slice %d", p.calls)},
		},
	})
	return &providers.Response{
		FinishReason: providers.FinishToolCalls,
		ToolCalls: []models.ToolCall{{
			ID: "call_1", Type: "function",
			Function: models.FunctionCall{Name: SaveMemoryToolName, Arguments: string(args)},
		}},
	}, nil
}

func sliceLines(req *providers.Request) int {
	user := req.Messages[len(req.Messages)-1].ContentText()
	_, after, ok := strings.Cut(user, "# Conversation slice to consolidate")
	if !ok {
		return 0
	}
	n := 0
	for _, line := range strings.Split(after, "\n") {
		if strings.TrimSpace(line) != "" {
			n++
		}
	}
	return n
}

func newTestEngine(t *testing.T, p providers.Provider, window int) (*Engine, *memstore.Store) {
	t.Helper()
	store, err := memstore.New(t.TempDir(), memstore.Options{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	return NewEngine(store, p, nil, nil, Options{Window: window}), store
}

func sessionWithTurns(n int) *models.Session {
	s := models.NewSession("telegram:1")
	for i := 0; i < n; i++ {
		s.Append(
			models.UserMessage(fmt.Sprintf("question %d", i)),
			models.AssistantMessage(fmt.Sprintf("answer %d", i)),
		)
	}
	return s
}

func TestConsolidateNoopBelowKeep(t *testing.T) {
	engine, _ := newTestEngine(t, &chunkProvider{}, 100)
	s := sessionWithTurns(10) // 20 messages, keep = 50
	last, ok := engine.Consolidate(context.Background(), s, false)
	if !ok || last != 0 {
		t.Fatalf("last = %d ok = %v, want noop", last, ok)
	}
}

func TestConsolidateIncrementalAdvances(t *testing.T) {
	p := &chunkProvider{}
	engine, store := newTestEngine(t, p, 20) // keep = 10
	s := sessionWithTurns(20)                // 40 messages, target_last = 30

	last, ok := engine.Consolidate(context.Background(), s, false)
	if !ok {
		t.Fatal("consolidation failed")
	}
	if last <= 0 || last > 30 {
		t.Fatalf("last = %d, want in (0, 30]", last)
	}
	if _, err := os.Stat(store.ProgressPath()); !os.IsNotExist(err) {
		t.Fatal("progress marker left behind")
	}
	if store.ReadMemory() == "" {
		t.Fatal("memory not written")
	}
}

func TestConsolidateOverflowHalvesChunks(t *testing.T) {
	p := &chunkProvider{maxChunk: 1}
	engine, store := newTestEngine(t, p, 20)
	s := sessionWithTurns(20) // target_last = 30

	last, ok := engine.Consolidate(context.Background(), s, false)
	if !ok {
		t.Fatal("consolidation failed under overflow")
	}
	if last <= 0 || last >= 30 {
		t.Fatalf("last = %d, want strictly advanced but below target", last)
	}
	if _, err := os.Stat(store.ProgressPath()); !os.IsNotExist(err) {
		t.Fatal("progress marker not cleared")
	}
}

func TestConsolidateArchiveAllDrainsAndReturnsZero(t *testing.T) {
	p := &chunkProvider{}
	engine, store := newTestEngine(t, p, 20)
	s := sessionWithTurns(20)
	s.LastConsolidated = 4

	last, ok := engine.Consolidate(context.Background(), s, true)
	if !ok || last != 0 {
		t.Fatalf("archive returned last = %d ok = %v", last, ok)
	}
	if _, err := os.Stat(store.ProgressPath()); !os.IsNotExist(err) {
		t.Fatal("progress marker not cleared")
	}
}

func TestConsolidatePlainTextAfterRetryFails(t *testing.T) {
	p := &chunkProvider{refuse: 10}
	engine, store := newTestEngine(t, p, 20)
	s := sessionWithTurns(20)

	last, ok := engine.Consolidate(context.Background(), s, false)
	if ok {
		t.Fatal("expected failure when model never calls save_memory")
	}
	if last != 0 {
		t.Fatalf("last advanced to %d on failure", last)
	}
	if store.ReadMemory() != "" {
		t.Fatal("memory written on fatal chunk")
	}
	if p.calls != 2 {
		t.Fatalf("calls = %d, want initial attempt plus one strict retry", p.calls)
	}
}

func TestConsolidateResumesFromProgressMarker(t *testing.T) {
	p := &chunkProvider{}
	engine, store := newTestEngine(t, p, 20)
	s := sessionWithTurns(20) // 40 messages, target_last = 30

	if err := saveProgress(store.ProgressPath(), &Progress{
		SessionKey: "telegram:1",
		Start:      0, Processed: 10, TargetLast: 30,
		KeepCount: 10, SnapshotLen: 40, ArchiveAll: false,
	}); err != nil {
		t.Fatal(err)
	}

	last, ok := engine.Consolidate(context.Background(), s, false)
	if !ok {
		t.Fatal("resume failed")
	}
	if last <= 10 {
		t.Fatalf("last = %d, want past resumed progress", last)
	}
}

func TestConsolidateClearsMismatchedMarker(t *testing.T) {
	p := &chunkProvider{}
	engine, store := newTestEngine(t, p, 20)
	s := sessionWithTurns(20)

	if err := saveProgress(store.ProgressPath(), &Progress{
		SessionKey: "other:9", Start: 0, Processed: 5, TargetLast: 30,
	}); err != nil {
		t.Fatal(err)
	}

	if _, ok := engine.Consolidate(context.Background(), s, false); !ok {
		t.Fatal("consolidation failed")
	}
	if _, err := os.Stat(store.ProgressPath()); !os.IsNotExist(err) {
		t.Fatal("stale marker survived")
	}
}
