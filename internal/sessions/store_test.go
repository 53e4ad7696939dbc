package sessions

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nanobot-ai/nanobot/pkg/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir(), "", nil)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestSaveLoadRoundTrip(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s1, err := New(dir, "", nil)
	if err != nil {
		t.Fatal(err)
	}

	sess, err := s1.Load(ctx, "telegram:42")
	if err != nil {
		t.Fatal(err)
	}
	sess.Metadata["lang"] = "de"
	sess.LastConsolidated = 0
	sess.Append(
		models.UserMessage("hello"),
		models.Message{
			Role:    models.RoleAssistant,
			Content: models.TextContent(""),
			ToolCalls: []models.ToolCall{{
				ID: "call_1", Type: "function",
				Function: models.FunctionCall{Name: "exec", Arguments: `{"command":"ls"}`},
			}},
		},
		models.Message{
			Role: models.RoleTool, ToolCallID: "call_1", Name: "exec",
			Content: models.TextContent("files"),
			ToolDetails: &models.ToolDetails{
				SchemaVersion: 1, Tool: "exec", Data: map[string]any{"op": "exec"},
			},
		},
	)
	if err := s1.Save(ctx, sess); err != nil {
		t.Fatal(err)
	}

	// Fresh store forces a disk read.
	s2, err := New(dir, "", nil)
	if err != nil {
		t.Fatal(err)
	}
	loaded, err := s2.Load(ctx, "telegram:42")
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Key != "telegram:42" || len(loaded.Messages) != 3 {
		t.Fatalf("loaded = %+v", loaded)
	}
	if loaded.Metadata["lang"] != "de" {
		t.Fatalf("metadata = %v", loaded.Metadata)
	}
	if loaded.Messages[1].ToolCalls[0].ID != "call_1" {
		t.Fatal("tool call lost")
	}
	if loaded.Messages[2].ToolDetails == nil || loaded.Messages[2].ToolDetails.Tool != "exec" {
		t.Fatal("tool details lost")
	}
}

func TestSaveElidedWhenSignatureUnchanged(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	sess, _ := s.Load(ctx, "k:1")
	sess.Append(models.UserMessage("hi"))
	if err := s.Save(ctx, sess); err != nil {
		t.Fatal(err)
	}

	path := s.path("k:1")
	info1, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(10 * time.Millisecond)
	if err := s.Save(ctx, sess); err != nil {
		t.Fatal(err)
	}
	info2, _ := os.Stat(path)
	if !info1.ModTime().Equal(info2.ModTime()) {
		t.Fatal("unchanged save touched the file")
	}
	writes, skips := s.Counters()
	if writes != 1 || skips != 1 {
		t.Fatalf("writes=%d skips=%d", writes, skips)
	}

	sess.Append(models.AssistantMessage("yo"))
	if err := s.Save(ctx, sess); err != nil {
		t.Fatal(err)
	}
	writes, _ = s.Counters()
	if writes != 2 {
		t.Fatalf("changed session not written: writes=%d", writes)
	}
}

func TestFileFormatMetadataFirstLine(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	sess, _ := s.Load(ctx, "k:fmt")
	sess.Append(models.UserMessage("hi"))
	if err := s.Save(ctx, sess); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(s.path("k:fmt"))
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		t.Fatalf("lines = %d", len(lines))
	}
	if !strings.Contains(lines[0], `"_type":"metadata"`) {
		t.Fatalf("first line = %s", lines[0])
	}
	if !strings.Contains(lines[1], `"role":"user"`) {
		t.Fatalf("second line = %s", lines[1])
	}
}

func TestLegacyMigration(t *testing.T) {
	ctx := context.Background()
	legacy := t.TempDir()
	dir := t.TempDir()

	// Seed a legacy file via a throwaway store.
	old, err := New(legacy, "", nil)
	if err != nil {
		t.Fatal(err)
	}
	sess, _ := old.Load(ctx, "telegram:7")
	sess.Append(models.UserMessage("from the old home"))
	if err := old.Save(ctx, sess); err != nil {
		t.Fatal(err)
	}

	s, err := New(dir, legacy, nil)
	if err != nil {
		t.Fatal(err)
	}
	loaded, err := s.Load(ctx, "telegram:7")
	if err != nil {
		t.Fatal(err)
	}
	if len(loaded.Messages) != 1 {
		t.Fatalf("migrated session = %+v", loaded)
	}
	if _, err := os.Stat(filepath.Join(legacy, "telegram_7.jsonl")); !os.IsNotExist(err) {
		t.Fatal("legacy file still present")
	}
	if _, err := os.Stat(filepath.Join(dir, "telegram_7.jsonl")); err != nil {
		t.Fatal("migrated file missing")
	}
}

func TestKeysListsSessionsFromMetadata(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	for _, key := range []string{"telegram:42", "telegram:7", "cli:local"} {
		sess, _ := s.Load(ctx, key)
		sess.Append(models.UserMessage("hi"))
		if err := s.Save(ctx, sess); err != nil {
			t.Fatal(err)
		}
	}

	keys, err := s.Keys()
	if err != nil {
		t.Fatal(err)
	}
	// The filename flattens ":" to "_"; the metadata line preserves it.
	want := []string{"cli:local", "telegram:42", "telegram:7"}
	if len(keys) != len(want) {
		t.Fatalf("keys = %v", keys)
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Fatalf("keys = %v, want %v", keys, want)
		}
	}
}

func TestInvalidateForcesReload(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	sess, _ := s.Load(ctx, "k:2")
	sess.Append(models.UserMessage("volatile"))

	s.Invalidate("k:2")
	fresh, err := s.Load(ctx, "k:2")
	if err != nil {
		t.Fatal(err)
	}
	if len(fresh.Messages) != 0 {
		t.Fatal("invalidate did not drop the cached session")
	}
}
