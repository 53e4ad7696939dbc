package tools

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newTestWorkspace(t *testing.T) *Workspace {
	t.Helper()
	ws, err := NewWorkspace(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return ws
}

func TestWriteThenReadFile(t *testing.T) {
	ws := newTestWorkspace(t)
	ctx := context.Background()

	w := NewWriteFileTool(ws, nil)
	res, err := w.Execute(ctx, map[string]any{"path": "notes/today.md", "new_content": "hello"})
	if err != nil || res.IsError {
		t.Fatalf("write failed: %v %+v", err, res)
	}

	r := NewReadFileTool(ws, nil)
	res, err = r.Execute(ctx, map[string]any{"path": "notes/today.md"})
	if err != nil || res.IsError {
		t.Fatalf("read failed: %v %+v", err, res)
	}
	if res.Text != "hello" {
		t.Fatalf("read %q, want hello", res.Text)
	}
	if res.Details["requested_path"] != "notes/today.md" {
		t.Fatalf("details = %+v", res.Details)
	}
}

func TestReadFileBlockedOutsideWorkspace(t *testing.T) {
	ws := newTestWorkspace(t)
	r := NewReadFileTool(ws, nil)
	res, err := r.Execute(context.Background(), map[string]any{"path": "../../etc/passwd"})
	if err != nil {
		t.Fatal(err)
	}
	if !res.IsError || !strings.Contains(res.Text, "access denied") {
		t.Fatalf("escape not blocked: %+v", res)
	}
}

func TestEditFileReportsFirstChangedLine(t *testing.T) {
	ws := newTestWorkspace(t)
	path := filepath.Join(ws.Root(), "config.txt")
	if err := os.WriteFile(path, []byte("one\ntwo\nthree\ntwo\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	e := NewEditFileTool(ws, nil)
	res, err := e.Execute(context.Background(), map[string]any{
		"path": "config.txt", "old_string": "two", "new_content": "TWO",
	})
	if err != nil || res.IsError {
		t.Fatalf("edit failed: %v %+v", err, res)
	}
	if res.Details["replacement_count"] != 2 {
		t.Fatalf("replacement_count = %v", res.Details["replacement_count"])
	}
	if res.Details["first_changed_line"] != 2 {
		t.Fatalf("first_changed_line = %v", res.Details["first_changed_line"])
	}
	data, _ := os.ReadFile(path)
	if string(data) != "one\nTWO\nthree\nTWO\n" {
		t.Fatalf("file content = %q", data)
	}
}

func TestEditFileMissingOldString(t *testing.T) {
	ws := newTestWorkspace(t)
	if err := os.WriteFile(filepath.Join(ws.Root(), "a.txt"), []byte("abc"), 0o644); err != nil {
		t.Fatal(err)
	}
	e := NewEditFileTool(ws, nil)
	res, err := e.Execute(context.Background(), map[string]any{
		"path": "a.txt", "old_string": "zzz", "new_content": "x",
	})
	if err != nil || !res.IsError {
		t.Fatalf("expected error result, got %v %+v", err, res)
	}
}

func TestListDirSortsAndMarksDirs(t *testing.T) {
	ws := newTestWorkspace(t)
	if err := os.Mkdir(filepath.Join(ws.Root(), "sub"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(ws.Root(), "b.txt"), nil, 0o644); err != nil {
		t.Fatal(err)
	}
	l := NewListDirTool(ws, nil)
	res, err := l.Execute(context.Background(), map[string]any{})
	if err != nil || res.IsError {
		t.Fatalf("list failed: %v %+v", err, res)
	}
	if res.Text != "b.txt\nsub/" {
		t.Fatalf("listing = %q", res.Text)
	}
}

func TestExecToolRunsAndCapturesExit(t *testing.T) {
	ws := newTestWorkspace(t)
	e := NewExecTool(ws, 0)

	res, err := e.Execute(context.Background(), map[string]any{"command": "echo hi"})
	if err != nil || res.IsError {
		t.Fatalf("exec failed: %v %+v", err, res)
	}
	if strings.TrimSpace(res.Text) != "hi" {
		t.Fatalf("output = %q", res.Text)
	}
	if res.Details["exit_code"] != 0 {
		t.Fatalf("exit_code = %v", res.Details["exit_code"])
	}

	res, err = e.Execute(context.Background(), map[string]any{"command": "exit 3"})
	if err != nil {
		t.Fatal(err)
	}
	if !res.IsError || res.Details["exit_code"] != 3 {
		t.Fatalf("nonzero exit not reported: %+v", res)
	}
}

func TestExecToolBlocksDestructiveCommands(t *testing.T) {
	ws := newTestWorkspace(t)
	e := NewExecTool(ws, 0)
	res, err := e.Execute(context.Background(), map[string]any{"command": "rm -rf / --no-preserve-root"})
	if err != nil {
		t.Fatal(err)
	}
	if !res.IsError || res.Details["blocked"] != true {
		t.Fatalf("destructive command not blocked: %+v", res)
	}
}
