package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/nanobot-ai/nanobot/internal/observability"
)

// maxReadBytes bounds what read_file returns to the model.
const maxReadBytes = 256 << 10

func stringParam(params map[string]any, key string) string {
	s, _ := params[key].(string)
	return s
}

func ensureLogger(l *observability.Logger) *observability.Logger {
	if l == nil {
		return observability.Discard()
	}
	return l
}

// ReadFileTool reads a file inside the workspace.
type ReadFileTool struct {
	ws     *Workspace
	logger *observability.Logger
}

// NewReadFileTool creates the read_file tool.
func NewReadFileTool(ws *Workspace, logger *observability.Logger) *ReadFileTool {
	return &ReadFileTool{ws: ws, logger: ensureLogger(logger)}
}

func (t *ReadFileTool) Name() string        { return "read_file" }
func (t *ReadFileTool) Capability() string  { return "filesystem" }
func (t *ReadFileTool) Description() string { return "Read a text file from the workspace." }

func (t *ReadFileTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{"type": "string", "description": "Path relative to the workspace root."},
		},
		"required": []any{"path"},
	}
}

func (t *ReadFileTool) Execute(ctx context.Context, params map[string]any) (*Result, error) {
	requested := stringParam(params, "path")
	path, err := t.ws.Resolve(requested)
	if err != nil {
		t.logger.Warn(ctx, "file access blocked", "op", "read_file", "path", requested, "error", err)
		return ErrorResult("read_file", "access denied: "+err.Error()), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return ErrorResult("read_file", "read failed: "+err.Error()), nil
	}
	truncated := false
	if len(data) > maxReadBytes {
		data = data[:maxReadBytes]
		truncated = true
	}
	text := string(data)
	if truncated {
		text += "\n... (truncated)"
	}
	return &Result{
		Text:    text,
		Details: map[string]any{"op": "read_file", "path": path, "requested_path": requested},
	}, nil
}

// WriteFileTool writes a file inside the workspace, refusing to follow
// symlinks on the final component.
type WriteFileTool struct {
	ws     *Workspace
	logger *observability.Logger
}

// NewWriteFileTool creates the write_file tool.
func NewWriteFileTool(ws *Workspace, logger *observability.Logger) *WriteFileTool {
	return &WriteFileTool{ws: ws, logger: ensureLogger(logger)}
}

func (t *WriteFileTool) Name() string       { return "write_file" }
func (t *WriteFileTool) Capability() string { return "filesystem" }
func (t *WriteFileTool) Description() string {
	return "Create or overwrite a text file in the workspace."
}
func (t *WriteFileTool) RiskNote() string { return "Overwrites existing files without backup." }

func (t *WriteFileTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path":        map[string]any{"type": "string"},
			"new_content": map[string]any{"type": "string"},
		},
		"required": []any{"path", "new_content"},
	}
}

func (t *WriteFileTool) Execute(ctx context.Context, params map[string]any) (*Result, error) {
	requested := stringParam(params, "path")
	content := stringParam(params, "new_content")
	path, err := t.ws.Resolve(requested)
	if err != nil {
		t.logger.Warn(ctx, "file access blocked", "op", "write_file", "path", requested, "error", err)
		return ErrorResult("write_file", "access denied: "+err.Error()), nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return ErrorResult("write_file", "write failed: "+err.Error()), nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC|noFollowFlag, 0o644)
	if err != nil {
		return ErrorResult("write_file", "write failed: "+err.Error()), nil
	}
	_, werr := f.WriteString(content)
	cerr := f.Close()
	if werr != nil {
		return ErrorResult("write_file", "write failed: "+werr.Error()), nil
	}
	if cerr != nil {
		return ErrorResult("write_file", "write failed: "+cerr.Error()), nil
	}
	return &Result{
		Text: fmt.Sprintf("wrote %d bytes to %s", len(content), requested),
		Details: map[string]any{
			"op": "write_file", "path": path, "requested_path": requested,
		},
	}, nil
}

// EditFileTool replaces occurrences of a string in a file.
type EditFileTool struct {
	ws     *Workspace
	logger *observability.Logger
}

// NewEditFileTool creates the edit_file tool.
func NewEditFileTool(ws *Workspace, logger *observability.Logger) *EditFileTool {
	return &EditFileTool{ws: ws, logger: ensureLogger(logger)}
}

func (t *EditFileTool) Name() string       { return "edit_file" }
func (t *EditFileTool) Capability() string { return "filesystem" }
func (t *EditFileTool) Description() string {
	return "Replace an exact string in a workspace file."
}

func (t *EditFileTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path":        map[string]any{"type": "string"},
			"old_string":  map[string]any{"type": "string"},
			"new_content": map[string]any{"type": "string", "description": "Replacement text."},
		},
		"required": []any{"path", "old_string", "new_content"},
	}
}

func (t *EditFileTool) Execute(ctx context.Context, params map[string]any) (*Result, error) {
	requested := stringParam(params, "path")
	oldStr := stringParam(params, "old_string")
	newStr := stringParam(params, "new_content")
	if oldStr == "" {
		return ErrorResult("edit_file", "old_string must not be empty"), nil
	}
	path, err := t.ws.Resolve(requested)
	if err != nil {
		t.logger.Warn(ctx, "file access blocked", "op", "edit_file", "path", requested, "error", err)
		return ErrorResult("edit_file", "access denied: "+err.Error()), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return ErrorResult("edit_file", "read failed: "+err.Error()), nil
	}
	text := string(data)
	count := strings.Count(text, oldStr)
	if count == 0 {
		return ErrorResult("edit_file", "old_string not found in "+requested), nil
	}
	firstLine := 1 + strings.Count(text[:strings.Index(text, oldStr)], "\n")
	updated := strings.ReplaceAll(text, oldStr, newStr)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|noFollowFlag, 0o644)
	if err != nil {
		return ErrorResult("edit_file", "write failed: "+err.Error()), nil
	}
	_, werr := f.WriteString(updated)
	cerr := f.Close()
	if werr != nil {
		return ErrorResult("edit_file", "write failed: "+werr.Error()), nil
	}
	if cerr != nil {
		return ErrorResult("edit_file", "write failed: "+cerr.Error()), nil
	}
	return &Result{
		Text: fmt.Sprintf("replaced %d occurrence(s) in %s", count, requested),
		Details: map[string]any{
			"op": "edit_file", "path": path, "requested_path": requested,
			"first_changed_line": firstLine, "replacement_count": count,
		},
	}, nil
}

// ListDirTool lists a workspace directory.
type ListDirTool struct {
	ws     *Workspace
	logger *observability.Logger
}

// NewListDirTool creates the list_dir tool.
func NewListDirTool(ws *Workspace, logger *observability.Logger) *ListDirTool {
	return &ListDirTool{ws: ws, logger: ensureLogger(logger)}
}

func (t *ListDirTool) Name() string        { return "list_dir" }
func (t *ListDirTool) Capability() string  { return "filesystem" }
func (t *ListDirTool) Description() string { return "List entries of a workspace directory." }

func (t *ListDirTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{"type": "string", "description": "Defaults to the workspace root."},
		},
	}
}

func (t *ListDirTool) Execute(ctx context.Context, params map[string]any) (*Result, error) {
	requested := stringParam(params, "path")
	if requested == "" {
		requested = "."
	}
	path, err := t.ws.Resolve(requested)
	if err != nil {
		t.logger.Warn(ctx, "file access blocked", "op", "list_dir", "path", requested, "error", err)
		return ErrorResult("list_dir", "access denied: "+err.Error()), nil
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return ErrorResult("list_dir", "list failed: "+err.Error()), nil
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return &Result{
		Text:    strings.Join(names, "\n"),
		Details: map[string]any{"op": "list_dir", "path": path, "requested_path": requested},
	}, nil
}
