package tools

import (
	"context"
	"strings"
	"sync"
)

// Spawner starts a background subagent task. Implemented by the subagent
// manager; the tool stays decoupled from it to avoid an import cycle.
type Spawner interface {
	// Spawn starts the task and returns a short acceptance note, or an
	// error when the pool is full or the task is rejected.
	Spawn(ctx context.Context, task, label, originChannel, originChatID string) (string, error)
}

// SpawnTool hands a task to the subagent manager. The result of the task
// arrives later as a synthetic inbound message on the origin chat.
type SpawnTool struct {
	spawner Spawner

	mu            sync.Mutex
	originChannel string
	originChatID  string
}

// NewSpawnTool creates the spawn tool.
func NewSpawnTool(s Spawner) *SpawnTool {
	return &SpawnTool{spawner: s}
}

func (t *SpawnTool) Name() string       { return "spawn" }
func (t *SpawnTool) Capability() string { return "subagents" }
func (t *SpawnTool) Description() string {
	return "Run a task in a background subagent. The subagent reports its result back to this chat when done."
}

func (t *SpawnTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"task":  map[string]any{"type": "string", "description": "Full task description for the subagent."},
			"label": map[string]any{"type": "string", "description": "Short label used when reporting back."},
		},
		"required": []any{"task"},
	}
}

// SetRoutingContext records where the subagent result should be delivered.
func (t *SpawnTool) SetRoutingContext(channel, chatID, _ string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.originChannel = channel
	t.originChatID = chatID
}

func (t *SpawnTool) Execute(ctx context.Context, params map[string]any) (*Result, error) {
	task := strings.TrimSpace(stringParam(params, "task"))
	if task == "" {
		return ErrorResult("spawn", "task must not be empty"), nil
	}
	label := strings.TrimSpace(stringParam(params, "label"))
	if label == "" {
		label = "subagent"
	}

	t.mu.Lock()
	channel, chatID := t.originChannel, t.originChatID
	t.mu.Unlock()

	note, err := t.spawner.Spawn(ctx, task, label, channel, chatID)
	if err != nil {
		return &Result{
			Text:    "spawn refused: " + err.Error(),
			IsError: true,
			Details: map[string]any{
				"op": "spawn", "label": label, "task_len": len(task), "accepted": false,
			},
		}, nil
	}
	return &Result{
		Text: note,
		Details: map[string]any{
			"op": "spawn", "label": label, "task_len": len(task), "accepted": true,
			"origin_channel": channel, "origin_chat_id": chatID,
		},
	}, nil
}
