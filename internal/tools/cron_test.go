package tools

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/nanobot-ai/nanobot/internal/bus"
)

func newTestCron(t *testing.T) (*CronTool, *bus.Bus) {
	t.Helper()
	b := bus.New(8)
	tool := NewCronTool(b)
	t.Cleanup(tool.Stop)
	tool.SetRoutingContext("telegram", "42", "m1")
	return tool, b
}

func TestCronAddListRemove(t *testing.T) {
	tool, _ := newTestCron(t)
	ctx := context.Background()

	res, err := tool.Execute(ctx, map[string]any{
		"action": "add", "name": "standup", "schedule": "0 9 * * *", "message": "daily standup",
	})
	if err != nil || res.IsError {
		t.Fatalf("add = %+v err = %v", res, err)
	}

	res, _ = tool.Execute(ctx, map[string]any{"action": "list"})
	if !strings.Contains(res.Text, "standup: 0 9 * * *") {
		t.Fatalf("list = %q", res.Text)
	}

	res, _ = tool.Execute(ctx, map[string]any{"action": "remove", "name": "standup"})
	if res.IsError {
		t.Fatalf("remove = %+v", res)
	}
	res, _ = tool.Execute(ctx, map[string]any{"action": "list"})
	if !strings.Contains(res.Text, "no scheduled jobs") {
		t.Fatalf("list after remove = %q", res.Text)
	}
}

func TestCronAddRejectsBadSchedule(t *testing.T) {
	tool, _ := newTestCron(t)
	res, _ := tool.Execute(context.Background(), map[string]any{
		"action": "add", "name": "bad", "schedule": "not a cron spec", "message": "m",
	})
	if !res.IsError || !strings.Contains(res.Text, "invalid schedule") {
		t.Fatalf("result = %+v", res)
	}
}

func TestCronAddRequiresRoutingContext(t *testing.T) {
	b := bus.New(8)
	tool := NewCronTool(b)
	t.Cleanup(tool.Stop)
	res, _ := tool.Execute(context.Background(), map[string]any{
		"action": "add", "name": "n", "schedule": "* * * * *", "message": "m",
	})
	if !res.IsError || !strings.Contains(res.Text, "no routing context") {
		t.Fatalf("result = %+v", res)
	}
}

func TestCronFirePublishesSyntheticInbound(t *testing.T) {
	tool, b := newTestCron(t)
	tool.fire(&cronJob{name: "standup", message: "daily standup", channel: "telegram", chatID: "42"})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg, err := b.ConsumeInbound(ctx)
	if err != nil {
		t.Fatal("fired job published nothing:", err)
	}
	if msg.Channel != "telegram" || msg.ChatID != "42" || msg.SenderID != "cron" {
		t.Fatalf("routing = %+v", msg)
	}
	if !strings.Contains(msg.Content, `[scheduled reminder "standup"] daily standup`) {
		t.Fatalf("content = %q", msg.Content)
	}
	if msg.Metadata["synthetic"] != true || msg.Metadata["source"] != "cron" {
		t.Fatalf("metadata = %v", msg.Metadata)
	}
}
