package tools

import (
	"context"
	"testing"

	"github.com/nanobot-ai/nanobot/internal/bus"
)

func TestMessageToolPublishesToOrigin(t *testing.T) {
	b := bus.New(4)
	m := NewMessageTool(b)
	m.SetRoutingContext("telegram", "42", "msg-7")

	if m.SentThisTurn() {
		t.Fatal("fresh routing context should report nothing sent")
	}

	res, err := m.Execute(context.Background(), map[string]any{"content": "working on it"})
	if err != nil || res.IsError {
		t.Fatalf("send failed: %v %+v", err, res)
	}
	if !m.SentThisTurn() {
		t.Fatal("SentThisTurn should flip after a send")
	}

	out, err := b.ConsumeOutbound(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if out.Channel != "telegram" || out.ChatID != "42" || out.Content != "working on it" || out.ReplyTo != "msg-7" {
		t.Fatalf("outbound = %+v", out)
	}
}

func TestMessageToolResetsSentFlagPerTurn(t *testing.T) {
	b := bus.New(4)
	m := NewMessageTool(b)
	m.SetRoutingContext("telegram", "42", "")
	if _, err := m.Execute(context.Background(), map[string]any{"content": "hi"}); err != nil {
		t.Fatal(err)
	}
	m.SetRoutingContext("telegram", "42", "")
	if m.SentThisTurn() {
		t.Fatal("sent flag should reset when routing context is set for a new turn")
	}
}

func TestMessageToolRequiresRoutingContext(t *testing.T) {
	m := NewMessageTool(bus.New(4))
	res, err := m.Execute(context.Background(), map[string]any{"content": "hi"})
	if err != nil {
		t.Fatal(err)
	}
	if !res.IsError {
		t.Fatal("send without routing context should fail")
	}
}

type stubSpawner struct {
	note string
	err  error

	gotTask, gotLabel, gotChannel, gotChat string
}

func (s *stubSpawner) Spawn(_ context.Context, task, label, channel, chatID string) (string, error) {
	s.gotTask, s.gotLabel, s.gotChannel, s.gotChat = task, label, channel, chatID
	return s.note, s.err
}

func TestSpawnToolPassesOriginRoute(t *testing.T) {
	sp := &stubSpawner{note: "accepted"}
	tool := NewSpawnTool(sp)
	tool.SetRoutingContext("telegram", "42", "msg-1")

	res, err := tool.Execute(context.Background(), map[string]any{"task": "summarize the repo", "label": "repo"})
	if err != nil || res.IsError {
		t.Fatalf("spawn failed: %v %+v", err, res)
	}
	if sp.gotChannel != "telegram" || sp.gotChat != "42" || sp.gotLabel != "repo" {
		t.Fatalf("spawner saw %+v", sp)
	}
	if res.Details["accepted"] != true {
		t.Fatalf("details = %+v", res.Details)
	}
}
