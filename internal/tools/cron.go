package tools

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/nanobot-ai/nanobot/internal/bus"
)

// cronPublishTimeout bounds the inbound publish when a job fires.
const cronPublishTimeout = 30 * time.Second

// cronJob is one scheduled reminder.
type cronJob struct {
	id      cron.EntryID
	name    string
	spec    string
	message string
	channel string
	chatID  string
}

// CronTool schedules recurring reminders. A firing job publishes a
// synthetic inbound message so it flows through the normal turn pipeline.
type CronTool struct {
	bus  *bus.Bus
	cron *cron.Cron

	mu            sync.Mutex
	jobs          map[string]*cronJob
	originChannel string
	originChatID  string
}

// NewCronTool creates the cron tool and starts its scheduler.
func NewCronTool(b *bus.Bus) *CronTool {
	t := &CronTool{
		bus:  b,
		cron: cron.New(),
		jobs: make(map[string]*cronJob),
	}
	t.cron.Start()
	return t
}

// Stop halts the scheduler. Pending job functions finish first.
func (t *CronTool) Stop() {
	ctx := t.cron.Stop()
	<-ctx.Done()
}

func (t *CronTool) Name() string       { return "cron" }
func (t *CronTool) Capability() string { return "scheduling" }
func (t *CronTool) Description() string {
	return "Manage recurring reminders. Actions: add (name, schedule, message), list, remove (name). Schedules use standard 5-field cron syntax."
}

func (t *CronTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"action":   map[string]any{"type": "string", "enum": []any{"add", "list", "remove"}},
			"name":     map[string]any{"type": "string"},
			"schedule": map[string]any{"type": "string", "description": "Cron expression, e.g. \"0 9 * * *\"."},
			"message":  map[string]any{"type": "string"},
		},
		"required": []any{"action"},
	}
}

// SetRoutingContext records the chat new jobs should fire into.
func (t *CronTool) SetRoutingContext(channel, chatID, _ string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.originChannel = channel
	t.originChatID = chatID
}

func (t *CronTool) Execute(ctx context.Context, params map[string]any) (*Result, error) {
	action := stringParam(params, "action")
	switch action {
	case "add":
		return t.add(params)
	case "list":
		return t.list()
	case "remove":
		return t.remove(params)
	default:
		return ErrorResult("cron", "unknown action: "+action), nil
	}
}

func (t *CronTool) add(params map[string]any) (*Result, error) {
	name := strings.TrimSpace(stringParam(params, "name"))
	spec := strings.TrimSpace(stringParam(params, "schedule"))
	message := strings.TrimSpace(stringParam(params, "message"))
	if name == "" || spec == "" || message == "" {
		return ErrorResult("cron", "add requires name, schedule, and message"), nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.jobs[name]; exists {
		return ErrorResult("cron", "a job named "+name+" already exists"), nil
	}
	channel, chatID := t.originChannel, t.originChatID
	if channel == "" || chatID == "" {
		return ErrorResult("cron", "no routing context: cannot schedule here"), nil
	}

	job := &cronJob{name: name, spec: spec, message: message, channel: channel, chatID: chatID}
	id, err := t.cron.AddFunc(spec, func() { t.fire(job) })
	if err != nil {
		return ErrorResult("cron", "invalid schedule: "+err.Error()), nil
	}
	job.id = id
	t.jobs[name] = job

	return &Result{
		Text:    fmt.Sprintf("scheduled %q (%s)", name, spec),
		Details: map[string]any{"op": "cron", "label": name},
	}, nil
}

func (t *CronTool) fire(job *cronJob) {
	ctx, cancel := context.WithTimeout(context.Background(), cronPublishTimeout)
	defer cancel()
	_ = t.bus.PublishInbound(ctx, &bus.InboundMessage{
		Channel:  job.channel,
		SenderID: "cron",
		ChatID:   job.chatID,
		Content:  fmt.Sprintf("[scheduled reminder %q] %s", job.name, job.message),
		Metadata: map[string]any{"synthetic": true, "source": "cron"},
	})
}

func (t *CronTool) list() (*Result, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.jobs) == 0 {
		return &Result{Text: "no scheduled jobs", Details: map[string]any{"op": "cron"}}, nil
	}
	names := make([]string, 0, len(t.jobs))
	for name := range t.jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	var b strings.Builder
	for _, name := range names {
		job := t.jobs[name]
		fmt.Fprintf(&b, "%s: %s -> %s\n", job.name, job.spec, job.message)
	}
	return &Result{Text: strings.TrimRight(b.String(), "\n"), Details: map[string]any{"op": "cron"}}, nil
}

func (t *CronTool) remove(params map[string]any) (*Result, error) {
	name := strings.TrimSpace(stringParam(params, "name"))
	if name == "" {
		return ErrorResult("cron", "remove requires name"), nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	job, ok := t.jobs[name]
	if !ok {
		return ErrorResult("cron", "no job named "+name), nil
	}
	t.cron.Remove(job.id)
	delete(t.jobs, name)
	return &Result{
		Text:    "removed " + name,
		Details: map[string]any{"op": "cron", "label": name},
	}, nil
}
