// Package subagent runs background tasks in a bounded pool. Each task gets
// a fresh turn runner over a restricted tool registry and reports its
// outcome as a synthetic inbound message on the origin chat.
package subagent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/nanobot-ai/nanobot/internal/agent"
	"github.com/nanobot-ai/nanobot/internal/bus"
	"github.com/nanobot-ai/nanobot/internal/observability"
	"github.com/nanobot-ai/nanobot/internal/providers"
	"github.com/nanobot-ai/nanobot/internal/tools"
	"github.com/nanobot-ai/nanobot/pkg/models"
)

const subagentSystemPrompt = `You are a focused background subagent. Complete the single task below using the available tools, then reply with a concise result summary. You cannot message the user directly and you cannot spawn further subagents; your final reply is delivered to the user by the main agent.`

// Options configures the manager.
type Options struct {
	MaxConcurrent int
	Timeout       time.Duration
	MaxIterations int
	Model         string
	MaxTokens     int
}

// task is one running subagent.
type task struct {
	id     string
	label  string
	cancel context.CancelFunc
}

// Manager owns the pool. The registry passed in must already exclude the
// message and spawn tools.
type Manager struct {
	provider providers.Provider
	registry *tools.Registry
	bus      *bus.Bus
	logger   *observability.Logger
	sem      *semaphore.Weighted
	opts     Options

	mu    sync.Mutex
	tasks map[string][]*task // session key -> running tasks
	wg    sync.WaitGroup
}

// New creates a manager.
func New(provider providers.Provider, registry *tools.Registry, b *bus.Bus, logger *observability.Logger, opts Options) *Manager {
	if logger == nil {
		logger = observability.Discard()
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 3
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Minute
	}
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = 15
	}
	return &Manager{
		provider: provider,
		registry: registry,
		bus:      b,
		logger:   logger,
		sem:      semaphore.NewWeighted(int64(opts.MaxConcurrent)),
		opts:     opts,
		tasks:    make(map[string][]*task),
	}
}

// Spawn starts a background task. It returns a short acceptance note, or an
// error when the pool is full.
func (m *Manager) Spawn(ctx context.Context, taskText, label, originChannel, originChatID string) (string, error) {
	if !m.sem.TryAcquire(1) {
		return "", fmt.Errorf("all %d subagent slots are busy; try again when a task finishes", m.opts.MaxConcurrent)
	}

	sessionKey := models.SessionKey(originChannel, originChatID)
	runCtx, cancel := context.WithCancel(context.Background())
	t := &task{id: uuid.NewString(), label: label, cancel: cancel}

	m.mu.Lock()
	m.tasks[sessionKey] = append(m.tasks[sessionKey], t)
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer m.sem.Release(1)
		defer m.remove(sessionKey, t)
		m.run(runCtx, t, taskText, originChannel, originChatID)
	}()

	m.logger.Info(ctx, "subagent accepted", "label", label, "session_key", sessionKey, "task_id", t.id)
	return fmt.Sprintf("subagent %q started; it will report back to this chat when done", label), nil
}

// run executes the task under the hard timeout and publishes the outcome.
func (m *Manager) run(ctx context.Context, t *task, taskText, channel, chatID string) {
	runCtx, cancel := context.WithTimeout(ctx, m.opts.Timeout)
	defer cancel()

	runner := agent.New(m.provider, m.registry, nil, m.logger, agent.Options{
		MaxIterations: m.opts.MaxIterations,
		Model:         m.opts.Model,
		MaxTokens:     m.opts.MaxTokens,
		Source:        "subagent",
	})
	messages := []models.Message{
		{Role: models.RoleSystem, Content: models.TextContent(subagentSystemPrompt)},
		models.UserMessage(taskText),
	}

	res, err := runner.Run(runCtx, messages, 1, nil, nil)

	status := "completed successfully"
	summary := ""
	switch {
	case runCtx.Err() == context.DeadlineExceeded:
		status = "failed"
		summary = fmt.Sprintf("timed out after %s", m.opts.Timeout)
	case ctx.Err() != nil:
		// Cancelled via /stop; nothing to report.
		m.logger.Info(ctx, "subagent cancelled", "label", t.label, "task_id", t.id)
		return
	case err != nil:
		status = "failed"
		summary = "the task could not be completed"
		m.logger.Error(ctx, "subagent run failed", "label", t.label, "error", err)
	default:
		summary = res.FinalContent
		if res.Counters.MaxIterationsReached {
			status = "failed"
		}
	}

	publishCtx, pubCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer pubCancel()
	perr := m.bus.PublishInbound(publishCtx, &bus.InboundMessage{
		Channel:  channel,
		SenderID: "subagent",
		ChatID:   chatID,
		Content:  fmt.Sprintf("[subagent %q %s] %s", t.label, status, summary),
		Metadata: map[string]any{"synthetic": true, "source": "subagent", "status": status},
	})
	if perr != nil {
		m.logger.Error(ctx, "subagent result publish failed", "label", t.label, "error", perr)
	}
}

// remove unregisters a finished task.
func (m *Manager) remove(sessionKey string, t *task) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.tasks[sessionKey]
	for i, cur := range list {
		if cur == t {
			m.tasks[sessionKey] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(m.tasks[sessionKey]) == 0 {
		delete(m.tasks, sessionKey)
	}
}

// CancelBySession cancels every running task for the session key and
// returns how many were cancelled.
func (m *Manager) CancelBySession(sessionKey string) int {
	m.mu.Lock()
	list := m.tasks[sessionKey]
	cancelled := len(list)
	for _, t := range list {
		t.cancel()
	}
	m.mu.Unlock()
	return cancelled
}

// Running reports the number of tasks currently registered.
func (m *Manager) Running() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, list := range m.tasks {
		n += len(list)
	}
	return n
}

// Shutdown waits for running tasks to finish.
func (m *Manager) Shutdown() { m.wg.Wait() }
