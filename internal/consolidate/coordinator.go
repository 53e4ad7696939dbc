package consolidate

import (
	"context"
	"sync"
)

// lockPruneThreshold triggers a batch purge of unlocked entries.
const lockPruneThreshold = 100

// sessionLock is one per-session mutex with an owner flag the coordinator
// can inspect during pruning.
type sessionLock struct {
	mu   sync.Mutex
	held bool
}

func (l *sessionLock) lock() {
	l.mu.Lock()
	l.held = true
}

func (l *sessionLock) unlock() {
	l.held = false
	l.mu.Unlock()
}

// Task is a handle to one background consolidation.
type Task struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Wait blocks until the task finishes.
func (t *Task) Wait() { <-t.done }

// Coordinator serializes consolidation per session key and keeps background
// runs single-flight: at most one in-flight consolidation per session.
type Coordinator struct {
	mu         sync.Mutex
	locks      map[string]*sessionLock
	inProgress map[string]bool
	tasks      map[string]*Task
}

// NewCoordinator creates an empty coordinator.
func NewCoordinator() *Coordinator {
	return &Coordinator{
		locks:      make(map[string]*sessionLock),
		inProgress: make(map[string]bool),
		tasks:      make(map[string]*Task),
	}
}

// getLock returns the per-session lock, creating it on demand.
func (c *Coordinator) getLock(key string) *sessionLock {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.locks[key]
	if !ok {
		l = &sessionLock{}
		c.locks[key] = l
	}
	return l
}

// pruneLock drops the entry when unlocked; past the threshold it batch
// purges every unlocked entry.
func (c *Coordinator) pruneLock(key string, l *sessionLock) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.locks[key]; ok && cur == l && !l.held {
		delete(c.locks, key)
	}
	if len(c.locks) > lockPruneThreshold {
		for k, entry := range c.locks {
			if !entry.held {
				delete(c.locks, k)
			}
		}
	}
}

// InProgress reports whether a consolidation is registered for the key.
func (c *Coordinator) InProgress(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inProgress[key]
}

// CancelInflight cancels the background task registered for key, if any,
// and waits for it to wind down.
func (c *Coordinator) CancelInflight(key string) {
	c.mu.Lock()
	task := c.tasks[key]
	c.mu.Unlock()
	if task == nil {
		return
	}
	task.cancel()
	task.Wait()
}

// RunExclusive marks the key in progress, serializes on the session lock,
// runs work, then unmarks and prunes.
func (c *Coordinator) RunExclusive(ctx context.Context, key string, work func(ctx context.Context)) {
	c.mu.Lock()
	c.inProgress[key] = true
	c.mu.Unlock()

	l := c.getLock(key)
	l.lock()
	defer func() {
		l.unlock()
		c.mu.Lock()
		delete(c.inProgress, key)
		c.mu.Unlock()
		c.pruneLock(key, l)
	}()
	work(ctx)
}

// StartBackground spawns a single-flight background run for the key. When a
// run is already in progress it returns nil.
func (c *Coordinator) StartBackground(ctx context.Context, key string, work func(ctx context.Context)) *Task {
	c.mu.Lock()
	if c.inProgress[key] {
		c.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	task := &Task{cancel: cancel, done: make(chan struct{})}
	c.inProgress[key] = true
	c.tasks[key] = task
	c.mu.Unlock()

	go func() {
		defer close(task.done)
		defer cancel()
		l := c.getLock(key)
		l.lock()
		defer func() {
			l.unlock()
			c.mu.Lock()
			delete(c.inProgress, key)
			if c.tasks[key] == task {
				delete(c.tasks, key)
			}
			c.mu.Unlock()
			c.pruneLock(key, l)
		}()
		work(runCtx)
	}()
	return task
}
