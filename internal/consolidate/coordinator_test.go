package consolidate

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestStartBackgroundIsSingleFlight(t *testing.T) {
	c := NewCoordinator()
	release := make(chan struct{})
	var runs atomic.Int32

	task := c.StartBackground(context.Background(), "k", func(ctx context.Context) {
		runs.Add(1)
		<-release
	})
	if task == nil {
		t.Fatal("first start returned nil")
	}
	// Wait until the work is actually running.
	for !c.InProgress("k") {
		time.Sleep(time.Millisecond)
	}
	if dup := c.StartBackground(context.Background(), "k", func(ctx context.Context) { runs.Add(1) }); dup != nil {
		t.Fatal("second start not rejected")
	}
	close(release)
	task.Wait()
	if runs.Load() != 1 {
		t.Fatalf("runs = %d, want 1", runs.Load())
	}
	if c.InProgress("k") {
		t.Fatal("in-progress flag not cleared")
	}
}

func TestCancelInflightStopsTask(t *testing.T) {
	c := NewCoordinator()
	started := make(chan struct{})
	var canceled atomic.Bool

	c.StartBackground(context.Background(), "k", func(ctx context.Context) {
		close(started)
		<-ctx.Done()
		canceled.Store(true)
	})
	<-started
	c.CancelInflight("k")
	if !canceled.Load() {
		t.Fatal("work did not observe cancellation")
	}
	// Cancelling again is a no-op.
	c.CancelInflight("k")
}

func TestRunExclusiveSerializesPerKey(t *testing.T) {
	c := NewCoordinator()
	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	inFirst := make(chan struct{})

	wg.Add(2)
	go func() {
		defer wg.Done()
		c.RunExclusive(context.Background(), "k", func(ctx context.Context) {
			close(inFirst)
			time.Sleep(20 * time.Millisecond)
			mu.Lock()
			order = append(order, 1)
			mu.Unlock()
		})
	}()
	go func() {
		defer wg.Done()
		<-inFirst
		c.RunExclusive(context.Background(), "k", func(ctx context.Context) {
			mu.Lock()
			order = append(order, 2)
			mu.Unlock()
		})
	}()
	wg.Wait()
	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Fatalf("order = %v", order)
	}
}

func TestPruneLockPurgesUnlockedEntries(t *testing.T) {
	c := NewCoordinator()
	for i := 0; i < lockPruneThreshold+10; i++ {
		c.getLock(string(rune('a'+i%26)) + string(rune('0'+i%10)) + string(rune('A'+i/26%26)))
	}
	held := c.getLock("held")
	held.lock()
	c.pruneLock("whatever", &sessionLock{})
	c.mu.Lock()
	remaining := len(c.locks)
	_, heldPresent := c.locks["held"]
	c.mu.Unlock()
	if remaining != 1 || !heldPresent {
		t.Fatalf("remaining = %d heldPresent = %v", remaining, heldPresent)
	}
	held.unlock()
}