// Package runner owns the set of executing pipelines and enforces one
// execution task per pipeline.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"time"
)

var (
	// ErrAlreadyRunning is returned when a pipeline already has a task.
	ErrAlreadyRunning = errors.New("already running")
	// ErrClosed is returned after Shutdown.
	ErrClosed = errors.New("runner closed")
)

// Arena maps pipeline ids to their execution tasks. It is created once and
// passed to whoever launches pipelines.
type Arena struct {
	mu     sync.Mutex
	tasks  map[string]*Task
	wg     sync.WaitGroup
	closed bool
	logger *slog.Logger
	base   context.Context
	cancel context.CancelFunc
}

// New creates an empty arena.
func New(logger *slog.Logger) *Arena {
	if logger == nil {
		logger = slog.Default()
	}
	base, cancel := context.WithCancel(context.Background())
	return &Arena{
		tasks:  make(map[string]*Task),
		logger: logger,
		base:   base,
		cancel: cancel,
	}
}

// Reserve claims the pipeline's slot. The caller must either launch the
// task with Go or give the slot back with Abandon.
func (a *Arena) Reserve(pipelineID string) (*Task, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return nil, ErrClosed
	}
	if _, exists := a.tasks[pipelineID]; exists {
		return nil, fmt.Errorf("pipeline %s: %w", pipelineID, ErrAlreadyRunning)
	}
	ctx, cancel := context.WithCancel(a.base)
	t := &Task{
		PipelineID: pipelineID,
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
		created:    time.Now(),
	}
	a.tasks[pipelineID] = t
	return t, nil
}

// Abandon releases a reservation that was never launched.
func (a *Arena) Abandon(t *Task) {
	a.remove(t)
	t.cancel()
	close(t.done)
}

// Go runs fn for a reserved task on its own goroutine. The slot is released
// when fn returns, even if it panics.
func (a *Arena) Go(t *Task, fn func(ctx context.Context, t *Task)) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer close(t.done)
		defer t.cancel()
		defer a.remove(t)
		defer func() {
			if r := recover(); r != nil {
				a.logger.Error("pipeline task panicked",
					"pipeline", t.PipelineID,
					"panic", r,
					"stack", string(debug.Stack()),
				)
			}
		}()
		a.logger.Debug("pipeline task started", "pipeline", t.PipelineID)
		fn(t.ctx, t)
		a.logger.Debug("pipeline task finished", "pipeline", t.PipelineID, "elapsed", time.Since(t.created))
	}()
}

func (a *Arena) remove(t *Task) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if cur, ok := a.tasks[t.PipelineID]; ok && cur == t {
		delete(a.tasks, t.PipelineID)
	}
}

// Get returns the live task for a pipeline.
func (a *Arena) Get(pipelineID string) (*Task, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	t, ok := a.tasks[pipelineID]
	return t, ok
}

// Active returns the ids of pipelines with a live task, sorted.
func (a *Arena) Active() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	ids := make([]string, 0, len(a.tasks))
	for id := range a.tasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of live tasks.
func (a *Arena) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.tasks)
}

// Wait blocks until the pipeline has no live task or ctx ends.
func (a *Arena) Wait(ctx context.Context, pipelineID string) error {
	t, ok := a.Get(pipelineID)
	if !ok {
		return nil
	}
	select {
	case <-t.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown cancels every task and waits for them to return.
func (a *Arena) Shutdown(ctx context.Context) error {
	a.mu.Lock()
	a.closed = true
	a.mu.Unlock()
	a.cancel()

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("runner: shutdown: %w", ctx.Err())
	}
}
