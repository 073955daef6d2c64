package usecase

import (
	"context"
	"sync"

	"chatengine/internal/domain"
)

// TaskTracker records the in-flight generation cycle of each conversation.
// Holding an entry is the right to drive that conversation's state; a second
// cycle on the same id is refused rather than queued.
type TaskTracker struct {
	mu    sync.Mutex
	tasks map[string]*task
}

type task struct {
	cancel context.CancelFunc
}

// NewTaskTracker creates an empty tracker.
func NewTaskTracker() *TaskTracker {
	return &TaskTracker{tasks: make(map[string]*task)}
}

// Acquire registers cancel as the in-flight task for id. It fails with
// ErrGenerationInProgress when another task holds id. The returned release
// function is idempotent.
func (t *TaskTracker) Acquire(id string, cancel context.CancelFunc) (release func(), err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, busy := t.tasks[id]; busy {
		return nil, domain.NewDomainError("TaskTracker.Acquire", domain.ErrGenerationInProgress, id)
	}
	tk := &task{cancel: cancel}
	t.tasks[id] = tk

	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			if t.tasks[id] == tk {
				delete(t.tasks, id)
			}
			t.mu.Unlock()
		})
	}, nil
}

// Cancel cancels the in-flight task for id. It reports whether one was running.
func (t *TaskTracker) Cancel(id string) bool {
	t.mu.Lock()
	tk, ok := t.tasks[id]
	t.mu.Unlock()
	if !ok {
		return false
	}
	tk.cancel()
	return true
}

// Running reports whether id has an in-flight task.
func (t *TaskTracker) Running(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.tasks[id]
	return ok
}

// CancelAll cancels every in-flight task. Used on shutdown.
func (t *TaskTracker) CancelAll() int {
	t.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(t.tasks))
	for _, tk := range t.tasks {
		cancels = append(cancels, tk.cancel)
	}
	t.mu.Unlock()
	for _, c := range cancels {
		c()
	}
	return len(cancels)
}
