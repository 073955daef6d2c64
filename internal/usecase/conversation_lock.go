package usecase

import (
	"context"
	"fmt"
	"sync"
)

// ConversationLocker serializes read-modify-write cycles against the store
// per conversation id.
type ConversationLocker struct {
	mu    sync.Mutex
	locks map[string]*conversationMutex
}

type conversationMutex struct {
	mu       sync.Mutex
	refCount int
}

// NewConversationLocker creates a new conversation locker.
func NewConversationLocker() *ConversationLocker {
	return &ConversationLocker{
		locks: make(map[string]*conversationMutex),
	}
}

// Lock acquires the lock for the given conversation. It blocks until the
// lock is acquired or the context is cancelled. The returned unlock function
// must be called exactly once.
func (cl *ConversationLocker) Lock(ctx context.Context, id string) (unlock func(), err error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("conversation lock: %w", err)
	}

	cl.mu.Lock()
	cm, ok := cl.locks[id]
	if !ok {
		cm = &conversationMutex{}
		cl.locks[id] = cm
	}
	cm.refCount++
	cl.mu.Unlock()

	// Fast path avoids a goroutine for the uncontended case.
	if cm.mu.TryLock() {
		return cl.releaser(id, cm), nil
	}

	acquired := make(chan struct{})
	go func() {
		cm.mu.Lock()
		close(acquired)
	}()

	select {
	case <-acquired:
		return cl.releaser(id, cm), nil
	case <-ctx.Done():
		// The goroutine still holds a pending Lock; release it once granted.
		go func() {
			<-acquired
			cl.releaser(id, cm)()
		}()
		return nil, fmt.Errorf("conversation lock: %w", ctx.Err())
	}
}

func (cl *ConversationLocker) releaser(id string, cm *conversationMutex) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			cm.mu.Unlock()
			cl.mu.Lock()
			cm.refCount--
			if cm.refCount == 0 {
				delete(cl.locks, id)
			}
			cl.mu.Unlock()
		})
	}
}

// ActiveCount returns the number of conversations with held or pending locks.
func (cl *ConversationLocker) ActiveCount() int {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return len(cl.locks)
}
