package engine

import (
	"context"
	"sync"
)

// identityLocks serializes dispatch across requests for the same identity
// key. The lock is advisory and held only for the dispatch/compensate
// phase, never across the approval-gate suspension.
type identityLocks struct {
	mu    sync.Mutex
	locks map[string]*identityLock
}

type identityLock struct {
	ch   chan struct{} // closed-when-free semantics via buffered token
	refs int
}

func newIdentityLocks() *identityLocks {
	return &identityLocks{locks: make(map[string]*identityLock)}
}

// Acquire blocks until the lock for key is held or ctx is done.
func (l *identityLocks) Acquire(ctx context.Context, key string) error {
	l.mu.Lock()
	entry, ok := l.locks[key]
	if !ok {
		entry = &identityLock{ch: make(chan struct{}, 1)}
		l.locks[key] = entry
	}
	entry.refs++
	l.mu.Unlock()

	select {
	case entry.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		l.release(key, false)
		return ctx.Err()
	}
}

// Release frees the lock for key.
func (l *identityLocks) Release(key string) {
	l.release(key, true)
}

func (l *identityLocks) release(key string, held bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.locks[key]
	if !ok {
		return
	}
	if held {
		<-entry.ch
	}
	entry.refs--
	if entry.refs <= 0 {
		delete(l.locks, key)
	}
}
