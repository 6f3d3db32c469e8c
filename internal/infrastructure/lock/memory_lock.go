package lock

import (
	"context"
	"sync"
)

// MemoryLock is a process-local Locker. It is correct only when a single
// instance of the service runs sync jobs.
type MemoryLock struct {
	mu    sync.Mutex
	held  map[string]uint64
	epoch uint64
}

// NewMemoryLock creates an empty in-memory lock table
func NewMemoryLock() *MemoryLock {
	return &MemoryLock{held: make(map[string]uint64)}
}

// TryAcquire takes key if it is free
func (l *MemoryLock) TryAcquire(_ context.Context, key string) (func(), bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, busy := l.held[key]; busy {
		return nil, false, nil
	}
	l.epoch++
	token := l.epoch
	l.held[key] = token

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			// only the holder that took this token may free the key
			if l.held[key] == token {
				delete(l.held, key)
			}
		})
	}, true, nil
}

// Held reports whether key is taken
func (l *MemoryLock) Held(_ context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, busy := l.held[key]
	return busy, nil
}

// Size returns the number of held keys (for testing/monitoring)
func (l *MemoryLock) Size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.held)
}

var _ Locker = (*MemoryLock)(nil)
