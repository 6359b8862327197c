package job

import (
	"context"
	"sync"
)

// Locker grants at most one execution per job id. TryLock never waits; ok is
// false when another execution holds the lock.
type Locker interface {
	TryLock(ctx context.Context, jobID string) (unlock func(), ok bool, err error)
}

// LocalLocker is a Locker for a single process.
type LocalLocker struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[string]struct{})}
}

func (l *LocalLocker) TryLock(_ context.Context, jobID string) (func(), bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, busy := l.held[jobID]; busy {
		return nil, false, nil
	}
	l.held[jobID] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, jobID)
			l.mu.Unlock()
		})
	}, true, nil
}
