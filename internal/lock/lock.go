// Package lock provides the non-blocking mutual exclusion used to keep sync
// passes from overlapping, either inside one process or across daemons that
// share a Redis instance.
package lock

import (
	"context"
	"sync"
	"time"
)

// UnlockFunc releases a lock taken by TryLock
type UnlockFunc func()

// Locker takes a named lock without waiting. ok is false when the lock is
// already held elsewhere.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (unlock UnlockFunc, ok bool, err error)
}

// LocalLocker is an in-process Locker. The ttl is ignored because holders
// always release on return.
type LocalLocker struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// NewLocalLocker creates an in-process locker
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[string]struct{})}
}

func (l *LocalLocker) TryLock(_ context.Context, key string, _ time.Duration) (UnlockFunc, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, busy := l.held[key]; busy {
		return nil, false, nil
	}
	l.held[key] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, key)
			l.mu.Unlock()
		})
	}, true, nil
}
