package lifecycle

import "sync"

// attemptLocks hands out one mutex per task attempt, created on demand.
// Entries are dropped once no caller holds or waits on them.
type attemptLocks struct {
	mu    sync.Mutex
	locks map[string]*attemptLock
}

type attemptLock struct {
	mu   sync.Mutex
	refs int
}

func newAttemptLocks() *attemptLocks {
	return &attemptLocks{locks: make(map[string]*attemptLock)}
}

// lock blocks until the attempt is free and returns the matching unlock.
func (l *attemptLocks) lock(attemptID string) func() {
	l.mu.Lock()
	al, ok := l.locks[attemptID]
	if !ok {
		al = &attemptLock{}
		l.locks[attemptID] = al
	}
	al.refs++
	l.mu.Unlock()

	al.mu.Lock()
	return func() {
		al.mu.Unlock()
		l.mu.Lock()
		al.refs--
		if al.refs == 0 {
			delete(l.locks, attemptID)
		}
		l.mu.Unlock()
	}
}

func (l *attemptLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
