package session

import "sync"

// userLocks hands out one mutex per user so event handling and scheduler
// force-closes serialize per user without a global lock.
type userLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newUserLocks() *userLocks {
	return &userLocks{locks: make(map[string]*sync.Mutex)}
}

// get returns the mutex for the user, creating it on first use. Mutexes are
// never removed; the user population is small and append-only.
func (l *userLocks) get(userID string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()

	lock, ok := l.locks[userID]
	if !ok {
		lock = &sync.Mutex{}
		l.locks[userID] = lock
	}
	return lock
}
