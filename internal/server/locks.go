package server

import "sync"

// appLocks serializes mutating operations per application. TryLock never
// blocks; a held lock means another operation is in flight and the request
// is rejected.
type appLocks struct {
	mu   *sync.Mutex
	busy map[string]bool
}

func newAppLocks() appLocks {
	return appLocks{mu: &sync.Mutex{}, busy: make(map[string]bool)}
}

func (l *appLocks) TryLock(app string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.busy[app] {
		return false
	}
	l.busy[app] = true
	return true
}

func (l *appLocks) Unlock(app string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.busy, app)
}
