package requests

import "sync"

// requestLocks serializes work on a single request id. Entries are
// reference counted and dropped once nobody holds or waits for them.
type requestLocks struct {
	mu    sync.Mutex
	locks map[string]*requestLock
}

type requestLock struct {
	sync.Mutex
	refs int
}

// lock blocks until id is free and returns the matching unlock.
func (l *requestLocks) lock(id string) func() {
	l.mu.Lock()
	if l.locks == nil {
		l.locks = make(map[string]*requestLock)
	}
	entry, ok := l.locks[id]
	if !ok {
		entry = &requestLock{}
		l.locks[id] = entry
	}
	entry.refs++
	l.mu.Unlock()

	entry.Lock()
	return func() {
		entry.Unlock()
		l.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(l.locks, id)
		}
		l.mu.Unlock()
	}
}

// held reports how many callers hold or wait on id.
func (l *requestLocks) held(id string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if entry, ok := l.locks[id]; ok {
		return entry.refs
	}
	return 0
}
