package reconcile

import "sync"

// pathLocks serialises work on one vault path. Full passes, watcher flushes
// and service writes all take the path's lock before reading the file.
type pathLocks struct {
	mu   sync.Mutex
	held map[string]*pathLock
}

type pathLock struct {
	mu   sync.Mutex
	refs int
}

// lock blocks until p is free and returns its release func. Entries are
// dropped from the map once nobody waits on them.
func (l *pathLocks) lock(p string) func() {
	l.mu.Lock()
	if l.held == nil {
		l.held = make(map[string]*pathLock)
	}
	pl, ok := l.held[p]
	if !ok {
		pl = &pathLock{}
		l.held[p] = pl
	}
	pl.refs++
	l.mu.Unlock()

	pl.mu.Lock()
	return func() {
		pl.mu.Unlock()
		l.mu.Lock()
		pl.refs--
		if pl.refs == 0 {
			delete(l.held, p)
		}
		l.mu.Unlock()
	}
}
