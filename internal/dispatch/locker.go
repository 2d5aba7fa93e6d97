package dispatch

import "sync"

// Locker grants at most one dispatch lease per campaign
type Locker struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// NewLocker creates an empty locker
func NewLocker() *Locker {
	return &Locker{held: make(map[string]struct{})}
}

// TryLock takes the lease for id. It returns false if the lease is held.
func (l *Locker) TryLock(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.held[id]; ok {
		return false
	}
	l.held[id] = struct{}{}
	return true
}

// Unlock releases the lease for id
func (l *Locker) Unlock(id string) {
	l.mu.Lock()
	delete(l.held, id)
	l.mu.Unlock()
}

// Held reports whether the lease for id is currently taken
func (l *Locker) Held(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.held[id]
	return ok
}
