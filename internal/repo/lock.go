package repo

import "sync"

// Locker grants one session at a time exclusive use of a main clone.
type Locker struct {
	mu      sync.Mutex
	holders map[string]string
}

func NewLocker() *Locker {
	return &Locker{holders: make(map[string]string)}
}

// TryAcquire takes the lock on fullName for sessionID. When another session
// holds it, ok is false and holder names that session.
func (l *Locker) TryAcquire(fullName, sessionID string) (holder string, ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if cur, held := l.holders[fullName]; held && cur != sessionID {
		return cur, false
	}
	l.holders[fullName] = sessionID
	return sessionID, true
}

// Release drops the lock on fullName if sessionID holds it.
func (l *Locker) Release(fullName, sessionID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.holders[fullName] != sessionID {
		return false
	}
	delete(l.holders, fullName)
	return true
}

// ReleaseBySession drops every lock held by sessionID and returns the names released.
func (l *Locker) ReleaseBySession(sessionID string) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var released []string
	for name, holder := range l.holders {
		if holder == sessionID {
			delete(l.holders, name)
			released = append(released, name)
		}
	}
	return released
}

// Holder returns the session holding fullName, if any.
func (l *Locker) Holder(fullName string) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	h, ok := l.holders[fullName]
	return h, ok
}
