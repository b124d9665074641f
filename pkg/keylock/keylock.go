// Package keylock provides mutual exclusion keyed by entity name.
//
// Locks are created on first use and dropped once nobody holds or waits on
// them, so the table only grows with the number of keys in flight.
package keylock

import (
	"strconv"
	"sync"
)

type entry struct {
	mu   sync.Mutex
	refs int
}

// Locker serializes work per key. The zero value is ready to use.
type Locker struct {
	mu    sync.Mutex
	locks map[string]*entry
}

// New returns an empty Locker.
func New() *Locker {
	return &Locker{}
}

// Lock blocks until key is held and returns the function that releases it.
func (l *Locker) Lock(key string) (unlock func()) {
	l.mu.Lock()
	if l.locks == nil {
		l.locks = make(map[string]*entry)
	}
	e, ok := l.locks[key]
	if !ok {
		e = &entry{}
		l.locks[key] = e
	}
	e.refs++
	l.mu.Unlock()

	e.mu.Lock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Unlock()
			l.mu.Lock()
			e.refs--
			if e.refs == 0 {
				delete(l.locks, key)
			}
			l.mu.Unlock()
		})
	}
}

// Len returns the number of keys currently held or awaited.
func (l *Locker) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}

// SessionKey names the lock guarding a session's status and membership.
func SessionKey(sessionID int64) string {
	return "session:" + strconv.FormatInt(sessionID, 10)
}

// ReviewKey names the lock guarding one role profile's reviews.
func ReviewKey(role string, rateeID int64) string {
	return "review:" + role + ":" + strconv.FormatInt(rateeID, 10)
}

// UserKey names the lock guarding a user's general and role profiles.
func UserKey(userID int64) string {
	return "user:" + strconv.FormatInt(userID, 10)
}
