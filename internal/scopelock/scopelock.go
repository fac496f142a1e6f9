// Package scopelock serializes operations per scope id.
//
// Registry mutation, file lifecycle deletes and transcript appends all run
// under the scope's lock so concurrent uploads and retention never produce
// torn writes. Entries are refcounted and purged when idle to keep the map
// bounded.
package scopelock

import "sync"

// Map holds one mutex per active scope id.
type Map struct {
	mu    sync.Mutex
	locks map[string]*entry
}

type entry struct {
	mu   sync.Mutex
	refs int
}

// NewMap creates an empty lock map.
func NewMap() *Map {
	return &Map{locks: make(map[string]*entry)}
}

// Lock acquires the lock for scopeID, blocking until it is available.
func (m *Map) Lock(scopeID string) {
	m.mu.Lock()
	e, ok := m.locks[scopeID]
	if !ok {
		e = &entry{}
		m.locks[scopeID] = e
	}
	e.refs++
	m.mu.Unlock()

	e.mu.Lock()
}

// Unlock releases the lock for scopeID and purges the entry when no other
// goroutine is waiting on it.
func (m *Map) Unlock(scopeID string) {
	m.mu.Lock()
	e, ok := m.locks[scopeID]
	if !ok {
		m.mu.Unlock()
		panic("scopelock: unlock of unheld scope " + scopeID)
	}
	e.refs--
	if e.refs == 0 {
		delete(m.locks, scopeID)
	}
	m.mu.Unlock()

	e.mu.Unlock()
}

// With runs fn while holding the lock for scopeID.
func (m *Map) With(scopeID string, fn func() error) error {
	m.Lock(scopeID)
	defer m.Unlock(scopeID)
	return fn()
}

// Active returns the number of scope ids currently tracked. Intended for
// tests and status reporting.
func (m *Map) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}
