// Package lock implements the in-process per-sandbox named lock table
// described in spec.md §4.5/§9: mutating operations against one sandbox
// (ensure-running, stop, delete, extend-ttl) are serialized through it.
// It does not provide cross-instance mutual exclusion; that is handled at
// the storage layer via row versions (spec.md §5, §9).
package lock

import "sync"

// Table is a mutex-guarded map of named locks.
type Table struct {
	mu    sync.Mutex
	locks map[string]*entry
}

type entry struct {
	mu   sync.Mutex
	refs int
}

// NewTable constructs an empty lock table.
func NewTable() *Table {
	return &Table{locks: make(map[string]*entry)}
}

// Acquire locks the named entry, creating it on first use, and returns a
// release function. The caller must call release exactly once.
func (t *Table) Acquire(name string) func() {
	t.mu.Lock()
	e, ok := t.locks[name]
	if !ok {
		e = &entry{}
		t.locks[name] = e
	}
	e.refs++
	t.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		t.release(name)
	}
}

func (t *Table) release(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.locks[name]
	if !ok {
		return
	}
	e.refs--
	if e.refs <= 0 {
		delete(t.locks, name)
	}
}

// Forget removes a named entry that no caller holds or waits on, used
// when its sandbox is deleted (spec.md §9). Safe to call while the entry
// is held: a held entry is left in place and removed by its last release.
func (t *Table) Forget(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.locks[name]; ok && e.refs == 0 {
		delete(t.locks, name)
	}
}

// Len reports the number of currently-tracked lock entries. Exposed for
// tests asserting the table does not leak.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.locks)
}
