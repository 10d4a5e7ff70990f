// Package sched keeps at most one pending task per key. Scheduling a key
// cancels the task already pending for it, and each task carries a token so
// a timer that fires after being superseded does nothing.
package sched

import (
	"sync"
	"time"
)

// Table is a set of per-key delayed tasks. The zero value is not usable; use
// NewTable.
type Table struct {
	mu      sync.Mutex
	pending map[string]*entry
	next    uint64
	stopped bool
}

type entry struct {
	token uint64
	timer *time.Timer
}

// NewTable creates an empty table.
func NewTable() *Table {
	return &Table{pending: make(map[string]*entry)}
}

// Schedule runs fn after delay unless key is scheduled again, cancelled, or
// the table is stopped first. fn runs on its own goroutine.
func (t *Table) Schedule(key string, delay time.Duration, fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}
	if prev, ok := t.pending[key]; ok {
		prev.timer.Stop()
	}

	t.next++
	token := t.next
	e := &entry{token: token}
	e.timer = time.AfterFunc(delay, func() {
		if !t.claim(key, token) {
			return
		}
		fn()
	})
	t.pending[key] = e
}

// claim removes key if its pending token is still token.
func (t *Table) claim(key string, token uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.pending[key]
	if !ok || e.token != token {
		return false
	}
	delete(t.pending, key)
	return true
}

// Cancel drops the task pending for key, if any.
func (t *Table) Cancel(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.pending[key]; ok {
		e.timer.Stop()
		delete(t.pending, key)
	}
}

// Pending reports whether a task is scheduled for key.
func (t *Table) Pending(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.pending[key]
	return ok
}

// Len returns the number of pending tasks.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// Stop cancels every pending task. Later Schedule calls are ignored.
func (t *Table) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	for key, e := range t.pending {
		e.timer.Stop()
		delete(t.pending, key)
	}
}
