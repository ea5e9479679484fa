// Package ledger implements the replicated task-assignment ledger of spec
// §4.6: a map from RequestKey to the peer currently responsible for it,
// with idempotent add/remove and a sweep-by-assignee operation driven by
// the failure detector. All operations are infallible — log-and-continue
// — per the error handling design in spec §7.
package ledger

import (
	"log/slog"
	"sync"
)

// RequestKey is the unit of ledger bookkeeping: (clientName, requestId).
// The RequestKey space is partitioned by clientName (spec I4); the system
// never assumes global uniqueness of requestId across clients.
type RequestKey struct {
	ClientName string
	RequestID  uint64
}

// Entry is one ledger row: who is responsible for a RequestKey and since
// when.
type Entry struct {
	Key           RequestKey
	Assignee      uint32
	TimestampSecs uint64
}

// Ledger is a single mutable map guarded by one RWMutex; per spec §9 it is
// never split across components.
type Ledger struct {
	log *slog.Logger

	mu      sync.RWMutex
	entries map[RequestKey]Entry
}

// New returns an empty Ledger.
func New(log *slog.Logger) *Ledger {
	return &Ledger{
		log:     log.With("component", "ledger"),
		entries: make(map[RequestKey]Entry),
	}
}

// Add is an idempotent insert-or-overwrite (spec P3: the final state after
// any replay sequence is the terminal operation applied, regardless of
// duplication).
func (l *Ledger) Add(key RequestKey, assignee uint32, timestampSecs uint64) {
	l.mu.Lock()
	l.entries[key] = Entry{Key: key, Assignee: assignee, TimestampSecs: timestampSecs}
	l.mu.Unlock()
}

// Remove is an idempotent delete.
func (l *Ledger) Remove(key RequestKey) {
	l.mu.Lock()
	delete(l.entries, key)
	l.mu.Unlock()
}

// Lookup returns the current entry for key, or ok=false if absent.
func (l *Ledger) Lookup(key RequestKey) (Entry, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	e, ok := l.entries[key]
	return e, ok
}

// Sweep removes every entry whose assignee is the given peer. It is
// invoked locally by the failure detector on every peer independently as
// each detects the same failure; no sweep message crosses the wire
// (spec §4.6).
func (l *Ledger) Sweep(assignee uint32) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	swept := 0
	for key, e := range l.entries {
		if e.Assignee == assignee {
			delete(l.entries, key)
			swept++
		}
	}

	if swept > 0 {
		l.log.Info("swept ledger entries for failed peer", "assignee", assignee, "count", swept)
	}

	return swept
}

// Snapshot returns every current entry, for LedgerSyncResponse and tests.
func (l *Ledger) Snapshot() []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]Entry, 0, len(l.entries))
	for _, e := range l.entries {
		out = append(out, e)
	}
	return out
}

// Len reports the number of entries currently held.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}
