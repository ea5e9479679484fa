package ledger

import (
	"io"
	"log/slog"
	"testing"
)

func newTestLedger() *Ledger {
	return New(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

// TestIdempotence covers spec Scenario 5: delivering {Add, Add, Remove,
// Add} for the same key must leave the entry present with the last
// assignee, matching "final state == terminal operation" (P3).
func TestIdempotence(t *testing.T) {
	l := newTestLedger()
	key := RequestKey{ClientName: "C1", RequestID: 42}

	l.Add(key, 2, 100)
	l.Add(key, 2, 101)
	l.Remove(key)
	l.Add(key, 2, 102)

	got, ok := l.Lookup(key)
	if !ok {
		t.Fatalf("expected entry present after terminal Add")
	}
	if got.Assignee != 2 {
		t.Fatalf("assignee = %d, want 2", got.Assignee)
	}
}

func TestSweepRemovesOnlyMatchingAssignee(t *testing.T) {
	l := newTestLedger()
	l.Add(RequestKey{ClientName: "C1", RequestID: 1}, 2, 1)
	l.Add(RequestKey{ClientName: "C1", RequestID: 2}, 3, 1)
	l.Add(RequestKey{ClientName: "C1", RequestID: 3}, 2, 1)

	swept := l.Sweep(2)
	if swept != 2 {
		t.Fatalf("swept = %d, want 2", swept)
	}

	if _, ok := l.Lookup(RequestKey{ClientName: "C1", RequestID: 2}); !ok {
		t.Fatalf("entry assigned to peer 3 should survive sweep of peer 2")
	}
	if l.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", l.Len())
	}
}

func TestRemoveIsIdempotent(t *testing.T) {
	l := newTestLedger()
	key := RequestKey{ClientName: "C1", RequestID: 9}

	l.Remove(key) // removing an absent key must not panic
	l.Add(key, 1, 5)
	l.Remove(key)
	l.Remove(key)

	if _, ok := l.Lookup(key); ok {
		t.Fatalf("expected key absent after remove")
	}
}
