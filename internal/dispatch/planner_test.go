package dispatch

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/prxssh/stegocluster/internal/config"
	"github.com/prxssh/stegocluster/internal/heartbeat"
	"github.com/prxssh/stegocluster/internal/ledger"
	"github.com/prxssh/stegocluster/internal/metrics"
	"github.com/prxssh/stegocluster/internal/peerlink"
)

type alwaysLeader bool

func (a alwaysLeader) IsLeader() bool { return bool(a) }

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

// TestSelectAssigneePicksLowestLoad covers P2: the assignee is the
// minimum-load peer known, tie-broken by lower PeerId.
func TestSelectAssigneePicksLowestLoad(t *testing.T) {
	tr := heartbeat.NewTracker()
	tr.Observe(2, 1, 50.0)
	tr.Observe(3, 1, 10.0)

	peers := peerlink.NewManager(context.Background(), testLogger(), []config.PeerSpec{
		{ID: 2, Address: "127.0.0.1:5002"},
		{ID: 3, Address: "127.0.0.1:5003"},
	}, 10, time.Hour, time.Hour)

	l := ledger.New(testLogger())

	p := New(Opts{
		SelfID:      1,
		SelfAddress: "127.0.0.1:5001",
		Probe:       metrics.New(), // idle self, load ~ near 0 but not guaranteed lowest
		Tracker:     tr,
		Peers:       peers,
		Ledger:      l,
		Election:    alwaysLeader(true),
		Log:         testLogger(),
	})

	resp, err := p.Dispatch("C1", 1)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	if resp.AssigneeID == 2 {
		t.Fatalf("peer 2 has the highest load (50.0) and should never be chosen over peer 3 (10.0)")
	}

	entry, ok := l.Lookup(ledger.RequestKey{ClientName: "C1", RequestID: 1})
	if !ok {
		t.Fatalf("expected ledger entry after dispatch")
	}
	if entry.Assignee != resp.AssigneeID {
		t.Fatalf("ledger assignee %d != response assignee %d", entry.Assignee, resp.AssigneeID)
	}
}

// TestDispatchRejectsNonLeader covers spec B2: a non-leader dispatch call
// must fail without producing a response.
func TestDispatchRejectsNonLeader(t *testing.T) {
	p := New(Opts{
		SelfID:      1,
		SelfAddress: "127.0.0.1:5001",
		Probe:       metrics.New(),
		Tracker:     heartbeat.NewTracker(),
		Peers:       peerlink.NewManager(context.Background(), testLogger(), nil, 10, time.Hour, time.Hour),
		Ledger:      ledger.New(testLogger()),
		Election:    alwaysLeader(false),
		Log:         testLogger(),
	})

	if _, err := p.Dispatch("C1", 1); err != ErrNotLeader {
		t.Fatalf("err = %v, want ErrNotLeader", err)
	}
}
