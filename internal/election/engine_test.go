package election

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prxssh/stegocluster/internal/metrics"
	"github.com/prxssh/stegocluster/internal/peerlink"
	"github.com/prxssh/stegocluster/internal/wire"
)

type fakePeers struct {
	mu        sync.Mutex
	broadcast []wire.Frame
	sent      map[uint32][]wire.Frame
}

func newFakePeers() *fakePeers {
	return &fakePeers{sent: make(map[uint32][]wire.Frame)}
}

func (f *fakePeers) Broadcast(fr wire.Frame) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.broadcast = append(f.broadcast, fr)
}

func (f *fakePeers) Send(id uint32, fr wire.Frame) peerlink.SendResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent[id] = append(f.sent[id], fr)
	return peerlink.SendQueued
}

func (f *fakePeers) broadcastCount(tag wire.Tag) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, fr := range f.broadcast {
		if fr.Tag == tag {
			n++
		}
	}
	return n
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// TestSoleCandidateBecomesLeader verifies that a peer that receives no
// Alive during its election timeout declares itself leader (spec §4.4,
// P1 for the trivial one-peer case).
func TestSoleCandidateBecomesLeader(t *testing.T) {
	peers := newFakePeers()
	var gotLeader uint32
	var gotIsSelf bool
	done := make(chan struct{})

	e := New(Opts{
		SelfID:          1,
		Probe:           metrics.New(),
		Peers:           peers,
		ElectionTimeout: 50 * time.Millisecond,
		Log:             testLogger(),
		OnLeaderChange: func(leaderID uint32, isSelf bool) {
			gotLeader, gotIsSelf = leaderID, isSelf
			close(done)
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	e.enterElecting(ctx)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for leader election")
	}

	if e.State() != Leader {
		t.Fatalf("state = %v, want Leader", e.State())
	}
	if gotLeader != 1 || !gotIsSelf {
		t.Fatalf("onLeaderChange(%d, %v), want (1, true)", gotLeader, gotIsSelf)
	}
	if peers.broadcastCount(wire.TagElection) != 1 {
		t.Fatalf("expected exactly one Election broadcast")
	}
	if peers.broadcastCount(wire.TagCoordinator) != 1 {
		t.Fatalf("expected exactly one Coordinator broadcast")
	}
}

// TestAliveDefersLeadership verifies that receiving an Alive during our
// own electing round prevents us from declaring leadership.
func TestAliveDefersLeadership(t *testing.T) {
	peers := newFakePeers()
	e := New(Opts{
		SelfID:          2,
		Probe:           metrics.New(),
		Peers:           peers,
		ElectionTimeout: 50 * time.Millisecond,
		Log:             testLogger(),
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	go e.enterElecting(ctx)
	time.Sleep(10 * time.Millisecond)
	e.HandleAlive(1)

	time.Sleep(100 * time.Millisecond)

	if e.State() == Leader {
		t.Fatalf("peer should not self-elect after receiving Alive")
	}
}

// TestCoordinatorAdoptsLeader verifies HandleCoordinator sets state and
// leader slot for both the follower and self-as-leader cases.
func TestCoordinatorAdoptsLeader(t *testing.T) {
	e := New(Opts{SelfID: 3, Probe: metrics.New(), Peers: newFakePeers(), ElectionTimeout: time.Second, Log: testLogger()})

	e.HandleCoordinator(7)
	if got, ok := e.Leader(); !ok || got != 7 {
		t.Fatalf("Leader() = (%d, %v), want (7, true)", got, ok)
	}
	if e.State() != Follower {
		t.Fatalf("state = %v, want Follower", e.State())
	}

	e.HandleCoordinator(3)
	if e.State() != Leader {
		t.Fatalf("state = %v, want Leader when leader==self", e.State())
	}
}

// TestElectionFromStrictlyBetterPeerIsIgnored verifies §4.4: if our load is
// not strictly better than the requester's, we neither reply Alive nor
// start our own round.
func TestElectionFromStrictlyBetterPeerIsIgnored(t *testing.T) {
	peers := newFakePeers()
	probe := metrics.New()
	for i := 0; i < 50; i++ {
		probe.TaskStarted() // drive our own load up so we are the worse candidate
	}

	e := New(Opts{SelfID: 4, Probe: probe, Peers: peers, ElectionTimeout: time.Second, Log: testLogger()})

	ctx := context.Background()
	e.HandleElection(ctx, 9, 0) // requester claims priority 0 (best possible)

	time.Sleep(20 * time.Millisecond)
	peers.mu.Lock()
	defer peers.mu.Unlock()
	if len(peers.sent[9]) != 0 {
		t.Fatalf("should not have replied Alive to a strictly-better requester")
	}
}
