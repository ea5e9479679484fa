// Package election implements the modified Bully leader election
// described in spec §4.4: priority is a live load sample (lower is
// better, ties broken by lower PeerId) rather than a static identifier.
//
// The state machine (Idle, Electing, Leader, Follower) is a single
// mutex-guarded cell, per spec §9 — no lock is ever held across a
// network send or a sleep.
package election

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/prxssh/stegocluster/internal/metrics"
	"github.com/prxssh/stegocluster/internal/peerlink"
	"github.com/prxssh/stegocluster/internal/wire"
)

// Peers is the outbound fan-out the election engine needs: broadcast to
// every configured peer, or send to one by id. *peerlink.Manager
// satisfies this; tests can supply a fake.
type Peers interface {
	Broadcast(f wire.Frame)
	Send(id uint32, f wire.Frame) peerlink.SendResult
}

// State is one of the four states of spec §4.4.
type State int

const (
	Idle State = iota
	Electing
	Leader
	Follower
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Electing:
		return "Electing"
	case Leader:
		return "Leader"
	case Follower:
		return "Follower"
	default:
		return "Unknown"
	}
}

// Engine runs the election protocol for one peer.
type Engine struct {
	id              uint32
	probe           *metrics.Probe
	peers           Peers
	electionTimeout time.Duration
	log             *slog.Logger

	mu            sync.Mutex
	state         State
	leaderID      uint32
	haveLeader    bool
	electionEpoch bool

	onLeaderChange func(leaderID uint32, isSelf bool)
}

// Opts configures a new Engine.
type Opts struct {
	SelfID          uint32
	Probe           *metrics.Probe
	Peers           Peers
	ElectionTimeout time.Duration
	Log             *slog.Logger

	// OnLeaderChange, if set, is invoked (outside any lock) whenever the
	// engine learns of a new leader, whether itself or a peer.
	OnLeaderChange func(leaderID uint32, isSelf bool)
}

// New returns an Engine in the Idle state.
func New(opts Opts) *Engine {
	return &Engine{
		id:              opts.SelfID,
		probe:           opts.Probe,
		peers:           opts.Peers,
		electionTimeout: opts.ElectionTimeout,
		log:             opts.Log.With("component", "election", "selfId", opts.SelfID),
		state:           Idle,
		onLeaderChange:  opts.OnLeaderChange,
	}
}

// Run performs the startup warm-up and jitter of spec §4.4, then enters
// the first Electing round. It returns once ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	warmup := 3*time.Second + time.Duration(100+rand.Intn(400))*time.Millisecond
	t := time.NewTimer(warmup)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return
	case <-t.C:
	}

	e.enterElecting(ctx)

	<-ctx.Done()
}

// State returns the engine's current state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Leader returns the currently known leader id, if any.
func (e *Engine) Leader() (uint32, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.leaderID, e.haveLeader
}

// IsLeader reports whether this peer currently believes itself leader.
func (e *Engine) IsLeader() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state == Leader
}

// enterElecting implements the Electing-state entry procedure of §4.4. It
// is safe to call concurrently (e.g. a failure event racing a received
// Alive); each call runs its own independent round.
func (e *Engine) enterElecting(ctx context.Context) {
	e.mu.Lock()
	e.state = Electing
	e.electionEpoch = false
	e.mu.Unlock()

	load := e.probe.Load()
	e.log.Debug("entering electing round", "load", load)
	e.peers.Broadcast(wire.Frame{Tag: wire.TagElection, Body: &wire.Election{FromID: e.id, Priority: load}})

	timer := time.NewTimer(e.electionTimeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return
	case <-timer.C:
	}

	e.mu.Lock()
	lostRound := e.electionEpoch
	stillElecting := e.state == Electing
	e.mu.Unlock()

	if lostRound || !stillElecting {
		// A higher-priority peer answered Alive (or we already heard a
		// Coordinator); stay put and wait for its Coordinator frame.
		return
	}

	e.becomeLeader()
}

func (e *Engine) becomeLeader() {
	e.mu.Lock()
	e.state = Leader
	e.leaderID = e.id
	e.haveLeader = true
	e.mu.Unlock()

	e.log.Info("elected self as leader")
	e.peers.Broadcast(wire.Frame{Tag: wire.TagCoordinator, Body: &wire.Coordinator{LeaderID: e.id}})

	if e.onLeaderChange != nil {
		e.onLeaderChange(e.id, true)
	}
}

// HandleElection processes an incoming Election{from, priority} frame
// from any state, per spec §4.4.
func (e *Engine) HandleElection(ctx context.Context, from uint32, priority float64) {
	load := e.probe.Load()

	if load < priority || (load == priority && e.id < from) {
		e.peers.Send(from, wire.Frame{Tag: wire.TagAlive, Body: &wire.Alive{FromID: e.id}})

		go func() {
			t := time.NewTimer(100 * time.Millisecond)
			defer t.Stop()
			select {
			case <-ctx.Done():
				return
			case <-t.C:
			}
			e.enterElecting(ctx)
		}()
	}
}

// HandleAlive processes an incoming Alive{from} frame received during our
// own Electing round: we will lose this round.
func (e *Engine) HandleAlive(from uint32) {
	e.mu.Lock()
	e.electionEpoch = true
	e.mu.Unlock()

	e.log.Debug("received alive, will lose this round", "from", from)
}

// HandleCoordinator processes an incoming Coordinator{leader} frame from
// any state.
func (e *Engine) HandleCoordinator(leader uint32) {
	e.mu.Lock()
	e.leaderID = leader
	e.haveLeader = true
	if leader == e.id {
		e.state = Leader
	} else {
		e.state = Follower
	}
	e.mu.Unlock()

	e.log.Info("adopted coordinator", "leaderId", leader)

	if e.onLeaderChange != nil {
		e.onLeaderChange(leader, leader == e.id)
	}
}

// LeaderFailed is invoked by the failure detector (spec §4.5) when the
// currently known leader is declared dead. It clears LeaderSlot and
// re-enters Electing.
func (e *Engine) LeaderFailed(ctx context.Context) {
	e.mu.Lock()
	e.haveLeader = false
	e.leaderID = 0
	e.mu.Unlock()

	e.log.Warn("leader failed, re-electing")
	e.enterElecting(ctx)
}
