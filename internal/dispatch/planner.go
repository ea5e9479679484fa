// Package dispatch implements the leader-only dispatch planner of spec
// §4.7: pick the least-loaded known peer (ties broken by lower PeerId),
// replicate the assignment to the ledger before replying, per the
// rationale in §4.7 that shortens the window during which only the
// leader knows about the assignment.
package dispatch

import (
	"errors"
	"log/slog"
	"time"

	"github.com/prxssh/stegocluster/internal/heartbeat"
	"github.com/prxssh/stegocluster/internal/ledger"
	"github.com/prxssh/stegocluster/internal/metrics"
	"github.com/prxssh/stegocluster/internal/peerlink"
	"github.com/prxssh/stegocluster/internal/wire"
)

// ErrNotLeader is returned when Dispatch is called on a non-leader peer;
// per spec B2, the caller must produce no response and no error frame —
// it must simply not reply.
var ErrNotLeader = errors.New("dispatch: not leader")

// LeaderChecker reports whether this peer currently believes itself the
// cluster leader.
type LeaderChecker interface {
	IsLeader() bool
}

// Planner is the leader's dispatch decision point.
type Planner struct {
	selfID      uint32
	selfAddress string
	probe       *metrics.Probe
	tracker     *heartbeat.Tracker
	peers       *peerlink.Manager
	ledger      *ledger.Ledger
	election    LeaderChecker
	log         *slog.Logger
}

// Opts configures a new Planner.
type Opts struct {
	SelfID      uint32
	SelfAddress string
	Probe       *metrics.Probe
	Tracker     *heartbeat.Tracker
	Peers       *peerlink.Manager
	Ledger      *ledger.Ledger
	Election    LeaderChecker
	Log         *slog.Logger
}

// New returns a Planner.
func New(opts Opts) *Planner {
	return &Planner{
		selfID:      opts.SelfID,
		selfAddress: opts.SelfAddress,
		probe:       opts.Probe,
		tracker:     opts.Tracker,
		peers:       opts.Peers,
		ledger:      opts.Ledger,
		election:    opts.Election,
		log:         opts.Log.With("component", "dispatch"),
	}
}

// Dispatch implements spec §4.7's five steps. Callers must suppress any
// response when err is ErrNotLeader — never send an error frame back to
// the client (spec B2).
func (p *Planner) Dispatch(clientName string, requestID uint64) (*wire.AssignResponse, error) {
	if !p.election.IsLeader() {
		return nil, ErrNotLeader
	}

	winner, winnerAddress := p.selectAssignee()

	key := ledger.RequestKey{ClientName: clientName, RequestID: requestID}
	ts := uint64(time.Now().Unix())
	p.ledger.Add(key, winner, ts)

	p.peers.Broadcast(wire.Frame{Tag: wire.TagLedgerAdd, Body: &wire.LedgerAdd{
		ClientName:    clientName,
		RequestID:     requestID,
		AssigneeID:    winner,
		TimestampSecs: ts,
	}})

	p.log.Info("dispatched request", "client", clientName, "requestId", requestID, "assignee", winner)

	return &wire.AssignResponse{RequestID: requestID, AssigneeID: winner, AssigneeAddress: winnerAddress}, nil
}

// selectAssignee picks the (loadScore, peerId) pair with minimum load,
// tie-broken by lower peerId, including ourselves in the comparison.
func (p *Planner) selectAssignee() (id uint32, address string) {
	bestID := p.selfID
	bestLoad := p.probe.Load()

	for peerID, load := range p.tracker.Loads() {
		if load < bestLoad || (load == bestLoad && peerID < bestID) {
			bestID, bestLoad = peerID, load
		}
	}

	if bestID == p.selfID {
		return bestID, p.selfAddress
	}

	addr, _ := p.peers.Address(bestID)
	return bestID, addr
}
