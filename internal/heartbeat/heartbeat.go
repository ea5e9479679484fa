// Package heartbeat implements the heartbeat sender and failure detector
// of spec §4.5: every peer periodically broadcasts its load, and every
// peer independently scans for peers that have gone stale and reacts —
// sweeping the ledger and, if the failed peer was the leader, triggering
// a new election.
package heartbeat

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prxssh/stegocluster/internal/metrics"
	"github.com/prxssh/stegocluster/internal/peerlink"
	"github.com/prxssh/stegocluster/internal/wire"
)

// LedgerSweeper is the subset of ledger.Ledger the detector needs.
type LedgerSweeper interface {
	Sweep(assignee uint32) int
}

// LeaderAware is the subset of election.Engine the detector needs to
// react to a leader's failure.
type LeaderAware interface {
	Leader() (uint32, bool)
	LeaderFailed(ctx context.Context)
}

// Tracker holds LastSeen and PeerLoad, kept with the same key set at all
// times (spec I3: both added on heartbeat, both removed on failure
// detection).
type Tracker struct {
	mu       sync.RWMutex
	lastSeen map[uint32]uint64
	load     map[uint32]float64
}

// NewTracker returns an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{
		lastSeen: make(map[uint32]uint64),
		load:     make(map[uint32]float64),
	}
}

// Observe records a heartbeat from peer id at ts with the given load,
// enforcing monotonicity per spec §4.5 / B3: a timestamp not greater than
// the previously recorded one for that sender is ignored, so a recovering
// peer cannot mark itself fresh by replaying a stale heartbeat.
func (t *Tracker) Observe(id uint32, ts uint64, load float64) (accepted bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if prev, ok := t.lastSeen[id]; ok && ts <= prev {
		return false
	}

	t.lastSeen[id] = ts
	t.load[id] = load
	return true
}

// Stale returns the ids of every tracked peer whose last-seen timestamp
// is more than failureTimeoutSecs behind nowSecs.
func (t *Tracker) Stale(nowSecs uint64, failureTimeoutSecs uint64) []uint32 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var stale []uint32
	for id, seen := range t.lastSeen {
		if nowSecs > seen && nowSecs-seen > failureTimeoutSecs {
			stale = append(stale, id)
		}
	}
	return stale
}

// Forget removes id from both maps atomically with respect to Observe,
// preserving I3.
func (t *Tracker) Forget(id uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.lastSeen, id)
	delete(t.load, id)
}

// Loads returns a snapshot of every tracked peer's last-known load.
func (t *Tracker) Loads() map[uint32]float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make(map[uint32]float64, len(t.load))
	for id, l := range t.load {
		out[id] = l
	}
	return out
}

// Detector runs the periodic sender and monitor loops.
type Detector struct {
	selfID              uint32
	probe               *metrics.Probe
	peers               *peerlink.Manager
	tracker             *Tracker
	ledger              LedgerSweeper
	election            LeaderAware
	heartbeatInterval   time.Duration
	monitorInterval     time.Duration
	failureTimeoutSecs  uint64
	log                 *slog.Logger
	nowUnix             func() uint64
}

// Opts configures a new Detector.
type Opts struct {
	SelfID             uint32
	Probe              *metrics.Probe
	Peers              *peerlink.Manager
	Tracker             *Tracker
	Ledger              LedgerSweeper
	Election            LeaderAware
	HeartbeatInterval   time.Duration
	MonitorInterval     time.Duration
	FailureTimeoutSecs  uint64
	Log                 *slog.Logger
	// NowUnix is overridable for tests; defaults to wall-clock seconds.
	NowUnix func() uint64
}

// New returns a Detector ready to Run.
func New(opts Opts) *Detector {
	now := opts.NowUnix
	if now == nil {
		now = func() uint64 { return uint64(time.Now().Unix()) }
	}

	return &Detector{
		selfID:             opts.SelfID,
		probe:              opts.Probe,
		peers:              opts.Peers,
		tracker:            opts.Tracker,
		ledger:             opts.Ledger,
		election:           opts.Election,
		heartbeatInterval:  opts.HeartbeatInterval,
		monitorInterval:    opts.MonitorInterval,
		failureTimeoutSecs: opts.FailureTimeoutSecs,
		log:                opts.Log.With("component", "heartbeat"),
		nowUnix:            now,
	}
}

// Run starts the sender and monitor loops; it blocks until ctx is done.
func (d *Detector) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		d.senderLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		d.monitorLoop(ctx)
	}()

	wg.Wait()
}

func (d *Detector) senderLoop(ctx context.Context) {
	ticker := time.NewTicker(d.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			hb := &wire.Heartbeat{FromID: d.selfID, TimestampSecs: d.nowUnix(), Load: d.probe.Load()}
			d.peers.Broadcast(wire.Frame{Tag: wire.TagHeartbeat, Body: hb})
		}
	}
}

func (d *Detector) monitorLoop(ctx context.Context) {
	ticker := time.NewTicker(d.monitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.scan(ctx)
		}
	}
}

func (d *Detector) scan(ctx context.Context) {
	now := d.nowUnix()
	for _, id := range d.tracker.Stale(now, d.failureTimeoutSecs) {
		d.handleFailure(ctx, id)
	}
}

func (d *Detector) handleFailure(ctx context.Context, id uint32) {
	d.tracker.Forget(id)
	d.log.Warn("peer classified failed", "peerId", id)

	d.ledger.Sweep(id)

	if leader, ok := d.election.Leader(); ok && leader == id {
		d.election.LeaderFailed(ctx)
	}
}

// HandleHeartbeat processes an inbound Heartbeat frame.
func (d *Detector) HandleHeartbeat(hb *wire.Heartbeat) {
	d.tracker.Observe(hb.FromID, hb.TimestampSecs, hb.Load)
}
