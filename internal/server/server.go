// Package server implements the per-connection request handler of spec
// §4.8 and wires together the election, heartbeat, ledger, dispatch and
// stego components into one running peer process.
package server

import (
	"context"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/prxssh/stegocluster/internal/config"
	"github.com/prxssh/stegocluster/internal/dispatch"
	"github.com/prxssh/stegocluster/internal/election"
	"github.com/prxssh/stegocluster/internal/heartbeat"
	"github.com/prxssh/stegocluster/internal/ledger"
	"github.com/prxssh/stegocluster/internal/metrics"
	"github.com/prxssh/stegocluster/internal/peerlink"
	"github.com/prxssh/stegocluster/internal/stego"
	"github.com/prxssh/stegocluster/internal/wire"
	"golang.org/x/sync/errgroup"
)

// Server is one cluster peer: it owns the election engine, the heartbeat
// detector, the replicated ledger, the dispatch planner, the stego
// adapter and the outbound peer links, and accepts inbound connections
// from both peers and clients on a single listen address.
type Server struct {
	id      uint32
	addr    string
	log     *slog.Logger
	probe   *metrics.Probe
	peers   *peerlink.Manager
	tracker *heartbeat.Tracker
	ledger  *ledger.Ledger
	elect   *election.Engine
	detect  *heartbeat.Detector
	plan    *dispatch.Planner
	codec   *stego.Adapter
	carrier []byte
}

// New builds a Server from cfg. It wires the election engine's
// OnLeaderChange callback into nothing extra — leader state is read
// on demand by the dispatch planner and the LeaderQuery handler.
func New(cfg config.ServerConfig, log *slog.Logger) (*Server, error) {
	carrier, err := os.ReadFile(cfg.CarrierImagePath)
	if err != nil {
		return nil, err
	}

	ctx := context.Background() // outbound links run for the process lifetime; see Run

	probe := metrics.New()
	peers := peerlink.NewManager(ctx, log, cfg.Peers, cfg.SendQueueCapacity, cfg.ReconnectBackoff, cfg.DialTimeout)
	tracker := heartbeat.NewTracker()
	led := ledger.New(log)

	elect := election.New(election.Opts{
		SelfID:          cfg.ServerID,
		Probe:           probe,
		Peers:           peers,
		ElectionTimeout: time.Duration(cfg.ElectionTimeoutSecs) * time.Second,
		Log:             log,
	})

	detect := heartbeat.New(heartbeat.Opts{
		SelfID:             cfg.ServerID,
		Probe:              probe,
		Peers:              peers,
		Tracker:            tracker,
		Ledger:             led,
		Election:           elect,
		HeartbeatInterval:  time.Duration(cfg.HeartbeatIntervalSecs) * time.Second,
		MonitorInterval:    time.Duration(cfg.MonitorIntervalSecs) * time.Second,
		FailureTimeoutSecs: cfg.FailureTimeoutSecs,
		Log:                log,
	})

	selfAddr := cfg.ListenAddress
	plan := dispatch.New(dispatch.Opts{
		SelfID:      cfg.ServerID,
		SelfAddress: selfAddr,
		Probe:       probe,
		Tracker:     tracker,
		Peers:       peers,
		Ledger:      led,
		Election:    elect,
		Log:         log,
	})

	return &Server{
		id:      cfg.ServerID,
		addr:    selfAddr,
		log:     log.With("component", "server", "serverId", cfg.ServerID),
		probe:   probe,
		peers:   peers,
		tracker: tracker,
		ledger:  led,
		elect:   elect,
		detect:  detect,
		plan:    plan,
		codec:   stego.NewAdapter(probe, 4),
		carrier: carrier,
	}, nil
}

// Run starts the election engine and heartbeat detector in the
// background and accepts inbound connections until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	defer ln.Close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { s.elect.Run(gctx); return nil })
	g.Go(func() error { s.detect.Run(gctx); return nil })
	g.Go(func() error { return s.acceptLoop(gctx, ln) })

	s.log.Info("listening", "addr", s.addr)

	// Best-effort divergence-shortening on startup: ask every configured
	// peer for its ledger snapshot. No invariant depends on this
	// succeeding or even arriving before the first dispatch.
	s.peers.Broadcast(wire.Frame{Tag: wire.TagLedgerSyncRequest, Body: &wire.LedgerSyncRequest{FromID: s.id}})

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	return g.Wait()
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				s.log.Warn("accept error", "error", err.Error())
				continue
			}
		}

		go s.handleConn(ctx, conn)
	}
}

// handleConn reads frames from one connection until it closes or sends
// an unframable/oversize/undecodable frame, per spec §7's protocol-error
// policy: the offending connection is closed, peers continue.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	for {
		f, err := wire.ReadFrame(conn)
		if err != nil {
			return
		}

		if !s.dispatchFrame(ctx, conn, f) {
			return
		}
	}
}

// dispatchFrame routes one inbound frame to the appropriate component per
// spec §4.8. It returns false when the connection should be closed
// (currently only on internal write failure; protocol errors are handled
// by the caller via ReadFrame's error).
func (s *Server) dispatchFrame(ctx context.Context, conn net.Conn, f wire.Frame) bool {
	switch f.Tag {
	case wire.TagLeaderQuery:
		if leader, ok := s.elect.Leader(); ok {
			return s.reply(conn, wire.TagLeaderResponse, &wire.LeaderResponse{LeaderID: leader}) == nil
		}
		// No known leader: per spec, do not reply, keep the connection
		// open for the caller's own timeout to expire.
		return true

	case wire.TagAssignRequest:
		req := f.Body.(*wire.AssignRequest)
		resp, err := s.plan.Dispatch(req.ClientName, req.RequestID)
		if err != nil {
			// Not leader: never respond (spec B2).
			return true
		}
		return s.reply(conn, wire.TagAssignResponse, resp) == nil

	case wire.TagTaskStatusQuery:
		q := f.Body.(*wire.TaskStatusQuery)
		key := ledger.RequestKey{ClientName: q.ClientName, RequestID: q.RequestID}
		entry, ok := s.ledger.Lookup(key)
		if !ok {
			return true
		}
		addr := s.peerAddress(entry.Assignee)
		return s.reply(conn, wire.TagTaskStatusResponse, &wire.TaskStatusResponse{
			RequestID:       q.RequestID,
			AssigneeID:      entry.Assignee,
			AssigneeAddress: addr,
		}) == nil

	case wire.TagTaskRequest:
		s.handleTaskRequest(ctx, conn, f.Body.(*wire.TaskRequest))
		return true

	case wire.TagElection:
		e := f.Body.(*wire.Election)
		s.elect.HandleElection(ctx, e.FromID, e.Priority)
		return true

	case wire.TagAlive:
		a := f.Body.(*wire.Alive)
		s.elect.HandleAlive(a.FromID)
		return true

	case wire.TagCoordinator:
		c := f.Body.(*wire.Coordinator)
		s.elect.HandleCoordinator(c.LeaderID)
		return true

	case wire.TagHeartbeat:
		s.detect.HandleHeartbeat(f.Body.(*wire.Heartbeat))
		return true

	case wire.TagLedgerAdd:
		a := f.Body.(*wire.LedgerAdd)
		s.ledger.Add(ledger.RequestKey{ClientName: a.ClientName, RequestID: a.RequestID}, a.AssigneeID, a.TimestampSecs)
		return true

	case wire.TagLedgerRemove:
		r := f.Body.(*wire.LedgerRemove)
		s.ledger.Remove(ledger.RequestKey{ClientName: r.ClientName, RequestID: r.RequestID})
		return true

	case wire.TagLedgerSyncRequest:
		// Best-effort divergence-shortening for a recovering peer; no
		// invariant depends on this (spec §4.6). The asker's outbound
		// link only writes, so the snapshot goes back over our own link
		// to it rather than on this connection.
		req := f.Body.(*wire.LedgerSyncRequest)
		snapshot := s.ledger.Snapshot()
		entries := make([]wire.LedgerSyncEntry, len(snapshot))
		for i, e := range snapshot {
			entries[i] = wire.LedgerSyncEntry{
				ClientName:    e.Key.ClientName,
				RequestID:     e.Key.RequestID,
				AssigneeID:    e.Assignee,
				TimestampSecs: e.TimestampSecs,
			}
		}
		s.peers.Send(req.FromID, wire.Frame{Tag: wire.TagLedgerSyncResponse, Body: &wire.LedgerSyncResponse{FromID: s.id, Entries: entries}})
		return true

	case wire.TagLedgerSyncResponse:
		resp := f.Body.(*wire.LedgerSyncResponse)
		for _, e := range resp.Entries {
			key := ledger.RequestKey{ClientName: e.ClientName, RequestID: e.RequestID}
			if _, ok := s.ledger.Lookup(key); !ok {
				s.ledger.Add(key, e.AssigneeID, e.TimestampSecs)
			}
		}
		return true

	default:
		return true
	}
}

// handleTaskRequest implements the TaskRequest branch of spec §4.8: run
// the encoder adapter, reply with TaskResponse, await TaskAck on the same
// connection, and on ack remove the ledger entry and broadcast
// LedgerRemove. If the client disconnects before acking, the entry is
// left for the next failure sweep (spec's stated open policy).
func (s *Server) handleTaskRequest(ctx context.Context, conn net.Conn, req *wire.TaskRequest) {
	if leader, ok := s.elect.Leader(); ok && leader != req.AssignedByLeader {
		s.log.Debug("task request names implausible leader", "named", req.AssignedByLeader, "known", leader)
	}

	stegoBytes, err := s.codec.Encode(s.carrier, req.SecretBytes)
	resp := &wire.TaskResponse{RequestID: req.RequestID}
	if err != nil {
		resp.Success = false
		resp.ErrorMessage = err.Error()
	} else {
		resp.Success = true
		resp.StegoBytes = stegoBytes
	}

	if err := wire.WriteFrame(conn, wire.Frame{Tag: wire.TagTaskResponse, Body: resp}); err != nil {
		return
	}
	if !resp.Success {
		return
	}

	ack, err := wire.ReadFrame(conn)
	if err != nil || ack.Tag != wire.TagTaskAck {
		// Client disconnected or sent something else before acking;
		// leave the ledger entry for the failure sweep to clean up.
		return
	}

	key := ledger.RequestKey{ClientName: req.ClientName, RequestID: req.RequestID}
	s.ledger.Remove(key)
	s.peers.Broadcast(wire.Frame{Tag: wire.TagLedgerRemove, Body: &wire.LedgerRemove{
		ClientName: req.ClientName,
		RequestID:  req.RequestID,
	}})
}

func (s *Server) peerAddress(id uint32) string {
	if id == s.id {
		return s.addr
	}
	addr, _ := s.peers.Address(id)
	return addr
}

func (s *Server) reply(conn net.Conn, tag wire.Tag, body any) error {
	return wire.WriteFrame(conn, wire.Frame{Tag: tag, Body: body})
}
