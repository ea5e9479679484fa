// Package peerlink implements the persistent outbound connection to one
// cluster peer (spec §4.3): connect, pump frames from a bounded send
// queue, and reconnect with a fixed backoff on any write error. Modeled on
// the teacher's peer connection lifecycle (dial, run loops, Close-once),
// generalized from a single BitTorrent peer stream to a cluster peer
// frame stream.
package peerlink

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/prxssh/stegocluster/internal/wire"
)

// SendResult reports the outcome of a non-blocking Send call.
type SendResult int

const (
	SendQueued SendResult = iota
	SendDropped
)

func (r SendResult) String() string {
	if r == SendQueued {
		return "queued"
	}
	return "dropped (peer unreachable)"
}

// Link maintains one logical outbound connection to a single peer. It
// reconnects indefinitely; callers observe only Send's queued/dropped
// result, never a connection error.
type Link struct {
	log     *slog.Logger
	id      uint32
	addr    string
	backoff time.Duration
	dial    time.Duration

	mu     sync.Mutex
	outbox chan wire.Frame

	closeOnce sync.Once
	closed    chan struct{}
}

// New returns a Link for peer id at addr. Run must be called to start the
// connect/pump loop.
func New(log *slog.Logger, id uint32, addr string, queueCapacity int, backoff, dialTimeout time.Duration) *Link {
	return &Link{
		log:     log.With("component", "peerlink", "peerId", id, "addr", addr),
		id:      id,
		addr:    addr,
		backoff: backoff,
		dial:    dialTimeout,
		outbox:  make(chan wire.Frame, queueCapacity),
		closed:  make(chan struct{}),
	}
}

// Send enqueues f for delivery. It never blocks: if the outbox is full the
// frame is dropped and SendDropped is returned. Dropped frames are not
// retried at this layer — periodic higher-level protocols (heartbeats,
// ledger broadcasts) compensate, per spec §4.3.
func (l *Link) Send(f wire.Frame) SendResult {
	select {
	case l.outbox <- f:
		return SendQueued
	default:
		l.log.Warn("send queue full, dropping frame", "tag", f.Tag.String())
		return SendDropped
	}
}

// Run connects and pumps frames until ctx is cancelled. On any write
// error the stream is dropped, the send queue's remaining contents are
// discarded, and Run reconnects after the fixed backoff. It retries
// indefinitely and only returns when ctx is done.
func (l *Link) Run(ctx context.Context) {
	defer close(l.closed)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		conn, err := net.DialTimeout("tcp", l.addr, l.dial)
		if err != nil {
			l.log.Debug("dial failed, retrying after backoff", "error", err.Error())
			if !l.sleep(ctx, l.backoff) {
				return
			}
			continue
		}

		l.drainAndPump(ctx, conn)
		_ = conn.Close()

		l.discardQueue()

		if !l.sleep(ctx, l.backoff) {
			return
		}
	}
}

// drainAndPump writes queued frames to conn until ctx is done or a write
// fails.
func (l *Link) drainAndPump(ctx context.Context, conn net.Conn) {
	for {
		select {
		case <-ctx.Done():
			return

		case f := <-l.outbox:
			if err := wire.WriteFrame(conn, f); err != nil {
				l.log.Debug("write failed, dropping connection", "error", err.Error())
				return
			}
		}
	}
}

// discardQueue drops whatever remains queued after a connection is torn
// down, per spec §4.3 ("discard the send queue's remaining contents").
func (l *Link) discardQueue() {
	for {
		select {
		case <-l.outbox:
		default:
			return
		}
	}
}

func (l *Link) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
