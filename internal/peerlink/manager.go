package peerlink

import (
	"context"
	"log/slog"
	"time"

	"github.com/prxssh/stegocluster/internal/config"
	"github.com/prxssh/stegocluster/internal/wire"
)

// Manager owns one Link per configured peer and fans broadcasts out to
// all of them.
type Manager struct {
	links map[uint32]*Link
	addrs map[uint32]string
}

// NewManager builds a Link for every peer in peers and starts each one's
// Run loop under ctx.
func NewManager(ctx context.Context, log *slog.Logger, peers []config.PeerSpec, queueCapacity int, backoff, dial time.Duration) *Manager {
	m := &Manager{
		links: make(map[uint32]*Link, len(peers)),
		addrs: make(map[uint32]string, len(peers)),
	}

	for _, p := range peers {
		link := New(log, p.ID, p.Address, queueCapacity, backoff, dial)
		m.links[p.ID] = link
		m.addrs[p.ID] = p.Address
		go link.Run(ctx)
	}

	return m
}

// Send enqueues f on the link to peer id. It is a no-op returning
// SendDropped if id is not a configured peer.
func (m *Manager) Send(id uint32, f wire.Frame) SendResult {
	link, ok := m.links[id]
	if !ok {
		return SendDropped
	}
	return link.Send(f)
}

// Broadcast enqueues f on every configured peer link, best effort.
func (m *Manager) Broadcast(f wire.Frame) {
	for _, link := range m.links {
		link.Send(f)
	}
}

// Address returns the configured address of peer id.
func (m *Manager) Address(id uint32) (string, bool) {
	addr, ok := m.addrs[id]
	return addr, ok
}

// PeerIDs returns the ids of every configured peer, excluding self.
func (m *Manager) PeerIDs() []uint32 {
	ids := make([]uint32, 0, len(m.links))
	for id := range m.links {
		ids = append(ids, id)
	}
	return ids
}
