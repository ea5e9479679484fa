// Package testcluster spins up a small set of in-process cluster peers
// for integration tests, the way the original implementation's own
// integration suite exercised the whole election/heartbeat/ledger/
// dispatch pipeline together rather than component-by-component.
package testcluster

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/prxssh/stegocluster/internal/config"
	"github.com/prxssh/stegocluster/internal/server"
)

// Node is one running peer in a test cluster.
type Node struct {
	ID      uint32
	Address string
	Server  *server.Server
	cancel  context.CancelFunc
}

// Cluster is a set of Nodes sharing a static peer list, started together
// and torn down together.
type Cluster struct {
	Nodes []*Node
}

// Opts configures a test cluster.
type Opts struct {
	// Count is the number of peers to start.
	Count int

	// BasePort is the first TCP port used; peers occupy
	// [BasePort, BasePort+Count).
	BasePort int

	HeartbeatIntervalSecs uint64
	ElectionTimeoutSecs   uint64
	FailureTimeoutSecs    uint64
	MonitorIntervalSecs   uint64
}

func (o Opts) withDefaults() Opts {
	if o.HeartbeatIntervalSecs == 0 {
		o.HeartbeatIntervalSecs = 1
	}
	if o.ElectionTimeoutSecs == 0 {
		o.ElectionTimeoutSecs = 1
	}
	if o.FailureTimeoutSecs == 0 {
		o.FailureTimeoutSecs = 3
	}
	if o.MonitorIntervalSecs == 0 {
		o.MonitorIntervalSecs = 1
	}
	return o
}

// New starts opts.Count peers, each configured with the full peer list of
// its siblings, and returns after a short fixed pause for the listeners to
// come up; it does not check that every peer is accepting connections.
func New(opts Opts) (*Cluster, error) {
	opts = opts.withDefaults()

	carrierPath, err := writeTestCarrier()
	if err != nil {
		return nil, err
	}

	peers := make([]config.PeerSpec, opts.Count)
	for i := 0; i < opts.Count; i++ {
		id := uint32(i + 1)
		peers[i] = config.PeerSpec{ID: id, Address: fmt.Sprintf("127.0.0.1:%d", opts.BasePort+i)}
	}

	cluster := &Cluster{}

	for i := 0; i < opts.Count; i++ {
		id := uint32(i + 1)
		selfAddr := peers[i].Address

		otherPeers := make([]config.PeerSpec, 0, opts.Count-1)
		for j, p := range peers {
			if j != i {
				otherPeers = append(otherPeers, p)
			}
		}

		cfg := config.ServerConfig{
			ServerID:              id,
			ListenAddress:         selfAddr,
			Peers:                 otherPeers,
			HeartbeatIntervalSecs: opts.HeartbeatIntervalSecs,
			ElectionTimeoutSecs:   opts.ElectionTimeoutSecs,
			FailureTimeoutSecs:    opts.FailureTimeoutSecs,
			MonitorIntervalSecs:   opts.MonitorIntervalSecs,
			SendQueueCapacity:     100,
			ReconnectBackoff:      200 * time.Millisecond,
			DialTimeout:           time.Second,
			CarrierImagePath:      carrierPath,
		}

		log := slog.New(slog.NewTextHandler(io.Discard, nil))

		srv, err := server.New(cfg, log)
		if err != nil {
			cluster.Stop()
			return nil, err
		}

		ctx, cancel := context.WithCancel(context.Background())
		node := &Node{ID: id, Address: selfAddr, Server: srv, cancel: cancel}
		cluster.Nodes = append(cluster.Nodes, node)

		go srv.Run(ctx)
	}

	// Give each listener a moment to come up before callers start
	// dialing peers.
	time.Sleep(100 * time.Millisecond)

	return cluster, nil
}

// Stop cancels every node's run context.
func (c *Cluster) Stop() {
	for _, n := range c.Nodes {
		n.cancel()
	}
}

// Addresses returns every node's listen address, in peer-id order.
func (c *Cluster) Addresses() []string {
	addrs := make([]string, len(c.Nodes))
	for i, n := range c.Nodes {
		addrs[i] = n.Address
	}
	return addrs
}

func writeTestCarrier() (string, error) {
	img := image.NewRGBA(image.Rect(0, 0, 128, 128))
	for y := 0; y < 128; y++ {
		for x := 0; x < 128; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 128, A: 255})
		}
	}

	f, err := os.CreateTemp("", "stegocluster-carrier-*.png")
	if err != nil {
		return "", err
	}
	defer f.Close()

	if err := png.Encode(f, img); err != nil {
		return "", err
	}

	return f.Name(), nil
}
