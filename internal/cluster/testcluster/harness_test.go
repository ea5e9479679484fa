package testcluster

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/prxssh/stegocluster/internal/client"
	"github.com/prxssh/stegocluster/internal/config"
)

func discardLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

// TestClusterElectsLeaderAndServesTask is an end-to-end smoke test: three
// peers run their election and heartbeat loops, and a client coordinator
// discovers the resulting leader-assigned peer and successfully executes
// a task against it. Client discovery itself (spec §4.9.S0) tolerates
// the warm-up delay by retrying every 2s, so the test does not need to
// observe election state directly.
func TestClusterElectsLeaderAndServesTask(t *testing.T) {
	c, err := New(Opts{Count: 3, BasePort: 29401})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Stop()

	cfg := config.ClientConfig{
		ClientName:          "itest",
		ServerAddresses:     c.Addresses(),
		DiscoverTimeout:     2 * time.Second,
		ExecuteTimeout:      5 * time.Second,
		PollTimeout:         2 * time.Second,
		SameAddressLimit:    10,
		NoResponseLimit:     10,
		MaxResubmitAttempts: 3,
	}

	coord := client.New(cfg, discardLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	result := coord.Execute(ctx, client.Request{RequestID: 1, Secret: []byte("integration secret")})
	if result.Err != nil {
		t.Fatalf("Execute: %v", result.Err)
	}
	if len(result.Stego) == 0 {
		t.Fatalf("expected non-empty stego result")
	}
}
