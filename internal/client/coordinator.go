// Package client implements the failover state machine of spec §4.9: for
// each request, discover an assignee, execute the task against it, and on
// failure poll the cluster for reassignment or resubmit from scratch.
package client

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prxssh/stegocluster/internal/config"
	"github.com/prxssh/stegocluster/internal/stego"
	"github.com/prxssh/stegocluster/internal/wire"
)

// ErrPermanentFailure is returned once the resubmission attempt counter
// of spec §4.9.S3 is exhausted.
var ErrPermanentFailure = errors.New("client: request permanently failed")

// Request is one unit of work submitted to the coordinator.
type Request struct {
	RequestID uint64
	Secret    []byte
}

// Result is what Execute returns for one request: either the stego bytes
// and latency of a successful run, or a terminal error. Per spec §4.9,
// both outcomes are reported verbatim to the caller (the metrics
// exporter in the original source; here, whoever calls Execute).
type Result struct {
	RequestID uint64
	Stego     []byte
	Latency   time.Duration
	Err       error
}

// Coordinator runs the per-request state machine against a fixed set of
// configured peer addresses.
type Coordinator struct {
	clientName string
	addresses  []string
	cfg        config.ClientConfig
	log        *slog.Logger
	dial       func(addr string, timeout time.Duration) (net.Conn, error)
}

// New returns a Coordinator for clientName against the peer addresses and
// timeouts in cfg.
func New(cfg config.ClientConfig, log *slog.Logger) *Coordinator {
	return &Coordinator{
		clientName: cfg.ClientName,
		addresses:  cfg.ServerAddresses,
		cfg:        cfg,
		log:        log.With("component", "client", "clientName", cfg.ClientName),
		dial: func(addr string, timeout time.Duration) (net.Conn, error) {
			return net.DialTimeout("tcp", addr, timeout)
		},
	}
}

// Execute runs the full S0→S1→(S2→S3)* state machine for req until it
// succeeds or is permanently abandoned, per spec §4.9. It blocks until ctx
// is cancelled or a terminal outcome (success or permanent failure) is
// reached.
func (c *Coordinator) Execute(ctx context.Context, req Request) Result {
	start := time.Now()
	requestID := req.RequestID
	resubmitAttempts := 0
	trace := uuid.NewString()
	log := c.log.With("trace", trace, "requestId", requestID)
	log.Info("executing request")

	responderID, address, ok := c.discoverAssignee(ctx, c.clientName, requestID)
	if !ok {
		return Result{RequestID: requestID, Err: ctx.Err()}
	}

	for {
		stegoBytes, outcome := c.executeAt(ctx, address, requestID, req.Secret, responderID)

		switch outcome {
		case outcomeSuccess:
			return Result{RequestID: requestID, Stego: stegoBytes, Latency: time.Since(start)}

		case outcomeEncoderError:
			// Non-retryable per spec §7: not a connection failure.
			return Result{RequestID: requestID, Err: errors.New("client: encoder rejected request")}

		case outcomeAssigneeFailed:
			newAddress, lost := c.pollReassignment(ctx, requestID, address)
			if !lost {
				address = newAddress
				continue
			}

			resubmitAttempts++
			if resubmitAttempts > c.cfg.MaxResubmitAttempts {
				log.Warn("resubmit attempts exhausted, giving up")
				return Result{RequestID: requestID, Err: ErrPermanentFailure}
			}
			log.Info("resubmitting request", "attempt", resubmitAttempts)

			newResponder, newAddr, ok := c.discoverAssignee(ctx, c.clientName, requestID)
			if !ok {
				return Result{RequestID: requestID, Err: ctx.Err()}
			}
			responderID, address = newResponder, newAddr
		}

		select {
		case <-ctx.Done():
			return Result{RequestID: requestID, Err: ctx.Err()}
		default:
		}
	}
}

type executeOutcome int

const (
	outcomeSuccess executeOutcome = iota
	outcomeAssigneeFailed
	outcomeEncoderError
)

// discoverAssignee implements S0: broadcast AssignRequest to every
// configured address and accept the first well-formed AssignResponse,
// retrying indefinitely at 2s intervals.
func (c *Coordinator) discoverAssignee(ctx context.Context, clientName string, requestID uint64) (responderID uint32, address string, ok bool) {
	for {
		select {
		case <-ctx.Done():
			return 0, "", false
		default:
		}

		resp, _, found := c.broadcastAssignRequest(ctx, clientName, requestID)
		if found {
			return resp.AssigneeID, resp.AssigneeAddress, true
		}

		select {
		case <-ctx.Done():
			return 0, "", false
		case <-time.After(2 * time.Second):
		}
	}
}

func (c *Coordinator) broadcastAssignRequest(ctx context.Context, clientName string, requestID uint64) (*wire.AssignResponse, string, bool) {
	type hit struct {
		resp *wire.AssignResponse
		addr string
	}

	results := make(chan hit, len(c.addresses))
	var wg sync.WaitGroup

	for _, addr := range c.addresses {
		wg.Add(1)
		go func(addr string) {
			defer wg.Done()

			conn, err := c.dial(addr, c.cfg.DiscoverTimeout)
			if err != nil {
				return
			}
			defer conn.Close()
			conn.SetDeadline(time.Now().Add(c.cfg.DiscoverTimeout))

			if err := wire.WriteFrame(conn, wire.Frame{Tag: wire.TagAssignRequest, Body: &wire.AssignRequest{
				ClientName: clientName,
				RequestID:  requestID,
			}}); err != nil {
				return
			}

			f, err := wire.ReadFrame(conn)
			if err != nil || f.Tag != wire.TagAssignResponse {
				return
			}

			results <- hit{resp: f.Body.(*wire.AssignResponse), addr: addr}
		}(addr)
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	select {
	case h, gotResult := <-results:
		if !gotResult {
			return nil, "", false
		}
		return h.resp, h.addr, true
	case <-ctx.Done():
		return nil, "", false
	}
}

// executeAt implements S1: send the task to address, await the response,
// verify it round-trips, and ack.
func (c *Coordinator) executeAt(ctx context.Context, address string, requestID uint64, secret []byte, assignedByLeader uint32) ([]byte, executeOutcome) {
	conn, err := c.dial(address, c.cfg.ExecuteTimeout)
	if err != nil {
		return nil, outcomeAssigneeFailed
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(c.cfg.ExecuteTimeout))

	if err := wire.WriteFrame(conn, wire.Frame{Tag: wire.TagTaskRequest, Body: &wire.TaskRequest{
		ClientName:       c.clientName,
		RequestID:        requestID,
		SecretBytes:      secret,
		AssignedByLeader: assignedByLeader,
	}}); err != nil {
		return nil, outcomeAssigneeFailed
	}

	f, err := wire.ReadFrame(conn)
	if err != nil || f.Tag != wire.TagTaskResponse {
		return nil, outcomeAssigneeFailed
	}

	resp := f.Body.(*wire.TaskResponse)
	if !resp.Success {
		return nil, outcomeEncoderError
	}

	recovered, err := stego.Decode(resp.StegoBytes)
	if err != nil || len(recovered) == 0 {
		return nil, outcomeAssigneeFailed
	}

	if err := wire.WriteFrame(conn, wire.Frame{Tag: wire.TagTaskAck, Body: &wire.TaskAck{
		ClientName: c.clientName,
		RequestID:  requestID,
	}}); err != nil {
		// The task already succeeded server-side; a failed ack only
		// delays ledger cleanup until the next failure sweep, so the
		// request itself is still a success for the caller.
		c.log.Warn("failed to send task ack", "error", err.Error())
	}

	return resp.StegoBytes, outcomeSuccess
}

// pollReassignment implements S2: poll every 2s until either a
// reassigned/recovered address is adopted (lost=false, newAddress set) or
// consecutiveFailures reaches the configured limit and the task is
// declared lost (lost=true, caller goes to S3).
func (c *Coordinator) pollReassignment(ctx context.Context, requestID uint64, failedAddress string) (newAddress string, lost bool) {
	sameCount := 0
	consecutiveFailures := 0

	for {
		select {
		case <-ctx.Done():
			return "", true
		case <-time.After(2 * time.Second):
		}

		resp, found := c.broadcastTaskStatusQuery(ctx, requestID)
		switch {
		case found && resp.AssigneeAddress != failedAddress:
			return resp.AssigneeAddress, false

		case found && resp.AssigneeAddress == failedAddress:
			sameCount++
			if sameCount >= c.cfg.SameAddressLimit {
				return failedAddress, false
			}

		default:
			consecutiveFailures++
			if consecutiveFailures >= c.cfg.NoResponseLimit {
				return "", true
			}
		}
	}
}

func (c *Coordinator) broadcastTaskStatusQuery(ctx context.Context, requestID uint64) (*wire.TaskStatusResponse, bool) {
	type hit struct {
		resp *wire.TaskStatusResponse
	}

	results := make(chan hit, len(c.addresses))
	var wg sync.WaitGroup

	for _, addr := range c.addresses {
		wg.Add(1)
		go func(addr string) {
			defer wg.Done()

			conn, err := c.dial(addr, c.cfg.PollTimeout)
			if err != nil {
				return
			}
			defer conn.Close()
			conn.SetDeadline(time.Now().Add(c.cfg.PollTimeout))

			if err := wire.WriteFrame(conn, wire.Frame{Tag: wire.TagTaskStatusQuery, Body: &wire.TaskStatusQuery{
				ClientName: c.clientName,
				RequestID:  requestID,
			}}); err != nil {
				return
			}

			f, err := wire.ReadFrame(conn)
			if err != nil || f.Tag != wire.TagTaskStatusResponse {
				return
			}

			results <- hit{resp: f.Body.(*wire.TaskStatusResponse)}
		}(addr)
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	select {
	case h, gotResult := <-results:
		if !gotResult {
			return nil, false
		}
		return h.resp, true
	case <-ctx.Done():
		return nil, false
	}
}
