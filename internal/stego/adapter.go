package stego

import (
	"github.com/prxssh/stegocluster/internal/metrics"
)

// Adapter executes the codec on a worker appropriate for CPU-bound work
// (spec §4.10): it must never run on the connection-handling goroutine,
// to keep heartbeats and election timers responsive. It propagates the
// codec's error unchanged and keeps the probe's active-task counter
// incremented for the entire call.
type Adapter struct {
	probe *metrics.Probe
	work  chan func()
}

// NewAdapter starts a small fixed pool of CPU workers. The server's
// connection-handling goroutines hand work to the pool and wait on a
// per-call result channel; they never run the codec inline.
func NewAdapter(probe *metrics.Probe, workers int) *Adapter {
	if workers <= 0 {
		workers = 4
	}

	a := &Adapter{probe: probe, work: make(chan func(), workers*4)}
	for i := 0; i < workers; i++ {
		go a.worker()
	}
	return a
}

func (a *Adapter) worker() {
	for fn := range a.work {
		fn()
	}
}

// Encode runs Encode(carrier, secret) on a pool worker and blocks until
// done.
func (a *Adapter) Encode(carrier, secret []byte) ([]byte, error) {
	a.probe.TaskStarted()
	defer a.probe.TaskFinished()

	type result struct {
		out []byte
		err error
	}
	done := make(chan result, 1)

	a.work <- func() {
		out, err := Encode(carrier, secret)
		done <- result{out, err}
	}

	r := <-done
	return r.out, r.err
}
