// Package metrics implements the load probe of spec §4.2: a single scalar
// combining CPU, active task count, and available memory, recomputed on
// every call rather than cached. It is the only signal used by both the
// election engine (§4.4) and the dispatch planner (§4.7).
package metrics

import (
	"sync/atomic"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// Probe samples host CPU and memory and combines them with a live
// active-task counter into a single load score in [0, 100].
//
// Probe has no internal caching: Load recomputes from scratch on every
// call, per spec §4.2 ("MUST recompute on each load() call rather than
// cache").
type Probe struct {
	activeTasks atomic.Int64
}

// New returns a Probe with zero active tasks.
func New() *Probe {
	return &Probe{}
}

// TaskStarted increments the active-task counter. Call once per task
// accepted by the server handler (§4.8 TaskRequest), for the entire
// duration of the encoder adapter call (§4.10).
func (p *Probe) TaskStarted() {
	p.activeTasks.Add(1)
}

// TaskFinished decrements the active-task counter.
func (p *Probe) TaskFinished() {
	p.activeTasks.Add(-1)
}

// ActiveTasks returns the current in-flight task count.
func (p *Probe) ActiveTasks() int64 {
	return p.activeTasks.Load()
}

// Load computes load = 0.5*cpuPct + 0.3*min(activeTasks/10, 1)*100 +
// 0.2*(100 - availMemPct), per spec §4.2.
func (p *Probe) Load() float64 {
	cpuPct := sampleCPUPercent()
	availMemPct := sampleAvailMemPercent()

	active := float64(p.activeTasks.Load())
	taskFraction := active / 10
	if taskFraction > 1 {
		taskFraction = 1
	}

	return 0.5*cpuPct + 0.3*taskFraction*100 + 0.2*(100-availMemPct)
}

func sampleCPUPercent() float64 {
	pcts, err := cpu.Percent(0, false)
	if err != nil || len(pcts) == 0 {
		return 0
	}
	return pcts[0]
}

func sampleAvailMemPercent() float64 {
	vm, err := mem.VirtualMemory()
	if err != nil || vm.Total == 0 {
		return 100
	}
	return float64(vm.Available) / float64(vm.Total) * 100
}
