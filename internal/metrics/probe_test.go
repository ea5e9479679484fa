package metrics

import "testing"

func TestLoadReflectsActiveTasks(t *testing.T) {
	p := New()

	base := p.Load()

	for i := 0; i < 10; i++ {
		p.TaskStarted()
	}

	loaded := p.Load()
	if loaded <= base {
		t.Fatalf("load with 10 active tasks (%v) should exceed idle load (%v)", loaded, base)
	}

	for i := 0; i < 10; i++ {
		p.TaskFinished()
	}

	if got := p.ActiveTasks(); got != 0 {
		t.Fatalf("ActiveTasks() = %d, want 0", got)
	}
}

func TestLoadClampsTaskFraction(t *testing.T) {
	p := New()
	for i := 0; i < 50; i++ {
		p.TaskStarted()
	}

	// task contribution caps at 0.3*100 regardless of how far past 10
	// activeTasks climbs.
	if got := p.ActiveTasks(); got != 50 {
		t.Fatalf("ActiveTasks() = %d, want 50", got)
	}
	load := p.Load()
	if load < 0 || load > 100+50 {
		t.Fatalf("load out of sane range: %v", load)
	}
}
