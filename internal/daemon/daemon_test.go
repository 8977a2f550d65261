package daemon

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"habitkeep/internal/syncengine"
)

// scriptedRunner returns queued results in order, then the last one forever
type scriptedRunner struct {
	mu      sync.Mutex
	results []syncengine.Result
	errs    []error
	calls   int
	ran     chan struct{}
}

func (r *scriptedRunner) Run(ctx context.Context) (syncengine.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := r.calls
	r.calls++
	if r.ran != nil {
		select {
		case r.ran <- struct{}{}:
		default:
		}
	}
	var res syncengine.Result
	var err error
	if len(r.results) > 0 {
		res = r.results[min(i, len(r.results)-1)]
	}
	if len(r.errs) > 0 {
		err = r.errs[min(i, len(r.errs)-1)]
	}
	return res, err
}

func (r *scriptedRunner) Calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func mustNewDaemon(t *testing.T, cfg Config, runner Runner) *Daemon {
	t.Helper()
	d, err := New(cfg, runner)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	return d
}

func TestNewRejectsBadSchedule(t *testing.T) {
	if _, err := New(Config{Schedule: "every now and then"}, &scriptedRunner{}); err == nil {
		t.Error("New() should reject an unparsable schedule")
	}
	if _, err := New(Config{}, nil); err == nil {
		t.Error("New() should reject a nil runner")
	}
	d := mustNewDaemon(t, Config{}, &scriptedRunner{})
	if d.cfg.Schedule != DefaultSchedule {
		t.Errorf("schedule = %q, want %q", d.cfg.Schedule, DefaultSchedule)
	}
}

// TestTickRecordsStatus verifies counters and the last result
func TestTickRecordsStatus(t *testing.T) {
	runner := &scriptedRunner{results: []syncengine.Result{{Processed: 2}}}
	d := mustNewDaemon(t, Config{}, runner)
	fixed := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return fixed }

	d.tick()
	st := d.Status()
	if st.Runs != 1 || st.LastResult.Processed != 2 || !st.LastRun.Equal(fixed) || st.LastError != "" {
		t.Errorf("status = %+v", st)
	}
	if st.Circuit != CircuitClosed || st.Running {
		t.Errorf("status = %+v, want closed and not running", st)
	}
}

// TestTickOpensCircuitOnHaltedCycles verifies consecutive transient halts skip later wake-ups
func TestTickOpensCircuitOnHaltedCycles(t *testing.T) {
	runner := &scriptedRunner{results: []syncengine.Result{{Halted: syncengine.HaltTransient}}}
	d := mustNewDaemon(t, Config{CircuitThreshold: 2, CircuitCooldown: time.Hour}, runner)

	d.tick()
	d.tick()
	d.tick()
	d.tick()

	st := d.Status()
	if runner.Calls() != 2 {
		t.Errorf("runner calls = %d, want 2", runner.Calls())
	}
	if st.Circuit != CircuitOpen || st.Skipped != 2 || st.FailureCount != 2 {
		t.Errorf("status = %+v", st)
	}
}

// TestTickNeutralResults verifies blocked and signed-out cycles leave the breaker alone
func TestTickNeutralResults(t *testing.T) {
	runner := &scriptedRunner{results: []syncengine.Result{
		{Halted: syncengine.HaltTransient},
		{Halted: syncengine.HaltBlocked},
		{Halted: syncengine.HaltSignedOut},
		{Skipped: true},
	}}
	d := mustNewDaemon(t, Config{CircuitThreshold: 5}, runner)
	for i := 0; i < 4; i++ {
		d.tick()
	}
	if n := d.breaker.FailureCount(); n != 1 {
		t.Errorf("failure count = %d, want 1", n)
	}
}

// TestTickErrorCountsAsFailure verifies local errors are recorded and a clean cycle resets
func TestTickErrorCountsAsFailure(t *testing.T) {
	runner := &scriptedRunner{
		results: []syncengine.Result{{}, {}, {Processed: 1}},
		errs:    []error{errors.New("database is locked"), errors.New("database is locked"), nil},
	}
	d := mustNewDaemon(t, Config{CircuitThreshold: 3}, runner)

	d.tick()
	if st := d.Status(); st.LastError != "database is locked" || st.FailureCount != 1 {
		t.Errorf("status after error = %+v", st)
	}
	d.tick()
	d.tick()
	if st := d.Status(); st.LastError != "" || st.FailureCount != 0 || st.Circuit != CircuitClosed {
		t.Errorf("status after recovery = %+v", st)
	}
}

// TestStartRunsOnStartAndStops verifies the cron lifecycle
func TestStartRunsOnStartAndStops(t *testing.T) {
	runner := &scriptedRunner{ran: make(chan struct{}, 1)}
	d := mustNewDaemon(t, Config{Schedule: "@every 1h", RunOnStart: true}, runner)

	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if err := d.Start(context.Background()); err == nil {
		t.Error("second Start() should fail")
	}

	select {
	case <-runner.ran:
	case <-time.After(5 * time.Second):
		t.Fatal("RunOnStart cycle never ran")
	}

	st := d.Status()
	if !st.Running || st.NextRun.IsZero() {
		t.Errorf("status while running = %+v", st)
	}

	d.Stop()
	d.Stop()
	if d.Status().Running {
		t.Error("daemon still running after Stop")
	}
}

// TestRunReturnsWhenContextDone verifies the foreground mode
func TestRunReturnsWhenContextDone(t *testing.T) {
	d := mustNewDaemon(t, Config{Schedule: "@every 1h"}, &scriptedRunner{})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not return after cancel")
	}
}
