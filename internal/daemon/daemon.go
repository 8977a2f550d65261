// Package daemon wakes the sync engine on a schedule so queued operations
// keep draining while the user is not touching the app.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"habitkeep/internal/syncengine"
	"habitkeep/internal/utils"
)

// DefaultSchedule runs a cycle every five minutes.
const DefaultSchedule = "@every 5m"

// Runner is the engine entry point the daemon drives
type Runner interface {
	Run(ctx context.Context) (syncengine.Result, error)
}

// Config holds daemon configuration.
type Config struct {
	Schedule         string        // cron spec or descriptor, e.g. "@every 5m"
	RunOnStart       bool          // run one cycle immediately on Start
	CircuitThreshold int           // consecutive failed cycles before skipping
	CircuitCooldown  time.Duration // how long to skip once open
}

// Status is a snapshot of the daemon's counters
type Status struct {
	Running      bool
	Runs         int
	Skipped      int // wake-ups dropped by the open circuit
	LastRun      time.Time
	LastResult   syncengine.Result
	LastError    string
	Circuit      CircuitState
	FailureCount int
	NextRun      time.Time
}

// Daemon schedules engine runs with robfig/cron.
type Daemon struct {
	cfg     Config
	runner  Runner
	cron    *cron.Cron
	breaker *CircuitBreaker
	entry   cron.EntryID

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup // the RunOnStart cycle

	mu         sync.RWMutex
	running    bool
	runs       int
	skipped    int
	lastRun    time.Time
	lastResult syncengine.Result
	lastError  string
	now        func() time.Time
}

// New creates a Daemon. The schedule is parsed here so a bad config fails
// before anything starts.
func New(cfg Config, runner Runner) (*Daemon, error) {
	if runner == nil {
		return nil, errors.New("daemon needs a runner")
	}
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultSchedule
	}
	if _, err := cron.ParseStandard(cfg.Schedule); err != nil {
		return nil, fmt.Errorf("invalid sync schedule %q: %w", cfg.Schedule, err)
	}
	return &Daemon{
		cfg:     cfg,
		runner:  runner,
		breaker: NewCircuitBreaker(cfg.CircuitThreshold, cfg.CircuitCooldown),
		now:     time.Now,
	}, nil
}

// Start schedules cycles and returns. Cycles run until Stop or until ctx is done.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return errors.New("daemon already running")
	}

	d.ctx, d.cancel = context.WithCancel(ctx)
	d.cron = cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	entry, err := d.cron.AddFunc(d.cfg.Schedule, d.tick)
	if err != nil {
		d.cancel()
		return fmt.Errorf("invalid sync schedule %q: %w", d.cfg.Schedule, err)
	}
	d.entry = entry
	d.cron.Start()
	d.running = true

	utils.GetLogger().Info("daemon started", "schedule", d.cfg.Schedule)
	if d.cfg.RunOnStart {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.tick()
		}()
	}
	return nil
}

// Stop cancels the current cycle and waits for it to return.
func (d *Daemon) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	c, cancel := d.cron, d.cancel
	d.mu.Unlock()

	cancel()
	<-c.Stop().Done()
	d.wg.Wait()
	utils.GetLogger().Info("daemon stopped")
}

// Run starts the daemon, blocks until ctx is done, then stops it.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	d.Stop()
	return nil
}

// Status returns a snapshot of the daemon counters.
func (d *Daemon) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()

	st := Status{
		Running:      d.running,
		Runs:         d.runs,
		Skipped:      d.skipped,
		LastRun:      d.lastRun,
		LastResult:   d.lastResult,
		LastError:    d.lastError,
		Circuit:      d.breaker.State(),
		FailureCount: d.breaker.FailureCount(),
	}
	if d.running {
		st.NextRun = d.cron.Entry(d.entry).Next
	}
	return st
}

// tick runs one cycle unless the circuit is open.
func (d *Daemon) tick() {
	log := utils.GetLogger()
	if !d.breaker.Allow() {
		d.mu.Lock()
		d.skipped++
		d.mu.Unlock()
		log.Debug("sync wake-up skipped", "circuit", d.breaker.State().String())
		return
	}

	d.mu.RLock()
	ctx := d.ctx
	d.mu.RUnlock()
	if ctx == nil {
		ctx = context.Background()
	}

	res, err := d.runner.Run(ctx)

	d.mu.Lock()
	d.runs++
	d.lastRun = d.now()
	d.lastResult = res
	d.lastError = ""
	if err != nil {
		d.lastError = err.Error()
	}
	d.mu.Unlock()

	switch {
	case err != nil:
		d.breaker.RecordFailure()
		log.Error("sync cycle failed", "error", err)
	case res.Skipped, res.Halted == syncengine.HaltBlocked, res.Halted == syncengine.HaltCanceled,
		res.Halted == syncengine.HaltSignedOut, res.Halted == syncengine.HaltBusy:
		// Neither progress nor a new failure.
	case res.Halted == syncengine.HaltTransient, res.Halted == syncengine.HaltUnauthorized:
		d.breaker.RecordFailure()
		if d.breaker.State() == CircuitOpen {
			log.Warn("sync circuit opened", "failures", d.breaker.FailureCount(), "cooldown", d.breaker.cooldown)
		}
	default:
		d.breaker.RecordSuccess()
	}
}
