// Package syncengine drains the outbox against the remote API, one operation
// at a time in queue order, and merges remote changes back when the queue is
// empty.
package syncengine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"habitkeep/backend"
	"habitkeep/backend/remote"
	"habitkeep/backend/sqlite"
	"habitkeep/internal/ratelimit"
	"habitkeep/internal/utils"
)

// DefaultMaxAttempts is how many transient failures an operation survives
// before it is marked failed.
const DefaultMaxAttempts = 8

// DefaultLeaseTTL bounds how long a crashed process keeps other processes
// from syncing. It must outlive the slowest single delivery.
const DefaultLeaseTTL = 5 * time.Minute

// Remote is the part of the API client the engine uses
type Remote interface {
	Do(ctx context.Context, ep remote.Endpoint, id string, body any) (*remote.Response, error)
	FetchChanges(ctx context.Context, since int64) (*remote.ChangeSet, error)
}

// Session resolves the signed-in user. An empty id means signed out.
type Session interface {
	UserID(ctx context.Context) (string, error)
}

// HaltReason says why a cycle stopped before the queue was empty
type HaltReason string

const (
	HaltNone         HaltReason = ""
	HaltSignedOut    HaltReason = "signed_out"
	HaltBlocked      HaltReason = "blocked"      // head operation is waiting for its retry time
	HaltTransient    HaltReason = "transient"    // network error, 5xx or rate limit
	HaltUnauthorized HaltReason = "unauthorized" // token rejected and refresh failed
	HaltCanceled     HaltReason = "canceled"
	HaltBusy         HaltReason = "busy" // another process took over the sync lease
)

// Result summarizes one Run
type Result struct {
	Processed  int // delivered and removed from the queue
	Failed     int // marked failed
	Retried    int // scheduled for a later attempt
	Reclaimed  int // recovered from an interrupted cycle
	Pulled     int // remote rows merged locally
	Skipped    bool
	Halted     HaltReason
	PullFailed bool
}

// Config tunes retry behavior
type Config struct {
	MaxAttempts int
	Backoff     ratelimit.Policy
	Pull        bool
	LeaseTTL    time.Duration
}

// Engine is the single-flight outbox drain loop
type Engine struct {
	store   *sqlite.Store
	remote  Remote
	session Session
	cfg     Config
	now     func() time.Time
	holder  string // lease holder id, unique per engine

	mu sync.Mutex // held for the whole cycle
	wg sync.WaitGroup
}

// Option configures an Engine
type Option func(*Engine)

// WithClock overrides the engine clock.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// New creates an Engine.
func New(store *sqlite.Store, client Remote, session Session, cfg Config, opts ...Option) *Engine {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.Backoff.BaseDelay <= 0 {
		cfg.Backoff = ratelimit.DefaultPolicy()
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = DefaultLeaseTTL
	}
	e := &Engine{
		store:   store,
		remote:  client,
		session: session,
		cfg:     cfg,
		now:     store.Now,
		holder:  backend.GenerateID(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Trigger starts a cycle in the background. It never blocks and never
// reports errors; they are logged.
func (e *Engine) Trigger() {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if _, err := e.Run(context.Background()); err != nil {
			utils.GetLogger().Error("background sync failed", "error", err)
		}
	}()
}

// Wait blocks until every triggered cycle has returned.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// Run drains the signed-in user's queue. A second call while a cycle is
// running, in this process or in another one sharing the database, returns
// Result{Skipped: true} at once. The returned error reports local store
// failures only; remote failures are recorded on the operations.
func (e *Engine) Run(ctx context.Context) (res Result, err error) {
	if !e.mu.TryLock() {
		return Result{Skipped: true}, nil
	}
	defer e.mu.Unlock()
	defer func() {
		if p := recover(); p != nil {
			utils.GetLogger().Error("sync cycle panicked", "panic", p)
			err = fmt.Errorf("sync cycle panicked: %v", p)
		}
	}()

	log := utils.GetLogger()
	userID, err := e.session.UserID(ctx)
	if err != nil {
		return res, fmt.Errorf("resolve session: %w", err)
	}
	if userID == "" {
		res.Halted = HaltSignedOut
		return res, nil
	}
	owner := &userID
	outbox := e.store.Outbox()
	leases := e.store.Leases()

	leased, err := leases.Acquire(ctx, userID, e.holder, e.cfg.LeaseTTL)
	if err != nil {
		return res, err
	}
	if !leased {
		log.Debug("sync lease held by another process", "user_id", userID)
		res.Skipped = true
		return res, nil
	}
	defer func() {
		if err := leases.Release(context.WithoutCancel(ctx), userID, e.holder); err != nil {
			log.Warn("failed to release sync lease", "error", err)
		}
	}()

	// Holding the lease, any processing row belongs to a cycle that died.
	var exhausted int
	if res.Reclaimed, exhausted, err = outbox.ReclaimProcessing(ctx, userID, e.cfg.MaxAttempts); err != nil {
		return res, err
	}
	res.Failed += exhausted
	if res.Reclaimed > 0 || exhausted > 0 {
		log.Warn("reclaimed interrupted operations", "count", res.Reclaimed, "gave_up", exhausted)
	}

	for res.Halted == HaltNone {
		if ctx.Err() != nil {
			res.Halted = HaltCanceled
			break
		}
		op, err := outbox.GetOldestPending(ctx, userID)
		if err != nil {
			return res, err
		}
		if op == nil {
			break
		}
		if op.NextAttemptAt != nil && op.NextAttemptAt.After(e.now()) {
			log.Debug("head of queue is waiting", "op_id", op.ID, "next_attempt_at", op.NextAttemptAt)
			res.Halted = HaltBlocked
			break
		}
		if leased, err = leases.Acquire(ctx, userID, e.holder, e.cfg.LeaseTTL); err != nil {
			return res, err
		}
		if !leased {
			log.Warn("sync lease lost", "user_id", userID)
			res.Halted = HaltBusy
			break
		}
		claimed, err := outbox.Claim(ctx, op.ID)
		if err != nil {
			return res, err
		}
		if !claimed {
			res.Halted = HaltBusy
			break
		}
		if err := e.process(ctx, op, &res); err != nil {
			return res, err
		}
	}

	if res.Processed > 0 {
		if err := e.store.Settings().SetLastSyncAt(ctx, owner, e.now()); err != nil {
			return res, err
		}
	}

	if e.cfg.Pull && res.Halted == HaltNone {
		pulled, err := e.pull(ctx, userID)
		if err != nil {
			log.Warn("pull failed", "error", err)
			res.PullFailed = true
		}
		res.Pulled = pulled
	}

	log.Info("sync cycle finished",
		"processed", res.Processed, "failed", res.Failed, "retried", res.Retried,
		"pulled", res.Pulled, "halted", string(res.Halted))
	return res, nil
}

// process delivers one operation and records the outcome on it.
func (e *Engine) process(ctx context.Context, op *backend.PendingOperation, res *Result) error {
	outbox := e.store.Outbox()
	log := utils.GetLogger()

	deliverErr := e.deliver(ctx, op)

	var transient *backend.SyncTransientError
	var permanent *backend.SyncPermanentError
	switch {
	case deliverErr == nil:
		res.Processed++
		log.Debug("operation delivered", "op_id", op.ID, "op", op.Op, "entity", op.Entity)
		return outbox.Delete(ctx, op.ID)

	case ctx.Err() != nil:
		res.Halted = HaltCanceled
		return outbox.UpdateStatus(context.WithoutCancel(ctx), op.ID, backend.OpPending)

	case errors.Is(deliverErr, errUnauthorized):
		// Not the operation's fault: it stays queued with its attempt count.
		res.Halted = HaltUnauthorized
		log.Warn("sync stopped: not authorized", "op_id", op.ID)
		return outbox.UpdateStatus(ctx, op.ID, backend.OpPending)

	case errors.As(deliverErr, &permanent):
		res.Failed++
		log.Warn("operation rejected", "op_id", op.ID, "error", deliverErr)
		return outbox.MarkFailed(ctx, op.ID, deliverErr.Error())

	case errors.As(deliverErr, &transient):
		if op.Attempts+1 >= e.cfg.MaxAttempts {
			res.Failed++
			log.Warn("operation gave up", "op_id", op.ID, "attempts", op.Attempts+1, "error", deliverErr)
			return outbox.MarkFailed(ctx, op.ID, deliverErr.Error())
		}
		next := e.now().Add(e.cfg.Backoff.Backoff(op.Attempts))
		res.Retried++
		res.Halted = HaltTransient
		log.Info("operation will be retried", "op_id", op.ID, "next_attempt_at", next, "error", deliverErr)
		return outbox.RecordFailedAttempt(ctx, op.ID, deliverErr.Error(), next)

	default:
		return deliverErr
	}
}

var errUnauthorized = errors.New("unauthorized")

// deliver sends op and classifies the outcome: nil, errUnauthorized,
// *backend.SyncTransientError or *backend.SyncPermanentError.
func (e *Engine) deliver(ctx context.Context, op *backend.PendingOperation) error {
	ep, ok := remote.Route(op.Entity, op.Op)
	if !ok {
		return &backend.SyncPermanentError{
			OperationID: op.ID,
			Err:         fmt.Errorf("no endpoint configured for %s %s", op.Op, op.Entity),
		}
	}

	var body any
	if ep.HasBody() {
		payload, err := backend.DecodePayload(op)
		if err != nil {
			return &backend.SyncPermanentError{OperationID: op.ID, Err: err}
		}
		body = payload
	}

	resp, err := e.remote.Do(ctx, ep, op.EntityID, body)
	if err != nil {
		if errors.Is(err, remote.ErrUnauthorized) {
			return errUnauthorized
		}
		return &backend.SyncTransientError{OperationID: op.ID, Err: err}
	}

	switch {
	case resp.Success():
		return nil
	case resp.StatusCode == http.StatusUnauthorized:
		return errUnauthorized
	case resp.StatusCode == http.StatusTooManyRequests:
		rl := &ratelimit.RateLimitError{Endpoint: ep.String()}
		if d := ratelimit.ParseRetryAfter(resp.Header.Get("Retry-After")); d != nil {
			rl.RetryAfter = *d
		}
		return &backend.SyncTransientError{OperationID: op.ID, StatusCode: resp.StatusCode, Err: rl}
	case resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode >= 500:
		return &backend.SyncTransientError{OperationID: op.ID, StatusCode: resp.StatusCode, Err: errors.New(resp.Excerpt())}
	default:
		return &backend.SyncPermanentError{OperationID: op.ID, StatusCode: resp.StatusCode, Err: errors.New(resp.Excerpt())}
	}
}
