package sqlite

import (
	"context"
	"errors"
	"testing"
	"time"

	"habitkeep/backend"
)

func mustEnqueueSpace(t *testing.T, s *Store, owner, spaceID string) *backend.PendingOperation {
	t.Helper()
	op, err := backend.NewPendingOperation(owner, backend.OpCreate, backend.SpacePayload{ID: spaceID, Name: spaceID})
	if err != nil {
		t.Fatalf("NewPendingOperation error: %v", err)
	}
	row, err := s.Outbox().Enqueue(context.Background(), op)
	if err != nil {
		t.Fatalf("Enqueue error: %v", err)
	}
	return row
}

// TestOutboxFIFO verifies rows come out in id order per owner.
func TestOutboxFIFO(t *testing.T) {
	s, _, ctx := mustNewStore(t)
	u1 := mustCreateUser(t, s, ctx, "u1")
	u2 := mustCreateUser(t, s, ctx, "u2")

	a := mustEnqueueSpace(t, s, *u1, "a")
	mustEnqueueSpace(t, s, *u2, "other")
	b := mustEnqueueSpace(t, s, *u1, "b")
	if b.ID <= a.ID {
		t.Fatalf("ids not monotonic: %d then %d", a.ID, b.ID)
	}

	head, err := s.Outbox().GetOldestPending(ctx, *u1)
	if err != nil {
		t.Fatalf("GetOldestPending error: %v", err)
	}
	if head == nil || head.ID != a.ID {
		t.Fatalf("GetOldestPending = %+v, want id %d", head, a.ID)
	}
	if head.Status != backend.OpPending || head.Entity != backend.EntitySpace || head.EntityID != "a" {
		t.Errorf("head = %+v", head)
	}

	if err := s.Outbox().Delete(ctx, a.ID); err != nil {
		t.Fatalf("Delete error: %v", err)
	}
	head, _ = s.Outbox().GetOldestPending(ctx, *u1)
	if head == nil || head.ID != b.ID {
		t.Errorf("GetOldestPending after delete = %+v, want id %d", head, b.ID)
	}

	if err := s.Outbox().Delete(ctx, b.ID); err != nil {
		t.Fatalf("Delete error: %v", err)
	}
	head, err = s.Outbox().GetOldestPending(ctx, *u1)
	if err != nil || head != nil {
		t.Errorf("GetOldestPending on empty queue = %+v, %v; want nil, nil", head, err)
	}
}

// TestOutboxRejectsInvalidRows verifies Enqueue refuses rows without owner or payload.
func TestOutboxRejectsInvalidRows(t *testing.T) {
	s, _, ctx := mustNewStore(t)

	_, err := s.Outbox().Enqueue(ctx, &backend.PendingOperation{Op: backend.OpCreate, Entity: backend.EntityTask, EntityID: "x", Payload: []byte("{}")})
	if !errors.Is(err, backend.ErrInvalidPayload) {
		t.Errorf("Enqueue(no owner) error = %v, want ErrInvalidPayload", err)
	}
}

// TestOutboxStatusTransitions verifies failure bookkeeping and processing reclaim.
func TestOutboxStatusTransitions(t *testing.T) {
	s, clock, ctx := mustNewStore(t)
	u1 := mustCreateUser(t, s, ctx, "u1")
	op := mustEnqueueSpace(t, s, *u1, "a")

	claimed, err := s.Outbox().Claim(ctx, op.ID)
	if err != nil || !claimed {
		t.Fatalf("Claim = %v, %v; want true", claimed, err)
	}
	if claimed, _ := s.Outbox().Claim(ctx, op.ID); claimed {
		t.Error("a processing row must not be claimed twice")
	}
	if head, _ := s.Outbox().GetOldestPending(ctx, *u1); head != nil {
		t.Error("processing row should not be returned as pending")
	}

	n, failed, err := s.Outbox().ReclaimProcessing(ctx, *u1, 8)
	if err != nil {
		t.Fatalf("ReclaimProcessing error: %v", err)
	}
	if n != 1 || failed != 0 {
		t.Errorf("ReclaimProcessing = %d, %d; want 1, 0", n, failed)
	}

	next := clock.Now().Add(30 * time.Second)
	if err := s.Outbox().RecordFailedAttempt(ctx, op.ID, "server returned 503", next); err != nil {
		t.Fatalf("RecordFailedAttempt error: %v", err)
	}
	got, err := s.Outbox().Get(ctx, op.ID)
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if got.Attempts != 2 || got.Status != backend.OpPending || got.LastError != "server returned 503" {
		t.Errorf("after failed attempt = %+v", got)
	}
	if got.NextAttemptAt == nil || !got.NextAttemptAt.Equal(next) {
		t.Errorf("NextAttemptAt = %v, want %v", got.NextAttemptAt, next)
	}

	if err := s.Outbox().MarkFailed(ctx, op.ID, "rejected with 422"); err != nil {
		t.Fatalf("MarkFailed error: %v", err)
	}
	counts, err := s.Outbox().CountByStatus(ctx, *u1)
	if err != nil {
		t.Fatalf("CountByStatus error: %v", err)
	}
	if counts[backend.OpFailed] != 1 || counts[backend.OpPending] != 0 {
		t.Errorf("CountByStatus = %v", counts)
	}

	retried, err := s.Outbox().RetryFailed(ctx, *u1)
	if err != nil || retried != 1 {
		t.Fatalf("RetryFailed = %d, %v; want 1, nil", retried, err)
	}
	got, _ = s.Outbox().Get(ctx, op.ID)
	if got.Status != backend.OpPending || got.Attempts != 0 || got.NextAttemptAt != nil {
		t.Errorf("after retry = %+v", got)
	}
}

// TestOutboxMissingRow verifies status changes on an unknown id report ErrNotFound.
func TestOutboxMissingRow(t *testing.T) {
	s, _, ctx := mustNewStore(t)

	if err := s.Outbox().MarkFailed(ctx, 42, "x"); !backend.IsNotFound(err) {
		t.Errorf("MarkFailed error = %v, want ErrNotFound", err)
	}
	if err := s.Outbox().Delete(ctx, 42); !backend.IsNotFound(err) {
		t.Errorf("Delete error = %v, want ErrNotFound", err)
	}
}

// TestOutboxClear verifies Clear honors the status filter.
func TestOutboxClear(t *testing.T) {
	s, _, ctx := mustNewStore(t)
	u1 := mustCreateUser(t, s, ctx, "u1")
	a := mustEnqueueSpace(t, s, *u1, "a")
	mustEnqueueSpace(t, s, *u1, "b")
	if err := s.Outbox().MarkFailed(ctx, a.ID, "x"); err != nil {
		t.Fatalf("MarkFailed error: %v", err)
	}

	n, err := s.Outbox().Clear(ctx, *u1, backend.OpFailed)
	if err != nil || n != 1 {
		t.Fatalf("Clear(failed) = %d, %v; want 1, nil", n, err)
	}
	rest, _ := s.Outbox().List(ctx, *u1, "")
	if len(rest) != 1 || rest[0].EntityID != "b" {
		t.Errorf("remaining rows = %+v", rest)
	}
}

// TestHasAnonymousData verifies detection across entity tables.
func TestHasAnonymousData(t *testing.T) {
	s, _, ctx := mustNewStore(t)
	u1 := mustCreateUser(t, s, ctx, "u1")

	has, err := s.Outbox().HasAnonymousData(ctx)
	if err != nil {
		t.Fatalf("HasAnonymousData error: %v", err)
	}
	if has {
		t.Error("empty store reports anonymous data")
	}

	mustCreateSpace(t, s, ctx, u1, "Owned")
	if has, _ := s.Outbox().HasAnonymousData(ctx); has {
		t.Error("owned space reported as anonymous data")
	}

	mustCreateSpace(t, s, ctx, nil, "Loose")
	if has, _ := s.Outbox().HasAnonymousData(ctx); !has {
		t.Error("anonymous space not detected")
	}
}

// TestReclaimProcessingHonorsMaxAttempts verifies a row interrupted on its
// last attempt is parked as failed.
func TestReclaimProcessingHonorsMaxAttempts(t *testing.T) {
	s, clock, ctx := mustNewStore(t)
	u1 := mustCreateUser(t, s, ctx, "u1")
	worn := mustEnqueueSpace(t, s, *u1, "worn")
	fresh := mustEnqueueSpace(t, s, *u1, "fresh")

	for i := 0; i < 2; i++ {
		if err := s.Outbox().RecordFailedAttempt(ctx, worn.ID, "server returned 503", clock.Now()); err != nil {
			t.Fatalf("RecordFailedAttempt error: %v", err)
		}
	}
	for _, id := range []int64{worn.ID, fresh.ID} {
		if _, err := s.Outbox().Claim(ctx, id); err != nil {
			t.Fatalf("Claim error: %v", err)
		}
	}

	n, failed, err := s.Outbox().ReclaimProcessing(ctx, *u1, 3)
	if err != nil {
		t.Fatalf("ReclaimProcessing error: %v", err)
	}
	if n != 1 || failed != 1 {
		t.Errorf("ReclaimProcessing = %d, %d; want 1, 1", n, failed)
	}

	got, err := s.Outbox().Get(ctx, worn.ID)
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if got.Status != backend.OpFailed || got.Attempts != 3 || got.LastError != ErrInterrupted {
		t.Errorf("worn row = %+v", got)
	}
	if got, _ := s.Outbox().Get(ctx, fresh.ID); got.Status != backend.OpPending || got.Attempts != 1 {
		t.Errorf("fresh row = %+v", got)
	}
}

// TestSyncLeaseExcludesOtherHolders verifies one holder per owner until expiry.
func TestSyncLeaseExcludesOtherHolders(t *testing.T) {
	s, clock, ctx := mustNewStore(t)
	leases := s.Leases()

	ok, err := leases.Acquire(ctx, "u1", "daemon", time.Minute)
	if err != nil || !ok {
		t.Fatalf("Acquire(daemon) = %v, %v; want true", ok, err)
	}
	if ok, _ := leases.Acquire(ctx, "u1", "cli", time.Minute); ok {
		t.Error("second holder acquired a live lease")
	}
	if ok, _ := leases.Acquire(ctx, "u2", "cli", time.Minute); !ok {
		t.Error("leases must be per owner")
	}
	if ok, _ := leases.Acquire(ctx, "u1", "daemon", time.Minute); !ok {
		t.Error("holder could not extend its own lease")
	}

	clock.Advance(2 * time.Minute)
	if holder, _ := leases.Holder(ctx, "u1"); holder != "" {
		t.Errorf("expired lease still held by %q", holder)
	}
	if ok, _ := leases.Acquire(ctx, "u1", "cli", time.Minute); !ok {
		t.Error("expired lease was not taken over")
	}

	if err := leases.Release(ctx, "u1", "daemon"); err != nil {
		t.Fatalf("Release error: %v", err)
	}
	if holder, _ := leases.Holder(ctx, "u1"); holder != "cli" {
		t.Errorf("stale holder released someone else's lease, holder = %q", holder)
	}
	if err := leases.Release(ctx, "u1", "cli"); err != nil {
		t.Fatalf("Release error: %v", err)
	}
	if ok, _ := leases.Acquire(ctx, "u1", "daemon", time.Minute); !ok {
		t.Error("released lease could not be acquired")
	}
}
