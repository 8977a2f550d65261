package sqlite

import (
	"context"
	"database/sql"
	"time"

	"habitkeep/backend"
)

const outboxColumns = `id, owner_id, op, entity, entity_id, payload, status, attempts, last_error,
	next_attempt_at, created_at`

// OutboxRepository is the durable queue of remote-bound mutations
type OutboxRepository struct {
	q   querier
	now func() time.Time
}

func scanOperationFrom(s scanner) (*backend.PendingOperation, error) {
	var op backend.PendingOperation
	var payload, createdStr string
	var nextAttempt sql.NullString

	err := s.Scan(
		&op.ID, &op.OwnerID, &op.Op, &op.Entity, &op.EntityID, &payload, &op.Status, &op.Attempts,
		&op.LastError, &nextAttempt, &createdStr,
	)
	if err != nil {
		return nil, err
	}
	op.Payload = []byte(payload)
	if nextAttempt.Valid {
		t := parseTime(nextAttempt.String)
		op.NextAttemptAt = &t
	}
	op.Created = parseTime(createdStr)
	return &op, nil
}

// Enqueue inserts op as a pending row and returns it with its assigned id.
// Rows built outside NewPendingOperation are rejected.
func (r *OutboxRepository) Enqueue(ctx context.Context, op *backend.PendingOperation) (*backend.PendingOperation, error) {
	if op == nil || op.OwnerID == "" || !op.Op.Valid() || !op.Entity.Valid() || op.EntityID == "" || len(op.Payload) == 0 {
		return nil, backend.WrapRepo("enqueue operation", backend.ErrInvalidPayload)
	}

	row := *op
	row.Status = backend.OpPending
	row.Attempts = 0
	row.LastError = ""
	row.NextAttemptAt = nil
	row.Created = r.now()

	res, err := r.q.ExecContext(ctx,
		`INSERT INTO pending_operations (owner_id, op, entity, entity_id, payload, status, attempts, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, 0, ?)`,
		row.OwnerID, row.Op, row.Entity, row.EntityID, string(row.Payload), row.Status, formatTime(row.Created),
	)
	if err != nil {
		return nil, backend.WrapRepo("enqueue operation", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, backend.WrapRepo("enqueue operation", err)
	}
	row.ID = id
	return &row, nil
}

// Get returns one outbox row.
func (r *OutboxRepository) Get(ctx context.Context, id int64) (*backend.PendingOperation, error) {
	row := r.q.QueryRowContext(ctx,
		`SELECT `+outboxColumns+` FROM pending_operations WHERE id = ?`, id)
	op, err := scanOperationFrom(row)
	if err != nil {
		return nil, backend.WrapRepo("get operation", notFoundIfNoRows(err))
	}
	return op, nil
}

// GetOldestPending returns the lowest-id pending row of owner, or nil when the
// queue is empty.
func (r *OutboxRepository) GetOldestPending(ctx context.Context, owner string) (*backend.PendingOperation, error) {
	row := r.q.QueryRowContext(ctx,
		`SELECT `+outboxColumns+` FROM pending_operations
		 WHERE owner_id = ? AND status = ? ORDER BY id ASC LIMIT 1`,
		owner, backend.OpPending,
	)
	op, err := scanOperationFrom(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, backend.WrapRepo("get oldest pending", err)
	}
	return op, nil
}

// UpdateStatus moves a row to status.
func (r *OutboxRepository) UpdateStatus(ctx context.Context, id int64, status backend.OpStatus) error {
	res, err := r.q.ExecContext(ctx,
		`UPDATE pending_operations SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return backend.WrapRepo("update operation status", err)
	}
	return backend.WrapRepo("update operation status", requireAffected(res))
}

// MarkFailed parks a row as failed. Failed rows are never picked up again
// until RetryFailed.
func (r *OutboxRepository) MarkFailed(ctx context.Context, id int64, reason string) error {
	res, err := r.q.ExecContext(ctx,
		`UPDATE pending_operations SET status = ?, last_error = ?, next_attempt_at = NULL WHERE id = ?`,
		backend.OpFailed, reason, id,
	)
	if err != nil {
		return backend.WrapRepo("mark operation failed", err)
	}
	return backend.WrapRepo("mark operation failed", requireAffected(res))
}

// RecordFailedAttempt counts a transient failure and returns the row to
// pending, not eligible before nextAttemptAt.
func (r *OutboxRepository) RecordFailedAttempt(ctx context.Context, id int64, reason string, nextAttemptAt time.Time) error {
	res, err := r.q.ExecContext(ctx,
		`UPDATE pending_operations
		 SET status = ?, attempts = attempts + 1, last_error = ?, next_attempt_at = ?
		 WHERE id = ?`,
		backend.OpPending, reason, formatTime(nextAttemptAt), id,
	)
	if err != nil {
		return backend.WrapRepo("record failed attempt", err)
	}
	return backend.WrapRepo("record failed attempt", requireAffected(res))
}

// Delete removes a row once the remote has acknowledged it.
func (r *OutboxRepository) Delete(ctx context.Context, id int64) error {
	res, err := r.q.ExecContext(ctx, `DELETE FROM pending_operations WHERE id = ?`, id)
	if err != nil {
		return backend.WrapRepo("delete operation", err)
	}
	return backend.WrapRepo("delete operation", requireAffected(res))
}

// Claim moves a pending row to processing. It reports false when the row is
// no longer pending, which means another cycle already took it.
func (r *OutboxRepository) Claim(ctx context.Context, id int64) (bool, error) {
	res, err := r.q.ExecContext(ctx,
		`UPDATE pending_operations SET status = ? WHERE id = ? AND status = ?`,
		backend.OpProcessing, id, backend.OpPending,
	)
	if err != nil {
		return false, backend.WrapRepo("claim operation", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, backend.WrapRepo("claim operation", err)
	}
	return n > 0, nil
}

// ErrInterrupted is the last_error of a row that ran out of attempts while
// being reclaimed.
const ErrInterrupted = "interrupted too many times"

// ReclaimProcessing returns rows left in processing by an interrupted cycle to
// pending, counting the lost call as an attempt. Rows reaching maxAttempts are
// marked failed instead; maxAttempts <= 0 disables the cap. Callers must hold
// owner's sync lease.
func (r *OutboxRepository) ReclaimProcessing(ctx context.Context, owner string, maxAttempts int) (reclaimed, failed int, err error) {
	if maxAttempts > 0 {
		res, err := r.q.ExecContext(ctx,
			`UPDATE pending_operations
			 SET status = ?, attempts = attempts + 1, last_error = ?, next_attempt_at = NULL
			 WHERE owner_id = ? AND status = ? AND attempts + 1 >= ?`,
			backend.OpFailed, ErrInterrupted, owner, backend.OpProcessing, maxAttempts,
		)
		if err != nil {
			return 0, 0, backend.WrapRepo("reclaim processing", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, 0, backend.WrapRepo("reclaim processing", err)
		}
		failed = int(n)
	}

	res, err := r.q.ExecContext(ctx,
		`UPDATE pending_operations SET status = ?, attempts = attempts + 1
		 WHERE owner_id = ? AND status = ?`,
		backend.OpPending, owner, backend.OpProcessing,
	)
	if err != nil {
		return 0, failed, backend.WrapRepo("reclaim processing", err)
	}
	n, err := res.RowsAffected()
	return int(n), failed, backend.WrapRepo("reclaim processing", err)
}

// List returns owner's rows in queue order. An empty status lists every row.
func (r *OutboxRepository) List(ctx context.Context, owner string, status backend.OpStatus) ([]backend.PendingOperation, error) {
	query := `SELECT ` + outboxColumns + ` FROM pending_operations WHERE owner_id = ?`
	args := []any{owner}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY id ASC`

	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, backend.WrapRepo("list operations", err)
	}
	defer func() { _ = rows.Close() }()

	ops := []backend.PendingOperation{}
	for rows.Next() {
		op, err := scanOperationFrom(rows)
		if err != nil {
			return nil, backend.WrapRepo("list operations", err)
		}
		ops = append(ops, *op)
	}
	return ops, backend.WrapRepo("list operations", rows.Err())
}

// CountByStatus returns owner's queue depth per status.
func (r *OutboxRepository) CountByStatus(ctx context.Context, owner string) (map[backend.OpStatus]int, error) {
	rows, err := r.q.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM pending_operations WHERE owner_id = ? GROUP BY status`, owner)
	if err != nil {
		return nil, backend.WrapRepo("count operations", err)
	}
	defer func() { _ = rows.Close() }()

	counts := map[backend.OpStatus]int{}
	for rows.Next() {
		var status backend.OpStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, backend.WrapRepo("count operations", err)
		}
		counts[status] = n
	}
	return counts, backend.WrapRepo("count operations", rows.Err())
}

// Clear drops owner's rows with status, or every row when status is empty.
func (r *OutboxRepository) Clear(ctx context.Context, owner string, status backend.OpStatus) (int, error) {
	query := `DELETE FROM pending_operations WHERE owner_id = ?`
	args := []any{owner}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}
	res, err := r.q.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, backend.WrapRepo("clear operations", err)
	}
	n, err := res.RowsAffected()
	return int(n), backend.WrapRepo("clear operations", err)
}

// RetryFailed puts owner's failed rows back in the queue with a fresh attempt budget.
func (r *OutboxRepository) RetryFailed(ctx context.Context, owner string) (int, error) {
	res, err := r.q.ExecContext(ctx,
		`UPDATE pending_operations SET status = ?, attempts = 0, last_error = '', next_attempt_at = NULL
		 WHERE owner_id = ? AND status = ?`,
		backend.OpPending, owner, backend.OpFailed,
	)
	if err != nil {
		return 0, backend.WrapRepo("retry failed operations", err)
	}
	n, err := res.RowsAffected()
	return int(n), backend.WrapRepo("retry failed operations", err)
}

// HasAnonymousData reports whether any entity or tag row has no owner.
func (r *OutboxRepository) HasAnonymousData(ctx context.Context) (bool, error) {
	var exists bool
	err := r.q.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM tasks WHERE owner_id IS NULL)
		     OR EXISTS (SELECT 1 FROM spaces WHERE owner_id IS NULL)
		     OR EXISTS (SELECT 1 FROM repetitive_task_templates WHERE owner_id IS NULL)
		     OR EXISTS (SELECT 1 FROM tags WHERE owner_id IS NULL)`,
	).Scan(&exists)
	return exists, backend.WrapRepo("check anonymous data", err)
}
