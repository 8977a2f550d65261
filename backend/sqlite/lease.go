package sqlite

import (
	"context"
	"time"

	"habitkeep/backend"
)

// LeaseRepository hands out the per-owner sync lease. Every process opening
// the database competes for the same row, so only one of them drains an
// owner's outbox at a time.
type LeaseRepository struct {
	q   querier
	now func() time.Time
}

// Acquire takes or extends owner's lease for holder until now+ttl. It reports
// false while a different holder's lease has not expired.
func (r *LeaseRepository) Acquire(ctx context.Context, owner, holder string, ttl time.Duration) (bool, error) {
	now := r.now()
	res, err := r.q.ExecContext(ctx,
		`INSERT INTO sync_leases (owner_id, holder, expires_at) VALUES (?, ?, ?)
		 ON CONFLICT(owner_id) DO UPDATE SET holder = excluded.holder, expires_at = excluded.expires_at
		 WHERE sync_leases.holder = excluded.holder OR sync_leases.expires_at <= ?`,
		owner, holder, formatTime(now.Add(ttl)), formatTime(now),
	)
	if err != nil {
		return false, backend.WrapRepo("acquire sync lease", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, backend.WrapRepo("acquire sync lease", err)
	}
	return n > 0, nil
}

// Release drops owner's lease if holder still owns it.
func (r *LeaseRepository) Release(ctx context.Context, owner, holder string) error {
	_, err := r.q.ExecContext(ctx,
		`DELETE FROM sync_leases WHERE owner_id = ? AND holder = ?`, owner, holder)
	return backend.WrapRepo("release sync lease", err)
}

// Holder returns the current holder of owner's lease, or "" when it is free
// or expired.
func (r *LeaseRepository) Holder(ctx context.Context, owner string) (string, error) {
	var holder string
	err := r.q.QueryRowContext(ctx,
		`SELECT holder FROM sync_leases WHERE owner_id = ? AND expires_at > ?`,
		owner, formatTime(r.now()),
	).Scan(&holder)
	if backend.IsNotFound(notFoundIfNoRows(err)) {
		return "", nil
	}
	if err != nil {
		return "", backend.WrapRepo("get sync lease", err)
	}
	return holder, nil
}
