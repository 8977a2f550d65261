package sqlite

import (
	"context"
	"database/sql"
	"strconv"
	"time"

	"habitkeep/backend"
)

// Setting keys holding the sync watermarks.
const (
	KeyLastChangeID = "sync.last_change_id"
	KeyLastSyncAt   = "sync.last_sync_at"
)

// SettingsRepository is an owner-scoped key/value store
type SettingsRepository struct {
	q   querier
	now func() time.Time
}

// Get returns the value for key and whether it was set.
func (r *SettingsRepository) Get(ctx context.Context, owner *string, key string) (string, bool, error) {
	var value string
	err := r.q.QueryRowContext(ctx,
		`SELECT value FROM settings WHERE owner_key = ? AND key = ?`, backend.OwnerString(owner), key,
	).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, backend.WrapRepo("get setting", err)
	}
	return value, true, nil
}

// Set stores value under key.
func (r *SettingsRepository) Set(ctx context.Context, owner *string, key, value string) error {
	_, err := r.q.ExecContext(ctx,
		`INSERT INTO settings (owner_key, key, value, modified_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(owner_key, key) DO UPDATE SET value = excluded.value, modified_at = excluded.modified_at`,
		backend.OwnerString(owner), key, value, formatTime(r.now()),
	)
	return backend.WrapRepo("set setting", err)
}

// Delete removes key.
func (r *SettingsRepository) Delete(ctx context.Context, owner *string, key string) error {
	_, err := r.q.ExecContext(ctx,
		`DELETE FROM settings WHERE owner_key = ? AND key = ?`, backend.OwnerString(owner), key)
	return backend.WrapRepo("delete setting", err)
}

// LastChangeID returns the last processed remote change id, 0 if none.
func (r *SettingsRepository) LastChangeID(ctx context.Context, owner *string) (int64, error) {
	v, ok, err := r.Get(ctx, owner, KeyLastChangeID)
	if err != nil || !ok {
		return 0, err
	}
	id, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, backend.WrapRepo("parse last change id", err)
	}
	return id, nil
}

// SetLastChangeID stores the last processed remote change id.
func (r *SettingsRepository) SetLastChangeID(ctx context.Context, owner *string, id int64) error {
	return r.Set(ctx, owner, KeyLastChangeID, strconv.FormatInt(id, 10))
}

// LastSyncAt returns when a sync cycle last drained successfully.
func (r *SettingsRepository) LastSyncAt(ctx context.Context, owner *string) (*time.Time, error) {
	v, ok, err := r.Get(ctx, owner, KeyLastSyncAt)
	if err != nil || !ok {
		return nil, err
	}
	t, err := backend.ParseTimestamp(v)
	if err != nil {
		return nil, backend.WrapRepo("parse last sync time", err)
	}
	return &t, nil
}

// SetLastSyncAt records a successful sync time.
func (r *SettingsRepository) SetLastSyncAt(ctx context.Context, owner *string, t time.Time) error {
	return r.Set(ctx, owner, KeyLastSyncAt, formatTime(t))
}
