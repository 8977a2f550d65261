package sqlite

import (
	"context"
	"time"

	"habitkeep/backend"
)

// UserRepository stores the local shadow of authenticated identities
type UserRepository struct {
	q   querier
	now func() time.Time
}

func scanUserFrom(s scanner) (*backend.User, error) {
	var u backend.User
	var createdStr, modifiedStr string
	if err := s.Scan(&u.ID, &u.Email, &u.Premium, &createdStr, &modifiedStr); err != nil {
		return nil, err
	}
	u.Created = parseTime(createdStr)
	u.Modified = parseTime(modifiedStr)
	return &u, nil
}

// Upsert inserts the user or refreshes email and premium flag.
func (r *UserRepository) Upsert(ctx context.Context, user *backend.User) (*backend.User, error) {
	now := formatTime(r.now())
	_, err := r.q.ExecContext(ctx,
		`INSERT INTO users (id, email, premium, created_at, modified_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET email = excluded.email, premium = excluded.premium, modified_at = excluded.modified_at`,
		user.ID, user.Email, user.Premium, now, now,
	)
	if err != nil {
		return nil, backend.WrapRepo("upsert user", err)
	}
	return r.GetByID(ctx, user.ID)
}

// GetByID returns a user.
func (r *UserRepository) GetByID(ctx context.Context, id string) (*backend.User, error) {
	row := r.q.QueryRowContext(ctx,
		`SELECT id, email, premium, created_at, modified_at FROM users WHERE id = ?`, id)
	u, err := scanUserFrom(row)
	if err != nil {
		return nil, backend.WrapRepo("get user", notFoundIfNoRows(err))
	}
	return u, nil
}

// Current returns the most recently signed-in user.
func (r *UserRepository) Current(ctx context.Context) (*backend.User, error) {
	row := r.q.QueryRowContext(ctx,
		`SELECT id, email, premium, created_at, modified_at FROM users ORDER BY modified_at DESC LIMIT 1`)
	u, err := scanUserFrom(row)
	if err != nil {
		return nil, backend.WrapRepo("current user", notFoundIfNoRows(err))
	}
	return u, nil
}
