package sqlite

import (
	"context"
	"database/sql"
	"time"

	"habitkeep/backend"
)

const spaceColumns = `id, name, owner_id, created_at, modified_at`

// SpaceRepository is typed CRUD over the spaces table
type SpaceRepository struct {
	q   querier
	now func() time.Time
}

func scanSpaceFrom(s scanner) (*backend.Space, error) {
	var sp backend.Space
	var ownerID sql.NullString
	var createdStr, modifiedStr string
	if err := s.Scan(&sp.ID, &sp.Name, &ownerID, &createdStr, &modifiedStr); err != nil {
		return nil, err
	}
	sp.OwnerID = stringPtr(ownerID)
	sp.Created = parseTime(createdStr)
	sp.Modified = parseTime(modifiedStr)
	return &sp, nil
}

// Create inserts a new space. Names are unique per owner, case-insensitively.
func (r *SpaceRepository) Create(ctx context.Context, space *backend.Space) (*backend.Space, error) {
	sp := *space
	if sp.ID == "" {
		sp.ID = backend.GenerateID()
	}
	now := r.now()
	sp.Created = now
	sp.Modified = now

	_, err := r.q.ExecContext(ctx,
		`INSERT INTO spaces (`+spaceColumns+`) VALUES (?, ?, ?, ?, ?)`,
		sp.ID, sp.Name, nullString(sp.OwnerID), formatTime(sp.Created), formatTime(sp.Modified),
	)
	if err != nil {
		return nil, backend.WrapRepo("create space", err)
	}
	return &sp, nil
}

// GetByID returns the space with id inside the owner scope.
func (r *SpaceRepository) GetByID(ctx context.Context, owner *string, id string) (*backend.Space, error) {
	where, args := ownerClause("owner_id", owner)
	row := r.q.QueryRowContext(ctx,
		`SELECT `+spaceColumns+` FROM spaces WHERE id = ? AND `+where,
		append([]any{id}, args...)...,
	)
	sp, err := scanSpaceFrom(row)
	if err != nil {
		return nil, backend.WrapRepo("get space", notFoundIfNoRows(err))
	}
	return sp, nil
}

// GetByName returns the space named name (case-insensitive) inside the owner scope.
func (r *SpaceRepository) GetByName(ctx context.Context, owner *string, name string) (*backend.Space, error) {
	where, args := ownerClause("owner_id", owner)
	row := r.q.QueryRowContext(ctx,
		`SELECT `+spaceColumns+` FROM spaces WHERE LOWER(name) = LOWER(?) AND `+where,
		append([]any{name}, args...)...,
	)
	sp, err := scanSpaceFrom(row)
	if err != nil {
		return nil, backend.WrapRepo("get space by name", notFoundIfNoRows(err))
	}
	return sp, nil
}

// List returns spaces in the owner scope, newest first.
func (r *SpaceRepository) List(ctx context.Context, owner *string) ([]backend.Space, error) {
	where, args := ownerClause("owner_id", owner)
	rows, err := r.q.QueryContext(ctx,
		`SELECT `+spaceColumns+` FROM spaces WHERE `+where+` ORDER BY created_at DESC, id DESC`, args...)
	if err != nil {
		return nil, backend.WrapRepo("list spaces", err)
	}
	defer func() { _ = rows.Close() }()

	spaces := []backend.Space{}
	for rows.Next() {
		sp, err := scanSpaceFrom(rows)
		if err != nil {
			return nil, backend.WrapRepo("list spaces", err)
		}
		spaces = append(spaces, *sp)
	}
	return spaces, backend.WrapRepo("list spaces", rows.Err())
}

// Update renames a space and stamps modified_at.
func (r *SpaceRepository) Update(ctx context.Context, space *backend.Space) (*backend.Space, error) {
	where, args := ownerClause("owner_id", space.OwnerID)
	res, err := r.q.ExecContext(ctx,
		`UPDATE spaces SET name = ?, modified_at = ? WHERE id = ? AND `+where,
		append([]any{space.Name, formatTime(r.now()), space.ID}, args...)...,
	)
	if err != nil {
		return nil, backend.WrapRepo("update space", err)
	}
	if err := requireAffected(res); err != nil {
		return nil, backend.WrapRepo("update space", err)
	}
	return r.GetByID(ctx, space.OwnerID, space.ID)
}

// Delete removes a space. Tasks and templates referencing it keep existing
// with a null space.
func (r *SpaceRepository) Delete(ctx context.Context, owner *string, id string) error {
	where, args := ownerClause("owner_id", owner)
	res, err := r.q.ExecContext(ctx,
		`DELETE FROM spaces WHERE id = ? AND `+where, append([]any{id}, args...)...)
	if err != nil {
		return backend.WrapRepo("delete space", err)
	}
	return backend.WrapRepo("delete space", requireAffected(res))
}

// Count returns the number of spaces in the owner scope.
func (r *SpaceRepository) Count(ctx context.Context, owner *string) (int, error) {
	where, args := ownerClause("owner_id", owner)
	var n int
	err := r.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM spaces WHERE `+where, args...).Scan(&n)
	return n, backend.WrapRepo("count spaces", err)
}

// UpsertMany merges incoming spaces with last-writer-wins on modified_at.
func (r *SpaceRepository) UpsertMany(ctx context.Context, spaces []backend.Space) (int, error) {
	written := 0
	for _, sp := range spaces {
		res, err := r.q.ExecContext(ctx,
			`INSERT INTO spaces (`+spaceColumns+`) VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT(id) DO UPDATE SET
				name = excluded.name,
				owner_id = excluded.owner_id,
				modified_at = excluded.modified_at
			 WHERE excluded.modified_at >= spaces.modified_at`,
			sp.ID, sp.Name, nullString(sp.OwnerID), formatTime(sp.Created), formatTime(sp.Modified),
		)
		if err != nil {
			return written, backend.WrapRepo("upsert spaces", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return written, backend.WrapRepo("upsert spaces", err)
		}
		written += int(n)
	}
	return written, nil
}

// SpaceCollision pairs an anonymous space with the owned space of the same name.
type SpaceCollision struct {
	AnonymousID string
	OwnedID     string
}

// AnonymousCollisions lists anonymous spaces whose name already exists for owner.
func (r *SpaceRepository) AnonymousCollisions(ctx context.Context, owner string) ([]SpaceCollision, error) {
	rows, err := r.q.QueryContext(ctx,
		`SELECT a.id, o.id FROM spaces a
		 JOIN spaces o ON LOWER(a.name) = LOWER(o.name) AND o.owner_id = ?
		 WHERE a.owner_id IS NULL`,
		owner,
	)
	if err != nil {
		return nil, backend.WrapRepo("find space collisions", err)
	}
	defer func() { _ = rows.Close() }()

	var collisions []SpaceCollision
	for rows.Next() {
		var c SpaceCollision
		if err := rows.Scan(&c.AnonymousID, &c.OwnedID); err != nil {
			return nil, backend.WrapRepo("find space collisions", err)
		}
		collisions = append(collisions, c)
	}
	return collisions, backend.WrapRepo("find space collisions", rows.Err())
}

// ReassignAnonymous gives every anonymous space to owner.
func (r *SpaceRepository) ReassignAnonymous(ctx context.Context, owner string) (int, error) {
	res, err := r.q.ExecContext(ctx,
		`UPDATE spaces SET owner_id = ?, modified_at = ? WHERE owner_id IS NULL`,
		owner, formatTime(r.now()),
	)
	if err != nil {
		return 0, backend.WrapRepo("reassign anonymous spaces", err)
	}
	n, err := res.RowsAffected()
	return int(n), backend.WrapRepo("reassign anonymous spaces", err)
}

// CountAnonymous returns the number of spaces with no owner.
func (r *SpaceRepository) CountAnonymous(ctx context.Context) (int, error) {
	return r.Count(ctx, nil)
}

// ListAllForOwner returns every space of owner, oldest first.
func (r *SpaceRepository) ListAllForOwner(ctx context.Context, owner string) ([]backend.Space, error) {
	spaces, err := r.List(ctx, &owner)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(spaces)-1; i < j; i, j = i+1, j-1 {
		spaces[i], spaces[j] = spaces[j], spaces[i]
	}
	return spaces, nil
}
