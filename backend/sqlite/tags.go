package sqlite

import (
	"context"
	"time"

	"habitkeep/backend"
)

// TagRepository manages tags and the task/template join tables
type TagRepository struct {
	q   querier
	now func() time.Time
}

// GetOrCreate returns the owner's tag named name, creating it if missing.
func (r *TagRepository) GetOrCreate(ctx context.Context, owner *string, name string) (*backend.Tag, error) {
	where, args := ownerClause("owner_id", owner)
	var tag backend.Tag
	var createdStr string
	err := r.q.QueryRowContext(ctx,
		`SELECT id, name, created_at FROM tags WHERE LOWER(name) = LOWER(?) AND `+where,
		append([]any{name}, args...)...,
	).Scan(&tag.ID, &tag.Name, &createdStr)
	if err == nil {
		tag.OwnerID = owner
		tag.Created = parseTime(createdStr)
		return &tag, nil
	}
	if !backend.IsNotFound(notFoundIfNoRows(err)) {
		return nil, backend.WrapRepo("get tag", err)
	}

	tag = backend.Tag{ID: backend.GenerateID(), Name: name, OwnerID: owner, Created: r.now()}
	_, err = r.q.ExecContext(ctx,
		`INSERT INTO tags (id, name, owner_id, created_at) VALUES (?, ?, ?, ?)`,
		tag.ID, tag.Name, nullString(owner), formatTime(tag.Created),
	)
	if err != nil {
		return nil, backend.WrapRepo("create tag", err)
	}
	return &tag, nil
}

// MergeAnonymous folds every anonymous tag whose name owner already uses into
// owner's tag: links move over and the anonymous tag is dropped. It returns
// the number of tags merged.
func (r *TagRepository) MergeAnonymous(ctx context.Context, owner string) (int, error) {
	for _, join := range []struct{ table, column string }{
		{"task_tags", "task_id"},
		{"template_tags", "template_id"},
	} {
		_, err := r.q.ExecContext(ctx,
			`INSERT OR IGNORE INTO `+join.table+` (`+join.column+`, tag_id)
			 SELECT j.`+join.column+`, o.id FROM `+join.table+` j
			 JOIN tags a ON a.id = j.tag_id AND a.owner_id IS NULL
			 JOIN tags o ON o.owner_id = ? AND LOWER(o.name) = LOWER(a.name)`,
			owner,
		)
		if err != nil {
			return 0, backend.WrapRepo("merge anonymous tags", err)
		}
	}

	res, err := r.q.ExecContext(ctx,
		`DELETE FROM tags WHERE owner_id IS NULL AND EXISTS (
			SELECT 1 FROM tags o WHERE o.owner_id = ? AND LOWER(o.name) = LOWER(tags.name))`,
		owner,
	)
	if err != nil {
		return 0, backend.WrapRepo("merge anonymous tags", err)
	}
	n, err := res.RowsAffected()
	return int(n), backend.WrapRepo("merge anonymous tags", err)
}

// ReassignAnonymous gives every anonymous tag to owner. Run MergeAnonymous
// first so no name collides.
func (r *TagRepository) ReassignAnonymous(ctx context.Context, owner string) (int, error) {
	res, err := r.q.ExecContext(ctx, `UPDATE tags SET owner_id = ? WHERE owner_id IS NULL`, owner)
	if err != nil {
		return 0, backend.WrapRepo("reassign anonymous tags", err)
	}
	n, err := res.RowsAffected()
	return int(n), backend.WrapRepo("reassign anonymous tags", err)
}

// AttachToTask links tag to task. Attaching twice is a no-op.
func (r *TagRepository) AttachToTask(ctx context.Context, taskID, tagID string) error {
	_, err := r.q.ExecContext(ctx,
		`INSERT OR IGNORE INTO task_tags (task_id, tag_id) VALUES (?, ?)`, taskID, tagID)
	return backend.WrapRepo("attach tag", err)
}

// AttachToTemplate links tag to template. Attaching twice is a no-op.
func (r *TagRepository) AttachToTemplate(ctx context.Context, templateID, tagID string) error {
	_, err := r.q.ExecContext(ctx,
		`INSERT OR IGNORE INTO template_tags (template_id, tag_id) VALUES (?, ?)`, templateID, tagID)
	return backend.WrapRepo("attach template tag", err)
}

// TagsForTask returns the tag names attached to a task, sorted.
func (r *TagRepository) TagsForTask(ctx context.Context, taskID string) ([]string, error) {
	return r.names(ctx, "tags for task",
		`SELECT t.name FROM tags t JOIN task_tags tt ON tt.tag_id = t.id
		 WHERE tt.task_id = ? ORDER BY t.name COLLATE NOCASE`, taskID)
}

// TagsForTemplate returns the tag names attached to a template, sorted.
func (r *TagRepository) TagsForTemplate(ctx context.Context, templateID string) ([]string, error) {
	return r.names(ctx, "tags for template",
		`SELECT t.name FROM tags t JOIN template_tags tt ON tt.tag_id = t.id
		 WHERE tt.template_id = ? ORDER BY t.name COLLATE NOCASE`, templateID)
}

func (r *TagRepository) names(ctx context.Context, op, query string, args ...any) ([]string, error) {
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, backend.WrapRepo(op, err)
	}
	defer func() { _ = rows.Close() }()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, backend.WrapRepo(op, err)
		}
		names = append(names, name)
	}
	return names, backend.WrapRepo(op, rows.Err())
}
