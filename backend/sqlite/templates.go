package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"habitkeep/backend"
)

const templateColumns = `id, title, description, schedule, weekdays, time_of_day, scored, active,
	last_generated_date, space_id, owner_id, created_at, modified_at`

// TemplateRepository is typed CRUD over repetitive_task_templates
type TemplateRepository struct {
	q   querier
	now func() time.Time
}

func encodeWeekdays(days []time.Weekday) string {
	ints := make([]int, 0, len(days))
	for _, d := range days {
		ints = append(ints, int(d))
	}
	data, _ := json.Marshal(ints)
	return string(data)
}

func decodeWeekdays(s string) []time.Weekday {
	var ints []int
	if err := json.Unmarshal([]byte(s), &ints); err != nil {
		return nil
	}
	days := make([]time.Weekday, 0, len(ints))
	for _, i := range ints {
		days = append(days, time.Weekday(i))
	}
	return days
}

func scanTemplateFrom(s scanner) (*backend.RepetitiveTaskTemplate, error) {
	var t backend.RepetitiveTaskTemplate
	var weekdays, createdStr, modifiedStr string
	var lastGenerated, spaceID, ownerID sql.NullString

	err := s.Scan(
		&t.ID, &t.Title, &t.Description, &t.Schedule, &weekdays, &t.TimeOfDay, &t.Scored, &t.Active,
		&lastGenerated, &spaceID, &ownerID, &createdStr, &modifiedStr,
	)
	if err != nil {
		return nil, err
	}

	t.Weekdays = decodeWeekdays(weekdays)
	t.LastGeneratedDate = parseOptionalDate(lastGenerated)
	t.SpaceID = stringPtr(spaceID)
	t.OwnerID = stringPtr(ownerID)
	t.Created = parseTime(createdStr)
	t.Modified = parseTime(modifiedStr)
	return &t, nil
}

func (r *TemplateRepository) queryTemplates(ctx context.Context, op, query string, args ...any) ([]backend.RepetitiveTaskTemplate, error) {
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, backend.WrapRepo(op, err)
	}
	defer func() { _ = rows.Close() }()

	templates := []backend.RepetitiveTaskTemplate{}
	for rows.Next() {
		t, err := scanTemplateFrom(rows)
		if err != nil {
			return nil, backend.WrapRepo(op, err)
		}
		templates = append(templates, *t)
	}
	return templates, backend.WrapRepo(op, rows.Err())
}

// Create inserts a new active template.
func (r *TemplateRepository) Create(ctx context.Context, tmpl *backend.RepetitiveTaskTemplate) (*backend.RepetitiveTaskTemplate, error) {
	t := *tmpl
	if t.ID == "" {
		t.ID = backend.GenerateID()
	}
	t.Active = true
	now := r.now()
	t.Created = now
	t.Modified = now

	_, err := r.q.ExecContext(ctx,
		`INSERT INTO repetitive_task_templates (`+templateColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Title, t.Description, t.Schedule, encodeWeekdays(t.Weekdays), t.TimeOfDay, t.Scored, t.Active,
		dateToNullString(t.LastGeneratedDate), nullString(t.SpaceID), nullString(t.OwnerID),
		formatTime(t.Created), formatTime(t.Modified),
	)
	if err != nil {
		return nil, backend.WrapRepo("create template", err)
	}
	return &t, nil
}

// GetByID returns the template with id inside the owner scope.
func (r *TemplateRepository) GetByID(ctx context.Context, owner *string, id string) (*backend.RepetitiveTaskTemplate, error) {
	where, args := ownerClause("owner_id", owner)
	row := r.q.QueryRowContext(ctx,
		`SELECT `+templateColumns+` FROM repetitive_task_templates WHERE id = ? AND `+where,
		append([]any{id}, args...)...,
	)
	t, err := scanTemplateFrom(row)
	if err != nil {
		return nil, backend.WrapRepo("get template", notFoundIfNoRows(err))
	}
	return t, nil
}

// List returns templates in the owner scope, newest first.
func (r *TemplateRepository) List(ctx context.Context, owner *string, activeOnly bool) ([]backend.RepetitiveTaskTemplate, error) {
	where, args := ownerClause("owner_id", owner)
	if activeOnly {
		where += " AND active = 1"
	}
	return r.queryTemplates(ctx, "list templates",
		`SELECT `+templateColumns+` FROM repetitive_task_templates WHERE `+where+
			` ORDER BY created_at DESC, id DESC`,
		args...)
}

// Update writes every mutable field of tmpl and stamps modified_at.
func (r *TemplateRepository) Update(ctx context.Context, tmpl *backend.RepetitiveTaskTemplate) (*backend.RepetitiveTaskTemplate, error) {
	where, args := ownerClause("owner_id", tmpl.OwnerID)
	res, err := r.q.ExecContext(ctx,
		`UPDATE repetitive_task_templates
		 SET title = ?, description = ?, schedule = ?, weekdays = ?, time_of_day = ?, scored = ?, active = ?,
		     last_generated_date = ?, space_id = ?, modified_at = ?
		 WHERE id = ? AND `+where,
		append([]any{
			tmpl.Title, tmpl.Description, tmpl.Schedule, encodeWeekdays(tmpl.Weekdays), tmpl.TimeOfDay,
			tmpl.Scored, tmpl.Active, dateToNullString(tmpl.LastGeneratedDate), nullString(tmpl.SpaceID),
			formatTime(r.now()), tmpl.ID,
		}, args...)...,
	)
	if err != nil {
		return nil, backend.WrapRepo("update template", err)
	}
	if err := requireAffected(res); err != nil {
		return nil, backend.WrapRepo("update template", err)
	}
	return r.GetByID(ctx, tmpl.OwnerID, tmpl.ID)
}

// SetActive flips the template's active flag. Stopped templates generate nothing.
func (r *TemplateRepository) SetActive(ctx context.Context, owner *string, id string, active bool) (*backend.RepetitiveTaskTemplate, error) {
	where, args := ownerClause("owner_id", owner)
	res, err := r.q.ExecContext(ctx,
		`UPDATE repetitive_task_templates SET active = ?, modified_at = ? WHERE id = ? AND `+where,
		append([]any{active, formatTime(r.now()), id}, args...)...,
	)
	if err != nil {
		return nil, backend.WrapRepo("set template active", err)
	}
	if err := requireAffected(res); err != nil {
		return nil, backend.WrapRepo("set template active", err)
	}
	return r.GetByID(ctx, owner, id)
}

// SetLastGeneratedDate advances the generation watermark. It does not touch
// modified_at: the watermark is local bookkeeping.
func (r *TemplateRepository) SetLastGeneratedDate(ctx context.Context, id string, day time.Time) error {
	res, err := r.q.ExecContext(ctx,
		`UPDATE repetitive_task_templates SET last_generated_date = ? WHERE id = ?`,
		day.Format(backend.DateLayout), id,
	)
	if err != nil {
		return backend.WrapRepo("set template watermark", err)
	}
	return backend.WrapRepo("set template watermark", requireAffected(res))
}

// Count returns the number of templates in the owner scope.
func (r *TemplateRepository) Count(ctx context.Context, owner *string, activeOnly bool) (int, error) {
	where, args := ownerClause("owner_id", owner)
	if activeOnly {
		where += " AND active = 1"
	}
	var n int
	err := r.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM repetitive_task_templates WHERE `+where, args...).Scan(&n)
	return n, backend.WrapRepo("count templates", err)
}

// UpsertMany merges incoming templates with last-writer-wins on modified_at.
func (r *TemplateRepository) UpsertMany(ctx context.Context, templates []backend.RepetitiveTaskTemplate) (int, error) {
	written := 0
	for _, t := range templates {
		res, err := r.q.ExecContext(ctx,
			`INSERT INTO repetitive_task_templates (`+templateColumns+`)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(id) DO UPDATE SET
				title = excluded.title,
				description = excluded.description,
				schedule = excluded.schedule,
				weekdays = excluded.weekdays,
				time_of_day = excluded.time_of_day,
				scored = excluded.scored,
				active = excluded.active,
				last_generated_date = NULLIF(MAX(COALESCE(repetitive_task_templates.last_generated_date, ''),
				                                 COALESCE(excluded.last_generated_date, '')), ''),
				space_id = excluded.space_id,
				owner_id = excluded.owner_id,
				modified_at = excluded.modified_at
			 WHERE excluded.modified_at >= repetitive_task_templates.modified_at`,
			t.ID, t.Title, t.Description, t.Schedule, encodeWeekdays(t.Weekdays), t.TimeOfDay, t.Scored, t.Active,
			dateToNullString(t.LastGeneratedDate), nullString(t.SpaceID), nullString(t.OwnerID),
			formatTime(t.Created), formatTime(t.Modified),
		)
		if err != nil {
			return written, backend.WrapRepo("upsert templates", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return written, backend.WrapRepo("upsert templates", err)
		}
		written += int(n)
	}
	return written, nil
}

// ReassignAnonymous gives every anonymous template to owner.
func (r *TemplateRepository) ReassignAnonymous(ctx context.Context, owner string) (int, error) {
	res, err := r.q.ExecContext(ctx,
		`UPDATE repetitive_task_templates SET owner_id = ?, modified_at = ? WHERE owner_id IS NULL`,
		owner, formatTime(r.now()),
	)
	if err != nil {
		return 0, backend.WrapRepo("reassign anonymous templates", err)
	}
	n, err := res.RowsAffected()
	return int(n), backend.WrapRepo("reassign anonymous templates", err)
}

// RepointSpace moves every template from one space to another.
func (r *TemplateRepository) RepointSpace(ctx context.Context, fromSpaceID, toSpaceID string) error {
	_, err := r.q.ExecContext(ctx,
		`UPDATE repetitive_task_templates SET space_id = ?, modified_at = ? WHERE space_id = ?`,
		toSpaceID, formatTime(r.now()), fromSpaceID,
	)
	return backend.WrapRepo("repoint template space", err)
}

// CountAnonymous returns the number of templates with no owner.
func (r *TemplateRepository) CountAnonymous(ctx context.Context) (int, error) {
	return r.Count(ctx, nil, false)
}

// ListAllForOwner returns every template of owner, oldest first.
func (r *TemplateRepository) ListAllForOwner(ctx context.Context, owner string) ([]backend.RepetitiveTaskTemplate, error) {
	return r.queryTemplates(ctx, "list owner templates",
		`SELECT `+templateColumns+` FROM repetitive_task_templates WHERE owner_id = ? ORDER BY created_at ASC, id ASC`, owner)
}
