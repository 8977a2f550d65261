package sqlite

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"habitkeep/backend"
)

const taskColumns = `id, title, description, schedule, due_date, due_time, status, score, active,
	space_id, template_id, owner_id, created_at, modified_at`

// TaskRepository is typed CRUD over the tasks table
type TaskRepository struct {
	q   querier
	now func() time.Time
}

// TaskFilter narrows List. Zero values mean "no constraint".
type TaskFilter struct {
	Status     backend.TaskStatus
	SpaceID    *string
	TemplateID *string
	ActiveOnly bool
	Limit      int
}

// scanTaskFrom scans a task from any scanner (Rows or Row)
func scanTaskFrom(s scanner) (*backend.Task, error) {
	var t backend.Task
	var dueDate, spaceID, templateID, ownerID sql.NullString
	var score sql.NullInt64
	var createdStr, modifiedStr string

	err := s.Scan(
		&t.ID, &t.Title, &t.Description, &t.Schedule, &dueDate, &t.DueTime, &t.Status, &score, &t.Active,
		&spaceID, &templateID, &ownerID, &createdStr, &modifiedStr,
	)
	if err != nil {
		return nil, err
	}

	t.DueDate = parseOptionalDate(dueDate)
	t.Score = intPtr(score)
	t.SpaceID = stringPtr(spaceID)
	t.TemplateID = stringPtr(templateID)
	t.OwnerID = stringPtr(ownerID)
	t.Created = parseTime(createdStr)
	t.Modified = parseTime(modifiedStr)
	return &t, nil
}

func (r *TaskRepository) queryTasks(ctx context.Context, op, query string, args ...any) ([]backend.Task, error) {
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, backend.WrapRepo(op, err)
	}
	defer func() { _ = rows.Close() }()

	tasks := []backend.Task{}
	for rows.Next() {
		t, err := scanTaskFrom(rows)
		if err != nil {
			return nil, backend.WrapRepo(op, err)
		}
		tasks = append(tasks, *t)
	}
	return tasks, backend.WrapRepo(op, rows.Err())
}

// Create inserts a new active task. A missing ID is generated; schedule and
// status default to unscheduled/incomplete.
func (r *TaskRepository) Create(ctx context.Context, task *backend.Task) (*backend.Task, error) {
	t := *task
	if t.ID == "" {
		t.ID = backend.GenerateID()
	}
	if t.Schedule == "" {
		t.Schedule = backend.ScheduleUnscheduled
	}
	if t.Status == "" {
		t.Status = backend.StatusIncomplete
	}
	t.Active = true
	now := r.now()
	t.Created = now
	t.Modified = now

	if _, err := r.insert(ctx, "INSERT", &t); err != nil {
		return nil, backend.WrapRepo("create task", err)
	}
	return &t, nil
}

// InsertGenerated inserts a template-generated task unless one already exists
// for the same (template, due date). It reports whether a row was written.
func (r *TaskRepository) InsertGenerated(ctx context.Context, task *backend.Task) (bool, error) {
	t := *task
	if t.ID == "" {
		t.ID = backend.GenerateID()
	}
	now := r.now()
	t.Created = now
	t.Modified = now

	res, err := r.insert(ctx, "INSERT OR IGNORE", &t)
	if err != nil {
		return false, backend.WrapRepo("insert generated task", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, backend.WrapRepo("insert generated task", err)
	}
	*task = t
	return n == 1, nil
}

func (r *TaskRepository) insert(ctx context.Context, verb string, t *backend.Task) (sql.Result, error) {
	return r.q.ExecContext(ctx,
		verb+` INTO tasks (`+taskColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Title, t.Description, t.Schedule, dateToNullString(t.DueDate), t.DueTime, t.Status,
		nullInt(t.Score), t.Active, nullString(t.SpaceID), nullString(t.TemplateID), nullString(t.OwnerID),
		formatTime(t.Created), formatTime(t.Modified),
	)
}

// GetByID returns the task with id inside the owner scope.
func (r *TaskRepository) GetByID(ctx context.Context, owner *string, id string) (*backend.Task, error) {
	where, args := ownerClause("owner_id", owner)
	row := r.q.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = ? AND `+where,
		append([]any{id}, args...)...,
	)
	t, err := scanTaskFrom(row)
	if err != nil {
		return nil, backend.WrapRepo("get task", notFoundIfNoRows(err))
	}
	return t, nil
}

// GetGenerated returns the task generated from templateID for day. The
// (template, due date) pair is unique across the store.
func (r *TaskRepository) GetGenerated(ctx context.Context, templateID string, day time.Time) (*backend.Task, error) {
	row := r.q.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE template_id = ? AND due_date = ?`,
		templateID, day.Format(backend.DateLayout),
	)
	t, err := scanTaskFrom(row)
	if err != nil {
		return nil, backend.WrapRepo("get generated task", notFoundIfNoRows(err))
	}
	return t, nil
}

// List returns tasks in the owner scope matching filter, newest first.
func (r *TaskRepository) List(ctx context.Context, owner *string, filter TaskFilter) ([]backend.Task, error) {
	where, args := ownerClause("owner_id", owner)
	conds := []string{where}
	if filter.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, filter.Status)
	}
	if filter.SpaceID != nil {
		conds = append(conds, "space_id = ?")
		args = append(args, *filter.SpaceID)
	}
	if filter.TemplateID != nil {
		conds = append(conds, "template_id = ?")
		args = append(args, *filter.TemplateID)
	}
	if filter.ActiveOnly {
		conds = append(conds, "active = 1")
	}

	query := `SELECT ` + taskColumns + ` FROM tasks WHERE ` + strings.Join(conds, " AND ") +
		` ORDER BY created_at DESC, id DESC`
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}
	return r.queryTasks(ctx, "list tasks", query, args...)
}

// TasksByDate returns active tasks due within [from, to], in chronological order.
func (r *TaskRepository) TasksByDate(ctx context.Context, owner *string, from, to time.Time) ([]backend.Task, error) {
	where, args := ownerClause("owner_id", owner)
	args = append(args, from.Format(backend.DateLayout), to.Format(backend.DateLayout))
	return r.queryTasks(ctx, "tasks by date",
		`SELECT `+taskColumns+` FROM tasks
		 WHERE `+where+` AND active = 1 AND due_date IS NOT NULL AND due_date BETWEEN ? AND ?
		 ORDER BY due_date ASC, CASE WHEN due_time = '' THEN 1 ELSE 0 END, due_time ASC, created_at ASC`,
		args...)
}

// DueTasks returns active incomplete tasks due on or before today. Overdue
// tasks come first, then timed before untimed, then by time of day.
func (r *TaskRepository) DueTasks(ctx context.Context, owner *string, today time.Time) ([]backend.Task, error) {
	day := today.Format(backend.DateLayout)
	where, args := ownerClause("owner_id", owner)
	args = append(args, backend.StatusIncomplete, day, day)
	return r.queryTasks(ctx, "due tasks",
		`SELECT `+taskColumns+` FROM tasks
		 WHERE `+where+` AND active = 1 AND status = ? AND due_date IS NOT NULL AND due_date <= ?
		 ORDER BY CASE WHEN due_date < ? THEN 0 ELSE 1 END,
		          CASE WHEN due_time = '' THEN 1 ELSE 0 END,
		          due_time ASC, due_date ASC, created_at DESC`,
		args...)
}

// Update writes every mutable field of task and stamps modified_at.
func (r *TaskRepository) Update(ctx context.Context, task *backend.Task) (*backend.Task, error) {
	where, args := ownerClause("owner_id", task.OwnerID)
	res, err := r.q.ExecContext(ctx,
		`UPDATE tasks SET title = ?, description = ?, schedule = ?, due_date = ?, due_time = ?, status = ?,
		        score = ?, active = ?, space_id = ?, template_id = ?, modified_at = ?
		 WHERE id = ? AND `+where,
		append([]any{
			task.Title, task.Description, task.Schedule, dateToNullString(task.DueDate), task.DueTime, task.Status,
			nullInt(task.Score), task.Active, nullString(task.SpaceID), nullString(task.TemplateID),
			formatTime(r.now()), task.ID,
		}, args...)...,
	)
	if err != nil {
		return nil, backend.WrapRepo("update task", err)
	}
	if err := requireAffected(res); err != nil {
		return nil, backend.WrapRepo("update task", err)
	}
	return r.GetByID(ctx, task.OwnerID, task.ID)
}

// SetStatus changes a task's completion status and optional score.
func (r *TaskRepository) SetStatus(ctx context.Context, owner *string, id string, status backend.TaskStatus, score *int) (*backend.Task, error) {
	where, args := ownerClause("owner_id", owner)
	res, err := r.q.ExecContext(ctx,
		`UPDATE tasks SET status = ?, score = COALESCE(?, score), modified_at = ? WHERE id = ? AND `+where,
		append([]any{status, nullInt(score), formatTime(r.now()), id}, args...)...,
	)
	if err != nil {
		return nil, backend.WrapRepo("set task status", err)
	}
	if err := requireAffected(res); err != nil {
		return nil, backend.WrapRepo("set task status", err)
	}
	return r.GetByID(ctx, owner, id)
}

// SetActive flips the soft-delete flag.
func (r *TaskRepository) SetActive(ctx context.Context, owner *string, id string, active bool) (*backend.Task, error) {
	where, args := ownerClause("owner_id", owner)
	res, err := r.q.ExecContext(ctx,
		`UPDATE tasks SET active = ?, modified_at = ? WHERE id = ? AND `+where,
		append([]any{active, formatTime(r.now()), id}, args...)...,
	)
	if err != nil {
		return nil, backend.WrapRepo("set task active", err)
	}
	if err := requireAffected(res); err != nil {
		return nil, backend.WrapRepo("set task active", err)
	}
	return r.GetByID(ctx, owner, id)
}

// Count returns the number of tasks in the owner scope.
func (r *TaskRepository) Count(ctx context.Context, owner *string) (int, error) {
	where, args := ownerClause("owner_id", owner)
	var n int
	err := r.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks WHERE `+where, args...).Scan(&n)
	return n, backend.WrapRepo("count tasks", err)
}

// CountOverdue returns active incomplete tasks due strictly before today.
func (r *TaskRepository) CountOverdue(ctx context.Context, owner *string, today time.Time) (int, error) {
	where, args := ownerClause("owner_id", owner)
	args = append(args, backend.StatusIncomplete, today.Format(backend.DateLayout))
	var n int
	err := r.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM tasks
		 WHERE `+where+` AND active = 1 AND status = ? AND due_date IS NOT NULL AND due_date < ?`,
		args...,
	).Scan(&n)
	return n, backend.WrapRepo("count overdue tasks", err)
}

// CountByStatus returns active task counts keyed by status.
func (r *TaskRepository) CountByStatus(ctx context.Context, owner *string) (map[backend.TaskStatus]int, error) {
	where, args := ownerClause("owner_id", owner)
	rows, err := r.q.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM tasks WHERE `+where+` AND active = 1 GROUP BY status`, args...)
	if err != nil {
		return nil, backend.WrapRepo("count tasks by status", err)
	}
	defer func() { _ = rows.Close() }()

	counts := map[backend.TaskStatus]int{}
	for rows.Next() {
		var status backend.TaskStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, backend.WrapRepo("count tasks by status", err)
		}
		counts[status] = n
	}
	return counts, backend.WrapRepo("count tasks by status", rows.Err())
}

// CountBySpace returns active task counts keyed by space id ("" for no space).
func (r *TaskRepository) CountBySpace(ctx context.Context, owner *string) (map[string]int, error) {
	where, args := ownerClause("owner_id", owner)
	rows, err := r.q.QueryContext(ctx,
		`SELECT COALESCE(space_id, ''), COUNT(*) FROM tasks WHERE `+where+` AND active = 1 GROUP BY space_id`, args...)
	if err != nil {
		return nil, backend.WrapRepo("count tasks by space", err)
	}
	defer func() { _ = rows.Close() }()

	counts := map[string]int{}
	for rows.Next() {
		var spaceID string
		var n int
		if err := rows.Scan(&spaceID, &n); err != nil {
			return nil, backend.WrapRepo("count tasks by space", err)
		}
		counts[spaceID] = n
	}
	return counts, backend.WrapRepo("count tasks by space", rows.Err())
}

// UpsertMany merges incoming rows. An existing row is only overwritten when the
// incoming modified_at is not older than the stored one; the comparison lives in
// the conflict clause so a local edit landing between fetch and merge wins.
// It returns the number of rows written.
func (r *TaskRepository) UpsertMany(ctx context.Context, tasks []backend.Task) (int, error) {
	written := 0
	for _, t := range tasks {
		res, err := r.q.ExecContext(ctx,
			`INSERT INTO tasks (`+taskColumns+`)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(id) DO UPDATE SET
				title = excluded.title,
				description = excluded.description,
				schedule = excluded.schedule,
				due_date = excluded.due_date,
				due_time = excluded.due_time,
				status = excluded.status,
				score = excluded.score,
				active = excluded.active,
				space_id = excluded.space_id,
				template_id = excluded.template_id,
				owner_id = excluded.owner_id,
				modified_at = excluded.modified_at
			 WHERE excluded.modified_at >= tasks.modified_at`,
			t.ID, t.Title, t.Description, t.Schedule, dateToNullString(t.DueDate), t.DueTime, t.Status,
			nullInt(t.Score), t.Active, nullString(t.SpaceID), nullString(t.TemplateID), nullString(t.OwnerID),
			formatTime(t.Created), formatTime(t.Modified),
		)
		if err != nil {
			return written, backend.WrapRepo("upsert tasks", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return written, backend.WrapRepo("upsert tasks", err)
		}
		written += int(n)
	}
	return written, nil
}

// ReassignAnonymous gives every anonymous task to owner.
func (r *TaskRepository) ReassignAnonymous(ctx context.Context, owner string) (int, error) {
	res, err := r.q.ExecContext(ctx,
		`UPDATE tasks SET owner_id = ?, modified_at = ? WHERE owner_id IS NULL`,
		owner, formatTime(r.now()),
	)
	if err != nil {
		return 0, backend.WrapRepo("reassign anonymous tasks", err)
	}
	n, err := res.RowsAffected()
	return int(n), backend.WrapRepo("reassign anonymous tasks", err)
}

// RepointSpace moves every task from one space to another.
func (r *TaskRepository) RepointSpace(ctx context.Context, fromSpaceID, toSpaceID string) error {
	_, err := r.q.ExecContext(ctx,
		`UPDATE tasks SET space_id = ?, modified_at = ? WHERE space_id = ?`,
		toSpaceID, formatTime(r.now()), fromSpaceID,
	)
	return backend.WrapRepo("repoint task space", err)
}

// CountAnonymous returns the number of tasks with no owner.
func (r *TaskRepository) CountAnonymous(ctx context.Context) (int, error) {
	return r.Count(ctx, nil)
}

// ListAllForOwner returns every task of owner, active or not, oldest first.
func (r *TaskRepository) ListAllForOwner(ctx context.Context, owner string) ([]backend.Task, error) {
	return r.queryTasks(ctx, "list owner tasks",
		`SELECT `+taskColumns+` FROM tasks WHERE owner_id = ? ORDER BY created_at ASC, id ASC`, owner)
}
