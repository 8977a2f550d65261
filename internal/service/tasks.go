package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"habitkeep/backend"
	"habitkeep/backend/sqlite"
	"habitkeep/internal/utils"
)

// TaskService manages tasks
type TaskService struct {
	base
}

// NewTaskService creates a TaskService over store. trigger may be nil.
func NewTaskService(store *sqlite.Store, trigger Trigger) *TaskService {
	return &TaskService{base: newBase(store, trigger)}
}

// TaskInput describes a new task
type TaskInput struct {
	Title       string
	Description string
	Schedule    backend.ScheduleKind // derived from DueDate when empty
	DueDate     *time.Time
	DueTime     string
	SpaceName   string // created on demand
	Tags        []string
}

// TaskUpdate lists the fields to change. Nil fields are left alone.
type TaskUpdate struct {
	Title        *string
	Description  *string
	Schedule     *backend.ScheduleKind
	DueDate      *time.Time
	ClearDueDate bool
	DueTime      *string
	SpaceName    *string // "" removes the task from its space
	AddTags      []string
}

func validateTask(t *backend.Task) error {
	if strings.TrimSpace(t.Title) == "" {
		return fmt.Errorf("task title is required")
	}
	if !t.Schedule.Valid() {
		return fmt.Errorf("invalid schedule %q", t.Schedule)
	}
	if t.DueTime != "" {
		if _, err := utils.ParseTimeOfDay(t.DueTime); err != nil {
			return err
		}
	}
	if t.Score != nil {
		return utils.ValidateScore(*t.Score)
	}
	return nil
}

// Create inserts a task, enqueueing a create for signed-in owners.
func (s *TaskService) Create(ctx context.Context, owner *string, in TaskInput) (*backend.Task, error) {
	task := &backend.Task{
		Title:       strings.TrimSpace(in.Title),
		Description: in.Description,
		Schedule:    in.Schedule,
		DueDate:     in.DueDate,
		DueTime:     in.DueTime,
		Status:      backend.StatusIncomplete,
		OwnerID:     owner,
	}
	if task.Schedule == "" {
		task.Schedule = backend.ScheduleUnscheduled
		if task.DueDate != nil {
			task.Schedule = backend.ScheduleOnce
		}
	}
	if err := validateTask(task); err != nil {
		return nil, err
	}

	var created *backend.Task
	err := s.mutate(ctx, "create task", owner, func(tx *sqlite.Tx) error {
		sp, _, err := spaceByName(ctx, tx, owner, in.SpaceName)
		if err != nil {
			return err
		}
		if sp != nil {
			task.SpaceID = &sp.ID
		}
		created, err = tx.Tasks().Create(ctx, task)
		if err != nil {
			return err
		}
		if err := attachTaskTags(ctx, tx, owner, created.ID, in.Tags); err != nil {
			return err
		}
		return enqueueTask(ctx, tx, backend.OpCreate, created)
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// Update applies upd to the task and enqueues an update.
func (s *TaskService) Update(ctx context.Context, owner *string, id string, upd TaskUpdate) (*backend.Task, error) {
	var updated *backend.Task
	err := s.mutate(ctx, "update task", owner, func(tx *sqlite.Tx) error {
		task, err := tx.Tasks().GetByID(ctx, owner, id)
		if err != nil {
			return err
		}
		if upd.Title != nil {
			task.Title = strings.TrimSpace(*upd.Title)
		}
		if upd.Description != nil {
			task.Description = *upd.Description
		}
		if upd.Schedule != nil {
			task.Schedule = *upd.Schedule
		}
		if upd.ClearDueDate {
			task.DueDate = nil
		} else if upd.DueDate != nil {
			task.DueDate = upd.DueDate
		}
		if upd.DueTime != nil {
			task.DueTime = *upd.DueTime
		}
		if upd.SpaceName != nil {
			sp, _, err := spaceByName(ctx, tx, owner, *upd.SpaceName)
			if err != nil {
				return err
			}
			task.SpaceID = nil
			if sp != nil {
				task.SpaceID = &sp.ID
			}
		}
		if err := validateTask(task); err != nil {
			return err
		}

		updated, err = tx.Tasks().Update(ctx, task)
		if err != nil {
			return err
		}
		if err := attachTaskTags(ctx, tx, owner, updated.ID, upd.AddTags); err != nil {
			return err
		}
		return enqueueTask(ctx, tx, backend.OpUpdate, updated)
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// setStatus is shared by Complete, Fail and Reopen.
func (s *TaskService) setStatus(ctx context.Context, op string, owner *string, id string, status backend.TaskStatus, score *int) (*backend.Task, error) {
	if score != nil {
		if err := utils.ValidateScore(*score); err != nil {
			return nil, err
		}
	}
	var updated *backend.Task
	err := s.mutate(ctx, op, owner, func(tx *sqlite.Tx) error {
		var err error
		updated, err = tx.Tasks().SetStatus(ctx, owner, id, status, score)
		if err != nil {
			return err
		}
		return enqueueTask(ctx, tx, backend.OpUpdate, updated)
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// Complete marks the task complete, recording score when given.
func (s *TaskService) Complete(ctx context.Context, owner *string, id string, score *int) (*backend.Task, error) {
	return s.setStatus(ctx, "complete task", owner, id, backend.StatusComplete, score)
}

// Fail marks the task failed.
func (s *TaskService) Fail(ctx context.Context, owner *string, id string) (*backend.Task, error) {
	return s.setStatus(ctx, "fail task", owner, id, backend.StatusFailed, nil)
}

// Reopen marks the task incomplete again.
func (s *TaskService) Reopen(ctx context.Context, owner *string, id string) (*backend.Task, error) {
	return s.setStatus(ctx, "reopen task", owner, id, backend.StatusIncomplete, nil)
}

// Reschedule moves the task to due (nil unschedules it) at dueTime.
// One-off tasks switch between once and unscheduled accordingly.
func (s *TaskService) Reschedule(ctx context.Context, owner *string, id string, due *time.Time, dueTime string) (*backend.Task, error) {
	if _, err := utils.ParseTimeOfDay(dueTime); err != nil {
		return nil, err
	}
	var updated *backend.Task
	err := s.mutate(ctx, "reschedule task", owner, func(tx *sqlite.Tx) error {
		task, err := tx.Tasks().GetByID(ctx, owner, id)
		if err != nil {
			return err
		}
		task.DueDate = due
		task.DueTime = dueTime
		switch {
		case due != nil && task.Schedule == backend.ScheduleUnscheduled:
			task.Schedule = backend.ScheduleOnce
		case due == nil && task.Schedule == backend.ScheduleOnce:
			task.Schedule = backend.ScheduleUnscheduled
		}

		updated, err = tx.Tasks().Update(ctx, task)
		if err != nil {
			return err
		}
		return enqueueTask(ctx, tx, backend.OpUpdate, updated)
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// Deactivate soft-deletes the task. Tasks are never removed outright, so the
// remote sees an update with active=false.
func (s *TaskService) Deactivate(ctx context.Context, owner *string, id string) (*backend.Task, error) {
	var updated *backend.Task
	err := s.mutate(ctx, "deactivate task", owner, func(tx *sqlite.Tx) error {
		var err error
		updated, err = tx.Tasks().SetActive(ctx, owner, id, false)
		if err != nil {
			return err
		}
		return enqueueTask(ctx, tx, backend.OpUpdate, updated)
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// Get returns one task.
func (s *TaskService) Get(ctx context.Context, owner *string, id string) (*backend.Task, error) {
	return s.store.Tasks().GetByID(ctx, owner, id)
}

// Tags returns the tag names attached to a task.
func (s *TaskService) Tags(ctx context.Context, id string) ([]string, error) {
	return s.store.Tags().TagsForTask(ctx, id)
}

// List returns tasks matching filter, newest first.
func (s *TaskService) List(ctx context.Context, owner *string, filter sqlite.TaskFilter) ([]backend.Task, error) {
	return s.store.Tasks().List(ctx, owner, filter)
}

// Due returns the active incomplete tasks due on or before today, most urgent first.
func (s *TaskService) Due(ctx context.Context, owner *string, today time.Time) ([]backend.Task, error) {
	return s.store.Tasks().DueTasks(ctx, owner, backend.DateOnly(today))
}

// Agenda returns tasks due between from and to inclusive, in date order.
func (s *TaskService) Agenda(ctx context.Context, owner *string, from, to time.Time) ([]backend.Task, error) {
	return s.store.Tasks().TasksByDate(ctx, owner, backend.DateOnly(from), backend.DateOnly(to))
}

// Counts returns the aggregates read by reminder and purchase prompts.
func (s *TaskService) Counts(ctx context.Context, owner *string, today time.Time) (*backend.TaskCounts, error) {
	repo := s.store.Tasks()
	overdue, err := repo.CountOverdue(ctx, owner, backend.DateOnly(today))
	if err != nil {
		return nil, err
	}
	byStatus, err := repo.CountByStatus(ctx, owner)
	if err != nil {
		return nil, err
	}
	bySpace, err := repo.CountBySpace(ctx, owner)
	if err != nil {
		return nil, err
	}
	return &backend.TaskCounts{Overdue: overdue, ByStatus: byStatus, BySpace: bySpace}, nil
}
