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

// MaxBackfillDays bounds how far back GenerateDue expands a template that
// has not been generated for a while.
const MaxBackfillDays = 31

// TemplateService manages repetitive task templates and their expansion
type TemplateService struct {
	base
}

// NewTemplateService creates a TemplateService over store. trigger may be nil.
func NewTemplateService(store *sqlite.Store, trigger Trigger) *TemplateService {
	return &TemplateService{base: newBase(store, trigger)}
}

// TemplateInput describes a new template
type TemplateInput struct {
	Title       string
	Description string
	Schedule    backend.ScheduleKind // daily or specific_days
	Weekdays    []time.Weekday
	TimeOfDay   string
	Scored      bool
	SpaceName   string
	Tags        []string
}

// TemplateUpdate lists the fields to change. Nil fields are left alone.
type TemplateUpdate struct {
	Title       *string
	Description *string
	Schedule    *backend.ScheduleKind
	Weekdays    []time.Weekday // nil keeps the current set
	TimeOfDay   *string
	Scored      *bool
	SpaceName   *string
}

func validateTemplate(t *backend.RepetitiveTaskTemplate) error {
	if strings.TrimSpace(t.Title) == "" {
		return fmt.Errorf("template title is required")
	}
	switch t.Schedule {
	case backend.ScheduleDaily:
	case backend.ScheduleSpecificDays:
		if len(t.Weekdays) == 0 {
			return utils.ErrInvalidWeekdays("")
		}
	default:
		return fmt.Errorf("templates repeat daily or on specific days, not %q", t.Schedule)
	}
	for _, d := range t.Weekdays {
		if d < time.Sunday || d > time.Saturday {
			return utils.ErrInvalidWeekdays(d.String())
		}
	}
	if t.TimeOfDay != "" {
		if _, err := utils.ParseTimeOfDay(t.TimeOfDay); err != nil {
			return err
		}
	}
	return nil
}

// Create inserts a template and enqueues a create.
func (s *TemplateService) Create(ctx context.Context, owner *string, in TemplateInput) (*backend.RepetitiveTaskTemplate, error) {
	tmpl := &backend.RepetitiveTaskTemplate{
		Title:       strings.TrimSpace(in.Title),
		Description: in.Description,
		Schedule:    in.Schedule,
		Weekdays:    in.Weekdays,
		TimeOfDay:   in.TimeOfDay,
		Scored:      in.Scored,
		OwnerID:     owner,
	}
	if tmpl.Schedule == "" {
		tmpl.Schedule = backend.ScheduleDaily
		if len(tmpl.Weekdays) > 0 {
			tmpl.Schedule = backend.ScheduleSpecificDays
		}
	}
	if err := validateTemplate(tmpl); err != nil {
		return nil, err
	}

	var created *backend.RepetitiveTaskTemplate
	err := s.mutate(ctx, "create template", owner, func(tx *sqlite.Tx) error {
		sp, _, err := spaceByName(ctx, tx, owner, in.SpaceName)
		if err != nil {
			return err
		}
		if sp != nil {
			tmpl.SpaceID = &sp.ID
		}
		created, err = tx.Templates().Create(ctx, tmpl)
		if err != nil {
			return err
		}
		if err := attachTemplateTags(ctx, tx, owner, created.ID, in.Tags); err != nil {
			return err
		}
		return enqueueTemplate(ctx, tx, backend.OpCreate, created)
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// Update applies upd to the template and enqueues an update.
func (s *TemplateService) Update(ctx context.Context, owner *string, id string, upd TemplateUpdate) (*backend.RepetitiveTaskTemplate, error) {
	var updated *backend.RepetitiveTaskTemplate
	err := s.mutate(ctx, "update template", owner, func(tx *sqlite.Tx) error {
		tmpl, err := tx.Templates().GetByID(ctx, owner, id)
		if err != nil {
			return err
		}
		if upd.Title != nil {
			tmpl.Title = strings.TrimSpace(*upd.Title)
		}
		if upd.Description != nil {
			tmpl.Description = *upd.Description
		}
		if upd.Schedule != nil {
			tmpl.Schedule = *upd.Schedule
		}
		if upd.Weekdays != nil {
			tmpl.Weekdays = upd.Weekdays
		}
		if tmpl.Schedule == backend.ScheduleDaily {
			tmpl.Weekdays = nil
		}
		if upd.TimeOfDay != nil {
			tmpl.TimeOfDay = *upd.TimeOfDay
		}
		if upd.Scored != nil {
			tmpl.Scored = *upd.Scored
		}
		if upd.SpaceName != nil {
			sp, _, err := spaceByName(ctx, tx, owner, *upd.SpaceName)
			if err != nil {
				return err
			}
			tmpl.SpaceID = nil
			if sp != nil {
				tmpl.SpaceID = &sp.ID
			}
		}
		if err := validateTemplate(tmpl); err != nil {
			return err
		}

		updated, err = tx.Templates().Update(ctx, tmpl)
		if err != nil {
			return err
		}
		return enqueueTemplate(ctx, tx, backend.OpUpdate, updated)
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// Stop deactivates the template. Generated tasks are kept.
func (s *TemplateService) Stop(ctx context.Context, owner *string, id string) (*backend.RepetitiveTaskTemplate, error) {
	var updated *backend.RepetitiveTaskTemplate
	err := s.mutate(ctx, "stop template", owner, func(tx *sqlite.Tx) error {
		var err error
		updated, err = tx.Templates().SetActive(ctx, owner, id, false)
		if err != nil {
			return err
		}
		return enqueueTemplate(ctx, tx, backend.OpUpdate, updated)
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// Get returns one template.
func (s *TemplateService) Get(ctx context.Context, owner *string, id string) (*backend.RepetitiveTaskTemplate, error) {
	return s.store.Templates().GetByID(ctx, owner, id)
}

// List returns the owner's templates, newest first.
func (s *TemplateService) List(ctx context.Context, owner *string, activeOnly bool) ([]backend.RepetitiveTaskTemplate, error) {
	return s.store.Templates().List(ctx, owner, activeOnly)
}

// GenerateDue expands every active template into tasks for the matching days
// after its watermark, up to and including today, and advances the watermark.
// It returns the number of tasks created. Days that already have a task for
// the template are skipped.
func (s *TemplateService) GenerateDue(ctx context.Context, owner *string, today time.Time) (int, error) {
	today = backend.DateOnly(today)
	generated := 0

	err := s.store.WithTx(ctx, func(tx *sqlite.Tx) error {
		templates, err := tx.Templates().List(ctx, owner, true)
		if err != nil {
			return err
		}
		for i := range templates {
			n, err := generateTemplate(ctx, tx, &templates[i], today)
			if err != nil {
				return fmt.Errorf("template %s: %w", templates[i].ID, err)
			}
			generated += n
		}
		return nil
	})
	if err != nil {
		return 0, &backend.TransactionError{Op: "generate due tasks", Err: err}
	}
	if generated > 0 && owner != nil {
		s.trigger.Trigger()
	}
	return generated, nil
}

// generateTemplate expands one template. The watermark update is local
// bookkeeping and is not enqueued.
func generateTemplate(ctx context.Context, tx *sqlite.Tx, tmpl *backend.RepetitiveTaskTemplate, today time.Time) (int, error) {
	start := backend.DateOnly(tmpl.Created)
	if tmpl.LastGeneratedDate != nil {
		start = tmpl.LastGeneratedDate.AddDate(0, 0, 1)
	}
	if earliest := today.AddDate(0, 0, -MaxBackfillDays); start.Before(earliest) {
		start = earliest
	}
	if start.After(today) {
		return 0, nil
	}

	tags, err := tx.Tags().TagsForTemplate(ctx, tmpl.ID)
	if err != nil {
		return 0, err
	}

	generated := 0
	for day := start; !day.After(today); day = day.AddDate(0, 0, 1) {
		if !tmpl.OccursOn(day) {
			continue
		}
		due := day
		task := &backend.Task{
			Title:       tmpl.Title,
			Description: tmpl.Description,
			Schedule:    tmpl.Schedule,
			DueDate:     &due,
			DueTime:     tmpl.TimeOfDay,
			Status:      backend.StatusIncomplete,
			Active:      true,
			SpaceID:     tmpl.SpaceID,
			TemplateID:  &tmpl.ID,
			OwnerID:     tmpl.OwnerID,
		}
		inserted, err := tx.Tasks().InsertGenerated(ctx, task)
		if err != nil {
			return generated, err
		}
		if !inserted {
			continue
		}
		if err := attachTaskTags(ctx, tx, tmpl.OwnerID, task.ID, tags); err != nil {
			return generated, err
		}
		if err := enqueueTask(ctx, tx, backend.OpCreate, task); err != nil {
			return generated, err
		}
		generated++
	}

	return generated, tx.Templates().SetLastGeneratedDate(ctx, tmpl.ID, today)
}
