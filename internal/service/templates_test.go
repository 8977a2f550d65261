package service

import (
	"context"
	"testing"
	"time"

	"habitkeep/backend"
	"habitkeep/backend/sqlite"
)

func TestCreateTemplateValidation(t *testing.T) {
	store, _ := mustNewStore(t)
	svc := NewTemplateService(store, nil)
	ctx := context.Background()

	tests := []struct {
		name string
		in   TemplateInput
	}{
		{"no title", TemplateInput{Schedule: backend.ScheduleDaily}},
		{"once", TemplateInput{Title: "x", Schedule: backend.ScheduleOnce}},
		{"specific days without days", TemplateInput{Title: "x", Schedule: backend.ScheduleSpecificDays}},
		{"bad weekday", TemplateInput{Title: "x", Weekdays: []time.Weekday{9}}},
		{"bad time", TemplateInput{Title: "x", TimeOfDay: "7pm"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := svc.Create(ctx, nil, tt.in); err == nil {
				t.Error("Create() should fail")
			}
		})
	}
}

// TestCreateTemplateInfersSchedule verifies weekdays imply specific_days
func TestCreateTemplateInfersSchedule(t *testing.T) {
	store, _ := mustNewStore(t)
	ctx := context.Background()
	owner := mustCreateUser(t, store, "u1", false)
	trigger := &countingTrigger{}
	svc := NewTemplateService(store, trigger)

	tmpl, err := svc.Create(ctx, owner, TemplateInput{
		Title:     "Gym",
		Weekdays:  []time.Weekday{time.Monday, time.Thursday},
		TimeOfDay: "18:00",
		SpaceName: "Health",
	})
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if tmpl.Schedule != backend.ScheduleSpecificDays || !tmpl.Active {
		t.Errorf("template = %+v", tmpl)
	}
	ops := mustListOutbox(t, store, *owner)
	if len(ops) != 2 || ops[1].Entity != backend.EntityTemplate || ops[1].Op != backend.OpCreate {
		t.Errorf("outbox = %+v", ops)
	}
	if trigger.Count() != 1 {
		t.Errorf("trigger count = %d, want 1", trigger.Count())
	}
}

// TestGenerateDueDaily verifies expansion, watermark and idempotency
func TestGenerateDueDaily(t *testing.T) {
	store, _ := mustNewStore(t)
	ctx := context.Background()
	owner := mustCreateUser(t, store, "u1", false)
	trigger := &countingTrigger{}
	svc := NewTemplateService(store, trigger)

	tmpl, err := svc.Create(ctx, owner, TemplateInput{Title: "Meditate", TimeOfDay: "07:00"})
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	before := len(mustListOutbox(t, store, *owner))

	today := time.Date(2026, 3, 12, 20, 0, 0, 0, time.UTC)
	n, err := svc.GenerateDue(ctx, owner, today)
	if err != nil {
		t.Fatalf("GenerateDue() error: %v", err)
	}
	if n != 3 {
		t.Errorf("generated = %d, want 3 (10th to 12th)", n)
	}

	tasks, err := store.Tasks().List(ctx, owner, sqlite.TaskFilter{TemplateID: &tmpl.ID})
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if len(tasks) != 3 {
		t.Fatalf("tasks = %d, want 3", len(tasks))
	}
	for _, task := range tasks {
		if task.DueTime != "07:00" || task.Status != backend.StatusIncomplete || !task.Active {
			t.Errorf("generated task = %+v", task)
		}
	}

	ops := mustListOutbox(t, store, *owner)
	if len(ops)-before != 3 {
		t.Errorf("enqueued %d ops, want 3 task creates", len(ops)-before)
	}
	for _, op := range ops[before:] {
		if op.Entity != backend.EntityTask || op.Op != backend.OpCreate {
			t.Errorf("generated op = %s %s", op.Op, op.Entity)
		}
	}

	got, err := store.Templates().GetByID(ctx, owner, tmpl.ID)
	if err != nil {
		t.Fatalf("GetByID() error: %v", err)
	}
	if got.LastGeneratedDate == nil || got.LastGeneratedDate.Format(backend.DateLayout) != "2026-03-12" {
		t.Errorf("watermark = %v, want 2026-03-12", got.LastGeneratedDate)
	}
	if !got.Modified.Equal(tmpl.Modified) {
		t.Error("watermark should not change modified_at")
	}

	again, err := svc.GenerateDue(ctx, owner, today)
	if err != nil || again != 0 {
		t.Errorf("second GenerateDue() = %d, %v; want 0", again, err)
	}
	if trigger.Count() != 2 {
		t.Errorf("trigger count = %d, want 2 (create + first generate)", trigger.Count())
	}
}

// TestGenerateDueSpecificDaysSkipsExisting verifies weekday matching and the (template, date) guard
func TestGenerateDueSpecificDaysSkipsExisting(t *testing.T) {
	store, _ := mustNewStore(t)
	ctx := context.Background()
	svc := NewTemplateService(store, nil)

	// 2026-03-10 is a Tuesday
	tmpl, err := svc.Create(ctx, nil, TemplateInput{Title: "Swim", Weekdays: []time.Weekday{time.Monday, time.Wednesday}})
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	wed := date(2026, 3, 11)
	if _, err := store.Tasks().InsertGenerated(ctx, &backend.Task{
		Title: "Swim", Schedule: backend.ScheduleSpecificDays, DueDate: wed, Status: backend.StatusIncomplete,
		Active: true, TemplateID: &tmpl.ID,
	}); err != nil {
		t.Fatalf("InsertGenerated() error: %v", err)
	}

	n, err := svc.GenerateDue(ctx, nil, time.Date(2026, 3, 16, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("GenerateDue() error: %v", err)
	}
	if n != 1 {
		t.Errorf("generated = %d, want 1 (Monday 16th; Wednesday existed)", n)
	}
	tasks, _ := store.Tasks().List(ctx, nil, sqlite.TaskFilter{TemplateID: &tmpl.ID})
	if len(tasks) != 2 {
		t.Errorf("tasks = %d, want 2", len(tasks))
	}
}

// TestGenerateDueBackfillIsBounded verifies a long-idle template only backfills MaxBackfillDays
func TestGenerateDueBackfillIsBounded(t *testing.T) {
	store, _ := mustNewStore(t)
	ctx := context.Background()
	svc := NewTemplateService(store, nil)

	if _, err := svc.Create(ctx, nil, TemplateInput{Title: "Journal"}); err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	n, err := svc.GenerateDue(ctx, nil, time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("GenerateDue() error: %v", err)
	}
	if n != MaxBackfillDays+1 {
		t.Errorf("generated = %d, want %d", n, MaxBackfillDays+1)
	}
}

// TestStopTemplate verifies stopped templates stop generating
func TestStopTemplate(t *testing.T) {
	store, _ := mustNewStore(t)
	ctx := context.Background()
	owner := mustCreateUser(t, store, "u1", false)
	svc := NewTemplateService(store, nil)

	tmpl, err := svc.Create(ctx, owner, TemplateInput{Title: "Stretch"})
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	stopped, err := svc.Stop(ctx, owner, tmpl.ID)
	if err != nil {
		t.Fatalf("Stop() error: %v", err)
	}
	if stopped.Active {
		t.Error("Stop should clear active")
	}
	ops := mustListOutbox(t, store, *owner)
	if last := ops[len(ops)-1]; last.Op != backend.OpUpdate || last.Entity != backend.EntityTemplate {
		t.Errorf("stop op = %s %s", last.Op, last.Entity)
	}

	n, err := svc.GenerateDue(ctx, owner, time.Date(2026, 3, 12, 0, 0, 0, 0, time.UTC))
	if err != nil || n != 0 {
		t.Errorf("GenerateDue() after stop = %d, %v", n, err)
	}
	active, _ := svc.List(ctx, owner, true)
	if len(active) != 0 {
		t.Errorf("active templates = %d, want 0", len(active))
	}
}

func TestUpdateTemplateToDaily(t *testing.T) {
	store, _ := mustNewStore(t)
	ctx := context.Background()
	svc := NewTemplateService(store, nil)

	tmpl, err := svc.Create(ctx, nil, TemplateInput{Title: "Piano", Weekdays: []time.Weekday{time.Friday}})
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	daily := backend.ScheduleDaily
	scored := true
	updated, err := svc.Update(ctx, nil, tmpl.ID, TemplateUpdate{Schedule: &daily, Scored: &scored})
	if err != nil {
		t.Fatalf("Update() error: %v", err)
	}
	if updated.Schedule != backend.ScheduleDaily || len(updated.Weekdays) != 0 || !updated.Scored {
		t.Errorf("updated = %+v", updated)
	}
}
