package service

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"habitkeep/backend"
	"habitkeep/backend/sqlite"
	"habitkeep/internal/utils"
)

// TestCreateTaskEnqueuesSnapshot verifies one create op with denormalized fields
func TestCreateTaskEnqueuesSnapshot(t *testing.T) {
	store, _ := mustNewStore(t)
	ctx := context.Background()
	owner := mustCreateUser(t, store, "u1", false)
	trigger := &countingTrigger{}
	svc := NewTaskService(store, trigger)

	task, err := svc.Create(ctx, owner, TaskInput{
		Title:     "  Water plants ",
		DueDate:   date(2026, 3, 11),
		DueTime:   "08:00",
		SpaceName: "Home",
		Tags:      []string{"chores", "", "garden"},
	})
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if task.Title != "Water plants" || task.Schedule != backend.ScheduleOnce || task.SpaceID == nil {
		t.Errorf("task = %+v", task)
	}
	if trigger.Count() != 1 {
		t.Errorf("trigger count = %d, want 1", trigger.Count())
	}

	ops := mustListOutbox(t, store, *owner)
	if len(ops) != 2 {
		t.Fatalf("outbox rows = %d, want 2 (space then task)", len(ops))
	}
	if ops[0].Entity != backend.EntitySpace || ops[1].Entity != backend.EntityTask {
		t.Errorf("outbox order = %s, %s", ops[0].Entity, ops[1].Entity)
	}

	var p backend.TaskPayload
	if err := json.Unmarshal(ops[1].Payload, &p); err != nil {
		t.Fatalf("payload decode error: %v", err)
	}
	if p.SpaceName != "Home" || p.DueDate != "2026-03-11" || len(p.Tags) != 2 || p.Tags[0] != "chores" {
		t.Errorf("payload = %+v", p)
	}
}

// TestAnonymousWritesStayLocal verifies anonymous mutations never enqueue or trigger
func TestAnonymousWritesStayLocal(t *testing.T) {
	store, _ := mustNewStore(t)
	ctx := context.Background()
	trigger := &countingTrigger{}
	svc := NewTaskService(store, trigger)

	task, err := svc.Create(ctx, nil, TaskInput{Title: "Offline", SpaceName: "Inbox"})
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if _, err := svc.Complete(ctx, nil, task.ID, nil); err != nil {
		t.Fatalf("Complete() error: %v", err)
	}
	if trigger.Count() != 0 {
		t.Errorf("trigger count = %d, want 0", trigger.Count())
	}
	counts, err := store.Outbox().CountByStatus(ctx, "")
	if err != nil {
		t.Fatalf("CountByStatus() error: %v", err)
	}
	for status, n := range counts {
		if n != 0 {
			t.Errorf("anonymous outbox %s = %d", status, n)
		}
	}
}

func TestCreateTaskValidation(t *testing.T) {
	store, _ := mustNewStore(t)
	svc := NewTaskService(store, nil)
	ctx := context.Background()

	if _, err := svc.Create(ctx, nil, TaskInput{Title: "  "}); err == nil {
		t.Error("empty title should fail")
	}
	if _, err := svc.Create(ctx, nil, TaskInput{Title: "x", DueTime: "31:00"}); err == nil {
		t.Error("invalid time should fail")
	}
	if _, err := svc.Create(ctx, nil, TaskInput{Title: "x", Schedule: "weekly"}); err == nil {
		t.Error("unknown schedule should fail")
	}
}

// TestStatusTransitions verifies complete, fail and reopen each enqueue an update
func TestStatusTransitions(t *testing.T) {
	store, clock := mustNewStore(t)
	ctx := context.Background()
	owner := mustCreateUser(t, store, "u1", false)
	svc := NewTaskService(store, nil)

	task, err := svc.Create(ctx, owner, TaskInput{Title: "Run"})
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	clock.Advance(time.Minute)
	score := 7
	done, err := svc.Complete(ctx, owner, task.ID, &score)
	if err != nil {
		t.Fatalf("Complete() error: %v", err)
	}
	if done.Status != backend.StatusComplete || done.Score == nil || *done.Score != 7 {
		t.Errorf("completed task = %+v", done)
	}
	if !done.Modified.After(task.Modified) {
		t.Error("Complete should stamp modified_at")
	}

	bad := 11
	if _, err := svc.Complete(ctx, owner, task.ID, &bad); err == nil {
		t.Error("score 11 should be rejected")
	}

	if got, err := svc.Fail(ctx, owner, task.ID); err != nil || got.Status != backend.StatusFailed {
		t.Errorf("Fail() = %+v, %v", got, err)
	}
	if got, err := svc.Reopen(ctx, owner, task.ID); err != nil || got.Status != backend.StatusIncomplete {
		t.Errorf("Reopen() = %+v, %v", got, err)
	}

	ops := mustListOutbox(t, store, *owner)
	if len(ops) != 4 {
		t.Fatalf("outbox rows = %d, want 4", len(ops))
	}
	for _, op := range ops[1:] {
		if op.Op != backend.OpUpdate {
			t.Errorf("op %d kind = %s, want update", op.ID, op.Op)
		}
	}
}

// TestMissingTaskIsNotFound verifies the not-found sentinel survives the transaction wrapper
func TestMissingTaskIsNotFound(t *testing.T) {
	store, _ := mustNewStore(t)
	owner := mustCreateUser(t, store, "u1", false)
	svc := NewTaskService(store, nil)

	_, err := svc.Fail(context.Background(), owner, "missing")
	var txErr *backend.TransactionError
	if !errors.As(err, &txErr) {
		t.Fatalf("error = %v, want TransactionError", err)
	}
	if !backend.IsNotFound(err) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}

// TestRescheduleAndDeactivate verifies schedule switching and soft delete
func TestRescheduleAndDeactivate(t *testing.T) {
	store, _ := mustNewStore(t)
	ctx := context.Background()
	owner := mustCreateUser(t, store, "u1", false)
	svc := NewTaskService(store, nil)

	task, err := svc.Create(ctx, owner, TaskInput{Title: "Dentist"})
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	moved, err := svc.Reschedule(ctx, owner, task.ID, date(2026, 4, 1), "14:30")
	if err != nil {
		t.Fatalf("Reschedule() error: %v", err)
	}
	if moved.Schedule != backend.ScheduleOnce || moved.DueTime != "14:30" || moved.DueDate.Format(backend.DateLayout) != "2026-04-01" {
		t.Errorf("rescheduled = %+v", moved)
	}

	cleared, err := svc.Reschedule(ctx, owner, task.ID, nil, "")
	if err != nil {
		t.Fatalf("Reschedule(nil) error: %v", err)
	}
	if cleared.Schedule != backend.ScheduleUnscheduled || cleared.DueDate != nil {
		t.Errorf("unscheduled = %+v", cleared)
	}

	gone, err := svc.Deactivate(ctx, owner, task.ID)
	if err != nil {
		t.Fatalf("Deactivate() error: %v", err)
	}
	if gone.Active {
		t.Error("Deactivate should clear active")
	}
	if _, err := svc.Get(ctx, owner, task.ID); err != nil {
		t.Errorf("deactivated task should still exist: %v", err)
	}

	ops := mustListOutbox(t, store, *owner)
	last := ops[len(ops)-1]
	var p backend.TaskPayload
	_ = json.Unmarshal(last.Payload, &p)
	if last.Op != backend.OpUpdate || p.Active {
		t.Errorf("deactivate op = %s active=%v, want update with active=false", last.Op, p.Active)
	}
}

// TestUpdateTask verifies partial updates, space moves and added tags
func TestUpdateTask(t *testing.T) {
	store, _ := mustNewStore(t)
	ctx := context.Background()
	svc := NewTaskService(store, nil)

	task, err := svc.Create(ctx, nil, TaskInput{Title: "Read", SpaceName: "Home", Tags: []string{"books"}})
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	title := "Read a chapter"
	noSpace := ""
	updated, err := svc.Update(ctx, nil, task.ID, TaskUpdate{Title: &title, SpaceName: &noSpace, AddTags: []string{"evening"}})
	if err != nil {
		t.Fatalf("Update() error: %v", err)
	}
	if updated.Title != title || updated.SpaceID != nil {
		t.Errorf("updated = %+v", updated)
	}
	tags, err := svc.Tags(ctx, task.ID)
	if err != nil || len(tags) != 2 {
		t.Errorf("tags = %v, %v", tags, err)
	}

	blank := ""
	if _, err := svc.Update(ctx, nil, task.ID, TaskUpdate{Title: &blank}); err == nil {
		t.Error("blank title update should fail")
	}
}

// TestDueAndCounts verifies the due list and the aggregate counts
func TestDueAndCounts(t *testing.T) {
	store, _ := mustNewStore(t)
	ctx := context.Background()
	svc := NewTaskService(store, nil)
	today := time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)

	overdue, _ := svc.Create(ctx, nil, TaskInput{Title: "Overdue", DueDate: date(2026, 3, 8), SpaceName: "Work"})
	_, _ = svc.Create(ctx, nil, TaskInput{Title: "Today", DueDate: date(2026, 3, 10), DueTime: "09:00"})
	_, _ = svc.Create(ctx, nil, TaskInput{Title: "Later", DueDate: date(2026, 3, 20)})
	done, _ := svc.Create(ctx, nil, TaskInput{Title: "Done", DueDate: date(2026, 3, 9)})
	if _, err := svc.Complete(ctx, nil, done.ID, nil); err != nil {
		t.Fatalf("Complete() error: %v", err)
	}

	due, err := svc.Due(ctx, nil, today)
	if err != nil {
		t.Fatalf("Due() error: %v", err)
	}
	if len(due) != 2 || due[0].ID != overdue.ID || due[1].Title != "Today" {
		t.Errorf("due = %v", due)
	}

	counts, err := svc.Counts(ctx, nil, today)
	if err != nil {
		t.Fatalf("Counts() error: %v", err)
	}
	if counts.Overdue != 1 {
		t.Errorf("overdue = %d, want 1", counts.Overdue)
	}
	if counts.ByStatus[backend.StatusIncomplete] != 3 || counts.ByStatus[backend.StatusComplete] != 1 {
		t.Errorf("by status = %v", counts.ByStatus)
	}
	if counts.BySpace[*overdue.SpaceID] != 1 || counts.BySpace[""] != 3 {
		t.Errorf("by space = %v", counts.BySpace)
	}

	agenda, err := svc.Agenda(ctx, nil, today, today.AddDate(0, 0, 14))
	if err != nil || len(agenda) != 2 || agenda[1].Title != "Later" {
		t.Errorf("agenda = %v, %v", agenda, err)
	}

	list, err := svc.List(ctx, nil, sqlite.TaskFilter{Status: backend.StatusComplete})
	if err != nil || len(list) != 1 {
		t.Errorf("List(complete) = %v, %v", list, err)
	}
}

func TestCompleteRejectsScoreBeforeTransaction(t *testing.T) {
	store, _ := mustNewStore(t)
	svc := NewTaskService(store, nil)
	bad := -1
	_, err := svc.Complete(context.Background(), nil, "any", &bad)
	var ews *utils.ErrorWithSuggestion
	if !errors.As(err, &ews) {
		t.Errorf("error = %v, want a suggestion error", err)
	}
}
