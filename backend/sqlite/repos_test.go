package sqlite

import (
	"testing"
	"time"

	"habitkeep/backend"
)

// TestSpaceNamesUniquePerOwner verifies case-insensitive uniqueness within one owner scope.
func TestSpaceNamesUniquePerOwner(t *testing.T) {
	s, _, ctx := mustNewStore(t)
	u1 := mustCreateUser(t, s, ctx, "u1")

	mustCreateSpace(t, s, ctx, nil, "Work")
	if _, err := s.Spaces().Create(ctx, &backend.Space{Name: "work"}); err == nil {
		t.Error("duplicate anonymous space name accepted")
	}
	// same name under another owner is fine
	mustCreateSpace(t, s, ctx, u1, "Work")

	got, err := s.Spaces().GetByName(ctx, u1, "WORK")
	if err != nil {
		t.Fatalf("GetByName error: %v", err)
	}
	if got.OwnerID == nil || *got.OwnerID != "u1" {
		t.Errorf("GetByName returned space of owner %v", got.OwnerID)
	}
}

// TestSpaceRenameAndCollisions verifies rename and anonymous collision detection.
func TestSpaceRenameAndCollisions(t *testing.T) {
	s, clock, ctx := mustNewStore(t)
	u1 := mustCreateUser(t, s, ctx, "u1")

	anon := mustCreateSpace(t, s, ctx, nil, "Health")
	owned := mustCreateSpace(t, s, ctx, u1, "health")
	mustCreateSpace(t, s, ctx, nil, "Garden")

	collisions, err := s.Spaces().AnonymousCollisions(ctx, *u1)
	if err != nil {
		t.Fatalf("AnonymousCollisions error: %v", err)
	}
	if len(collisions) != 1 || collisions[0].AnonymousID != anon.ID || collisions[0].OwnedID != owned.ID {
		t.Errorf("AnonymousCollisions = %+v", collisions)
	}

	clock.Advance(time.Minute)
	anon.Name = "Fitness"
	renamed, err := s.Spaces().Update(ctx, anon)
	if err != nil {
		t.Fatalf("Update error: %v", err)
	}
	if renamed.Name != "Fitness" || !renamed.Modified.After(renamed.Created) {
		t.Errorf("renamed = %+v", renamed)
	}
	if n, _ := s.Spaces().CountAnonymous(ctx); n != 2 {
		t.Errorf("CountAnonymous = %d, want 2", n)
	}
}

// TestTemplateRoundTrip verifies weekday encoding and the generation watermark.
func TestTemplateRoundTrip(t *testing.T) {
	s, clock, ctx := mustNewStore(t)

	tmpl, err := s.Templates().Create(ctx, &backend.RepetitiveTaskTemplate{
		Title:     "Gym",
		Schedule:  backend.ScheduleSpecificDays,
		Weekdays:  []time.Weekday{time.Monday, time.Thursday},
		TimeOfDay: "18:00",
		Scored:    true,
	})
	if err != nil {
		t.Fatalf("Create template error: %v", err)
	}

	got, err := s.Templates().GetByID(ctx, nil, tmpl.ID)
	if err != nil {
		t.Fatalf("GetByID error: %v", err)
	}
	if len(got.Weekdays) != 2 || got.Weekdays[0] != time.Monday || got.Weekdays[1] != time.Thursday {
		t.Errorf("Weekdays = %v", got.Weekdays)
	}
	if !got.Active || !got.Scored || got.LastGeneratedDate != nil {
		t.Errorf("template = %+v", got)
	}

	clock.Advance(time.Hour)
	if err := s.Templates().SetLastGeneratedDate(ctx, tmpl.ID, *date(2026, 3, 9)); err != nil {
		t.Fatalf("SetLastGeneratedDate error: %v", err)
	}
	got, _ = s.Templates().GetByID(ctx, nil, tmpl.ID)
	if got.LastGeneratedDate == nil || got.LastGeneratedDate.Format(backend.DateLayout) != "2026-03-09" {
		t.Errorf("LastGeneratedDate = %v", got.LastGeneratedDate)
	}
	if !got.Modified.Equal(tmpl.Modified) {
		t.Error("watermark update changed modified_at")
	}

	stopped, err := s.Templates().SetActive(ctx, nil, tmpl.ID, false)
	if err != nil {
		t.Fatalf("SetActive error: %v", err)
	}
	if stopped.Active {
		t.Error("template still active")
	}
	if n, _ := s.Templates().Count(ctx, nil, true); n != 0 {
		t.Errorf("Count(activeOnly) = %d, want 0", n)
	}
}

// TestTemplateUpsertKeepsLaterWatermark verifies merges never move the watermark back.
func TestTemplateUpsertKeepsLaterWatermark(t *testing.T) {
	s, _, ctx := mustNewStore(t)
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	local := backend.RepetitiveTaskTemplate{
		ID: "tmpl-1", Title: "Read", Schedule: backend.ScheduleDaily, Active: true,
		LastGeneratedDate: date(2026, 3, 9), Created: t0, Modified: t0,
	}
	if _, err := s.Templates().UpsertMany(ctx, []backend.RepetitiveTaskTemplate{local}); err != nil {
		t.Fatalf("UpsertMany error: %v", err)
	}

	remote := local
	remote.Title = "Read more"
	remote.LastGeneratedDate = date(2026, 3, 1)
	remote.Modified = t0.Add(time.Hour)
	if _, err := s.Templates().UpsertMany(ctx, []backend.RepetitiveTaskTemplate{remote}); err != nil {
		t.Fatalf("UpsertMany error: %v", err)
	}

	got, _ := s.Templates().GetByID(ctx, nil, "tmpl-1")
	if got.Title != "Read more" {
		t.Errorf("Title = %q, want remote title", got.Title)
	}
	if got.LastGeneratedDate.Format(backend.DateLayout) != "2026-03-09" {
		t.Errorf("LastGeneratedDate = %v, want 2026-03-09", got.LastGeneratedDate)
	}
}

// TestTagsAttach verifies GetOrCreate reuses tags and attachment is idempotent.
func TestTagsAttach(t *testing.T) {
	s, _, ctx := mustNewStore(t)
	task := mustCreateTask(t, s, ctx, &backend.Task{Title: "Call mom"})

	first, err := s.Tags().GetOrCreate(ctx, nil, "family")
	if err != nil {
		t.Fatalf("GetOrCreate error: %v", err)
	}
	again, err := s.Tags().GetOrCreate(ctx, nil, "Family")
	if err != nil {
		t.Fatalf("GetOrCreate error: %v", err)
	}
	if again.ID != first.ID {
		t.Errorf("GetOrCreate created a second tag %q", again.ID)
	}
	other, _ := s.Tags().GetOrCreate(ctx, nil, "calls")

	for _, id := range []string{first.ID, first.ID, other.ID} {
		if err := s.Tags().AttachToTask(ctx, task.ID, id); err != nil {
			t.Fatalf("AttachToTask error: %v", err)
		}
	}
	names, err := s.Tags().TagsForTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("TagsForTask error: %v", err)
	}
	if len(names) != 2 || names[0] != "calls" || names[1] != "family" {
		t.Errorf("TagsForTask = %v, want [calls family]", names)
	}
}

// TestUsersCurrent verifies Current returns the most recently upserted user.
func TestUsersCurrent(t *testing.T) {
	s, clock, ctx := mustNewStore(t)

	if _, err := s.Users().Current(ctx); !backend.IsNotFound(err) {
		t.Errorf("Current on empty store error = %v, want ErrNotFound", err)
	}

	mustCreateUser(t, s, ctx, "u1")
	clock.Advance(time.Minute)
	mustCreateUser(t, s, ctx, "u2")

	cur, err := s.Users().Current(ctx)
	if err != nil {
		t.Fatalf("Current error: %v", err)
	}
	if cur.ID != "u2" {
		t.Errorf("Current = %q, want u2", cur.ID)
	}

	clock.Advance(time.Minute)
	if _, err := s.Users().Upsert(ctx, &backend.User{ID: "u1", Email: "new@example.com", Premium: true}); err != nil {
		t.Fatalf("Upsert error: %v", err)
	}
	cur, _ = s.Users().Current(ctx)
	if cur.ID != "u1" || !cur.Premium || cur.Email != "new@example.com" {
		t.Errorf("Current after re-upsert = %+v", cur)
	}
}

// TestSettingsScopedByOwner verifies key/value isolation and the typed watermarks.
func TestSettingsScopedByOwner(t *testing.T) {
	s, clock, ctx := mustNewStore(t)
	u1 := mustCreateUser(t, s, ctx, "u1")

	if _, ok, err := s.Settings().Get(ctx, u1, KeyLastChangeID); err != nil || ok {
		t.Errorf("Get on empty = ok %v, err %v", ok, err)
	}

	if err := s.Settings().SetLastChangeID(ctx, u1, 41); err != nil {
		t.Fatalf("SetLastChangeID error: %v", err)
	}
	if err := s.Settings().SetLastChangeID(ctx, u1, 42); err != nil {
		t.Fatalf("SetLastChangeID error: %v", err)
	}
	id, err := s.Settings().LastChangeID(ctx, u1)
	if err != nil || id != 42 {
		t.Errorf("LastChangeID = %d, %v; want 42", id, err)
	}
	if anon, _ := s.Settings().LastChangeID(ctx, nil); anon != 0 {
		t.Errorf("anonymous LastChangeID = %d, want 0", anon)
	}

	if err := s.Settings().SetLastSyncAt(ctx, u1, clock.Now()); err != nil {
		t.Fatalf("SetLastSyncAt error: %v", err)
	}
	at, err := s.Settings().LastSyncAt(ctx, u1)
	if err != nil || at == nil || !at.Equal(clock.Now()) {
		t.Errorf("LastSyncAt = %v, %v; want %v", at, err, clock.Now())
	}

	if err := s.Settings().Delete(ctx, u1, KeyLastSyncAt); err != nil {
		t.Fatalf("Delete error: %v", err)
	}
	if at, _ := s.Settings().LastSyncAt(ctx, u1); at != nil {
		t.Errorf("LastSyncAt after delete = %v", at)
	}
}
