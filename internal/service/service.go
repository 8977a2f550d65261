// Package service implements the entity services. Every mutation writes the
// local row and, for signed-in owners, its outbox snapshot in one
// transaction, then nudges the sync engine.
package service

import (
	"context"
	"strings"

	"habitkeep/backend"
	"habitkeep/backend/sqlite"
)

// Trigger starts a sync cycle in the background. Implementations must return
// immediately and never report errors to the caller.
type Trigger interface {
	Trigger()
}

// TriggerFunc adapts a function to Trigger.
type TriggerFunc func()

// Trigger calls f.
func (f TriggerFunc) Trigger() { f() }

type noopTrigger struct{}

func (noopTrigger) Trigger() {}

// base holds what every service shares
type base struct {
	store   *sqlite.Store
	trigger Trigger
}

func newBase(store *sqlite.Store, trigger Trigger) base {
	if trigger == nil {
		trigger = noopTrigger{}
	}
	return base{store: store, trigger: trigger}
}

// mutate runs fn in one transaction. A failure rolls back every write fn made
// and is returned as a *backend.TransactionError. After a commit for a
// signed-in owner the sync engine is triggered.
func (b base) mutate(ctx context.Context, op string, owner *string, fn func(tx *sqlite.Tx) error) error {
	if err := b.store.WithTx(ctx, fn); err != nil {
		return &backend.TransactionError{Op: op, Err: err}
	}
	if owner != nil {
		b.trigger.Trigger()
	}
	return nil
}

// enqueue records p in the outbox. Anonymous writes stay local.
func enqueue(ctx context.Context, tx *sqlite.Tx, owner *string, op backend.OpKind, p backend.Payload) error {
	if owner == nil {
		return nil
	}
	pending, err := backend.NewPendingOperation(*owner, op, p)
	if err != nil {
		return err
	}
	_, err = tx.Outbox().Enqueue(ctx, pending)
	return err
}

// spaceByName returns the owner's space called name, creating and enqueueing
// it when missing. An empty name means no space.
func spaceByName(ctx context.Context, tx *sqlite.Tx, owner *string, name string) (*backend.Space, bool, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, false, nil
	}
	sp, err := tx.Spaces().GetByName(ctx, owner, name)
	if err == nil {
		return sp, false, nil
	}
	if !backend.IsNotFound(err) {
		return nil, false, err
	}

	sp, err = tx.Spaces().Create(ctx, &backend.Space{Name: name, OwnerID: owner})
	if err != nil {
		return nil, false, err
	}
	if err := enqueue(ctx, tx, owner, backend.OpCreate, backend.NewSpacePayload(sp)); err != nil {
		return nil, false, err
	}
	return sp, true, nil
}

// spaceName returns the name of an optional space, or "" when it is unset or gone.
func spaceName(ctx context.Context, tx *sqlite.Tx, owner *string, id *string) (string, error) {
	if id == nil {
		return "", nil
	}
	sp, err := tx.Spaces().GetByID(ctx, owner, *id)
	if backend.IsNotFound(err) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return sp.Name, nil
}

// taskSnapshot builds the outbox payload for t with its denormalized fields.
func taskSnapshot(ctx context.Context, tx *sqlite.Tx, t *backend.Task) (backend.TaskPayload, error) {
	space, err := spaceName(ctx, tx, t.OwnerID, t.SpaceID)
	if err != nil {
		return backend.TaskPayload{}, err
	}
	var templateTitle string
	if t.TemplateID != nil {
		tmpl, err := tx.Templates().GetByID(ctx, t.OwnerID, *t.TemplateID)
		switch {
		case err == nil:
			templateTitle = tmpl.Title
		case !backend.IsNotFound(err):
			return backend.TaskPayload{}, err
		}
	}
	tags, err := tx.Tags().TagsForTask(ctx, t.ID)
	if err != nil {
		return backend.TaskPayload{}, err
	}
	return backend.NewTaskPayload(t, space, templateTitle, tags), nil
}

// templateSnapshot builds the outbox payload for t.
func templateSnapshot(ctx context.Context, tx *sqlite.Tx, t *backend.RepetitiveTaskTemplate) (backend.TemplatePayload, error) {
	space, err := spaceName(ctx, tx, t.OwnerID, t.SpaceID)
	if err != nil {
		return backend.TemplatePayload{}, err
	}
	return backend.NewTemplatePayload(t, space), nil
}

// enqueueTask snapshots t and records op for it.
func enqueueTask(ctx context.Context, tx *sqlite.Tx, op backend.OpKind, t *backend.Task) error {
	if t.OwnerID == nil {
		return nil
	}
	p, err := taskSnapshot(ctx, tx, t)
	if err != nil {
		return err
	}
	return enqueue(ctx, tx, t.OwnerID, op, p)
}

// enqueueTemplate snapshots t and records op for it.
func enqueueTemplate(ctx context.Context, tx *sqlite.Tx, op backend.OpKind, t *backend.RepetitiveTaskTemplate) error {
	if t.OwnerID == nil {
		return nil
	}
	p, err := templateSnapshot(ctx, tx, t)
	if err != nil {
		return err
	}
	return enqueue(ctx, tx, t.OwnerID, op, p)
}

// attachTaskTags links each non-empty tag name to the task.
func attachTaskTags(ctx context.Context, tx *sqlite.Tx, owner *string, taskID string, tags []string) error {
	for _, name := range tags {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		tag, err := tx.Tags().GetOrCreate(ctx, owner, name)
		if err != nil {
			return err
		}
		if err := tx.Tags().AttachToTask(ctx, taskID, tag.ID); err != nil {
			return err
		}
	}
	return nil
}

func attachTemplateTags(ctx context.Context, tx *sqlite.Tx, owner *string, templateID string, tags []string) error {
	for _, name := range tags {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		tag, err := tx.Tags().GetOrCreate(ctx, owner, name)
		if err != nil {
			return err
		}
		if err := tx.Tags().AttachToTemplate(ctx, templateID, tag.ID); err != nil {
			return err
		}
	}
	return nil
}
