package syncengine

import (
	"context"
	"encoding/json"
	"fmt"

	"habitkeep/backend"
	"habitkeep/backend/remote"
	"habitkeep/backend/sqlite"
	"habitkeep/internal/utils"
)

// changeBatch is a change feed page converted to local rows
type changeBatch struct {
	spaces        []backend.Space
	templates     []backend.RepetitiveTaskTemplate
	tasks         []backend.Task
	deletedSpaces []string
}

// pull merges remote changes after the stored watermark. Rows are merged with
// last-writer-wins and the watermark advances in the same transaction.
func (e *Engine) pull(ctx context.Context, userID string) (int, error) {
	owner := &userID
	since, err := e.store.Settings().LastChangeID(ctx, owner)
	if err != nil {
		return 0, err
	}
	set, err := e.remote.FetchChanges(ctx, since)
	if err != nil {
		return 0, err
	}
	if len(set.Changes) == 0 && set.Next == since {
		return 0, nil
	}

	batch := convertChanges(set.Changes, owner)
	merged := 0
	err = e.store.WithTx(ctx, func(tx *sqlite.Tx) error {
		spaces, err := withoutNameClashes(ctx, tx, owner, batch.spaces)
		if err != nil {
			return err
		}
		n, err := tx.Spaces().UpsertMany(ctx, spaces)
		if err != nil {
			return err
		}
		merged += n

		for i := range batch.templates {
			if err := dropMissingSpace(ctx, tx, owner, &batch.templates[i].SpaceID); err != nil {
				return err
			}
		}
		if n, err = tx.Templates().UpsertMany(ctx, batch.templates); err != nil {
			return err
		}
		merged += n

		for i := range batch.tasks {
			t := &batch.tasks[i]
			if err := dropMissingSpace(ctx, tx, owner, &t.SpaceID); err != nil {
				return err
			}
			if t.TemplateID != nil {
				_, err := tx.Templates().GetByID(ctx, owner, *t.TemplateID)
				if backend.IsNotFound(err) {
					t.TemplateID = nil
				} else if err != nil {
					return err
				}
			}
		}
		tasks, err := withoutGeneratedClashes(ctx, tx, batch.tasks)
		if err != nil {
			return err
		}
		if n, err = tx.Tasks().UpsertMany(ctx, tasks); err != nil {
			return err
		}
		merged += n

		for _, id := range batch.deletedSpaces {
			err := tx.Spaces().Delete(ctx, owner, id)
			if err != nil && !backend.IsNotFound(err) {
				return err
			}
			if err == nil {
				merged++
			}
		}
		return tx.Settings().SetLastChangeID(ctx, owner, set.Next)
	})
	if err != nil {
		return 0, &backend.TransactionError{Op: "merge remote changes", Err: err}
	}

	utils.GetLogger().Debug("pulled remote changes", "changes", len(set.Changes), "merged", merged, "watermark", set.Next)
	return merged, nil
}

// withoutNameClashes drops incoming spaces whose name is already used by a
// different local space; space names are unique per owner.
func withoutNameClashes(ctx context.Context, tx *sqlite.Tx, owner *string, spaces []backend.Space) ([]backend.Space, error) {
	kept := spaces[:0]
	for _, sp := range spaces {
		local, err := tx.Spaces().GetByName(ctx, owner, sp.Name)
		switch {
		case backend.IsNotFound(err):
		case err != nil:
			return nil, err
		case local.ID != sp.ID:
			utils.GetLogger().Warn("skipping remote space with a clashing name", "space_id", sp.ID, "name", sp.Name)
			continue
		}
		kept = append(kept, sp)
	}
	return kept, nil
}

// withoutGeneratedClashes drops incoming generated tasks whose template and
// day already belong to a different task, locally or earlier in the batch.
// A store holds one generated task per template and day.
func withoutGeneratedClashes(ctx context.Context, tx *sqlite.Tx, tasks []backend.Task) ([]backend.Task, error) {
	type slot struct{ template, day string }
	seen := map[slot]string{}
	kept := tasks[:0]
	for _, t := range tasks {
		if t.TemplateID == nil || t.DueDate == nil {
			kept = append(kept, t)
			continue
		}
		key := slot{*t.TemplateID, t.DueDate.Format(backend.DateLayout)}
		if id, ok := seen[key]; ok && id != t.ID {
			utils.GetLogger().Warn("skipping duplicate generated task", "task_id", t.ID, "template_id", key.template, "day", key.day)
			continue
		}
		local, err := tx.Tasks().GetGenerated(ctx, key.template, *t.DueDate)
		switch {
		case backend.IsNotFound(err):
		case err != nil:
			return nil, err
		case local.ID != t.ID:
			utils.GetLogger().Warn("skipping remote task generated for a day already covered",
				"task_id", t.ID, "local_id", local.ID, "template_id", key.template, "day", key.day)
			continue
		}
		seen[key] = t.ID
		kept = append(kept, t)
	}
	return kept, nil
}

// dropMissingSpace clears a space reference the local store does not know.
func dropMissingSpace(ctx context.Context, tx *sqlite.Tx, owner *string, spaceID **string) error {
	if *spaceID == nil {
		return nil
	}
	_, err := tx.Spaces().GetByID(ctx, owner, **spaceID)
	if backend.IsNotFound(err) {
		*spaceID = nil
		return nil
	}
	return err
}

// convertChanges decodes each change into a local row owned by owner.
// Undecodable changes are logged and skipped so one bad row cannot stall the feed.
func convertChanges(changes []remote.Change, owner *string) changeBatch {
	var b changeBatch
	log := utils.GetLogger()
	for _, ch := range changes {
		if err := b.add(ch, owner); err != nil {
			log.Warn("skipping remote change", "change_id", ch.ID, "entity", ch.Entity, "op", ch.Op, "error", err)
		}
	}
	return b
}

func (b *changeBatch) add(ch remote.Change, owner *string) error {
	if ch.Op == backend.OpDelete {
		var p backend.DeletePayload
		if err := json.Unmarshal(ch.Data, &p); err != nil {
			return err
		}
		// Tasks and templates are deactivated, never deleted.
		if ch.Entity == backend.EntitySpace && p.ID != "" {
			b.deletedSpaces = append(b.deletedSpaces, p.ID)
		}
		return nil
	}
	if !ch.Op.Valid() {
		return fmt.Errorf("%w: unknown operation %q", backend.ErrInvalidPayload, ch.Op)
	}

	switch ch.Entity {
	case backend.EntitySpace:
		var p backend.SpacePayload
		if err := json.Unmarshal(ch.Data, &p); err != nil {
			return err
		}
		sp, err := p.Space(owner)
		if err != nil {
			return err
		}
		b.spaces = append(b.spaces, sp)
	case backend.EntityTemplate:
		var p backend.TemplatePayload
		if err := json.Unmarshal(ch.Data, &p); err != nil {
			return err
		}
		t, err := p.Template(owner)
		if err != nil {
			return err
		}
		b.templates = append(b.templates, t)
	case backend.EntityTask:
		var p backend.TaskPayload
		if err := json.Unmarshal(ch.Data, &p); err != nil {
			return err
		}
		t, err := p.Task(owner)
		if err != nil {
			return err
		}
		b.tasks = append(b.tasks, t)
	default:
		return fmt.Errorf("%w: unknown entity %q", backend.ErrInvalidPayload, ch.Entity)
	}
	return nil
}
