package service

import (
	"context"
	"fmt"

	"habitkeep/backend"
	"habitkeep/backend/sqlite"
	"habitkeep/internal/utils"
)

// DataMigrationService moves data created before sign-in to the signed-in
// user and backfills the outbox.
type DataMigrationService struct {
	base
}

// NewDataMigrationService creates a DataMigrationService over store.
func NewDataMigrationService(store *sqlite.Store, trigger Trigger) *DataMigrationService {
	return &DataMigrationService{base: newBase(store, trigger)}
}

// AssignResult counts the rows given to the user
type AssignResult struct {
	Tasks     int
	Spaces    int
	Templates int
	Tags      int
	// MergedSpaces counts anonymous spaces folded into an owned space of the
	// same name. MergedTags does the same for tags.
	MergedSpaces int
	MergedTags   int

	adopted map[string]bool // ids of the re-owned spaces, templates and tasks
}

// Total returns the number of re-owned syncable rows.
func (r AssignResult) Total() int {
	return r.Tasks + r.Spaces + r.Templates
}

// HasAnonymousData reports whether any task, space or template has no owner.
func (s *DataMigrationService) HasAnonymousData(ctx context.Context) (bool, error) {
	return s.store.Outbox().HasAnonymousData(ctx)
}

// AssignAnonymousDataToUser gives every anonymous row to userID in one
// transaction. Nothing is enqueued; see QueueAllDataForSync.
func (s *DataMigrationService) AssignAnonymousDataToUser(ctx context.Context, userID string) (AssignResult, error) {
	var res AssignResult
	if userID == "" {
		return res, fmt.Errorf("user id is required")
	}

	err := s.store.WithTx(ctx, func(tx *sqlite.Tx) error {
		collisions, err := tx.Spaces().AnonymousCollisions(ctx, userID)
		if err != nil {
			return err
		}
		for _, c := range collisions {
			if err := tx.Tasks().RepointSpace(ctx, c.AnonymousID, c.OwnedID); err != nil {
				return err
			}
			if err := tx.Templates().RepointSpace(ctx, c.AnonymousID, c.OwnedID); err != nil {
				return err
			}
			if err := tx.Spaces().Delete(ctx, nil, c.AnonymousID); err != nil {
				return err
			}
			res.MergedSpaces++
		}

		if res.MergedTags, err = tx.Tags().MergeAnonymous(ctx, userID); err != nil {
			return err
		}
		if res.Tags, err = tx.Tags().ReassignAnonymous(ctx, userID); err != nil {
			return err
		}

		if res.adopted, err = anonymousIDs(ctx, tx); err != nil {
			return err
		}
		if res.Spaces, err = tx.Spaces().ReassignAnonymous(ctx, userID); err != nil {
			return err
		}
		if res.Templates, err = tx.Templates().ReassignAnonymous(ctx, userID); err != nil {
			return err
		}
		res.Tasks, err = tx.Tasks().ReassignAnonymous(ctx, userID)
		return err
	})
	if err != nil {
		return AssignResult{}, &backend.TransactionError{Op: "assign anonymous data", Err: err}
	}

	utils.GetLogger().Info("anonymous data assigned",
		"user_id", userID, "tasks", res.Tasks, "spaces", res.Spaces,
		"templates", res.Templates, "tags", res.Tags, "merged_spaces", res.MergedSpaces, "merged_tags", res.MergedTags)
	return res, nil
}

// anonymousIDs collects the ids of every anonymous space, template and task.
func anonymousIDs(ctx context.Context, tx *sqlite.Tx) (map[string]bool, error) {
	ids := map[string]bool{}
	spaces, err := tx.Spaces().List(ctx, nil)
	if err != nil {
		return nil, err
	}
	for _, sp := range spaces {
		ids[sp.ID] = true
	}
	templates, err := tx.Templates().List(ctx, nil, false)
	if err != nil {
		return nil, err
	}
	for _, t := range templates {
		ids[t.ID] = true
	}
	tasks, err := tx.Tasks().List(ctx, nil, sqlite.TaskFilter{})
	if err != nil {
		return nil, err
	}
	for _, t := range tasks {
		ids[t.ID] = true
	}
	return ids, nil
}

// QueueAllDataForSync enqueues a create for every row userID owns: spaces
// first, then templates, then tasks, so the remote sees parents before
// children. It returns the number of operations enqueued. Use it once, when
// the account's local data has never been uploaded.
func (s *DataMigrationService) QueueAllDataForSync(ctx context.Context, userID string) (int, error) {
	return s.queueOwned(ctx, userID, func(string) bool { return true })
}

// QueueAdoptedForSync enqueues a create for the rows a prior
// AssignAnonymousDataToUser gave to userID, in the same order as
// QueueAllDataForSync. Rows the user already owned are left alone.
func (s *DataMigrationService) QueueAdoptedForSync(ctx context.Context, userID string, assigned AssignResult) (int, error) {
	if len(assigned.adopted) == 0 {
		return 0, nil
	}
	return s.queueOwned(ctx, userID, func(id string) bool { return assigned.adopted[id] })
}

func (s *DataMigrationService) queueOwned(ctx context.Context, userID string, include func(id string) bool) (int, error) {
	if userID == "" {
		return 0, fmt.Errorf("user id is required")
	}
	owner := &userID
	queued := 0

	err := s.mutate(ctx, "queue data for sync", owner, func(tx *sqlite.Tx) error {
		spaces, err := tx.Spaces().ListAllForOwner(ctx, userID)
		if err != nil {
			return err
		}
		for i := range spaces {
			if !include(spaces[i].ID) {
				continue
			}
			if err := enqueue(ctx, tx, owner, backend.OpCreate, backend.NewSpacePayload(&spaces[i])); err != nil {
				return err
			}
			queued++
		}

		templates, err := tx.Templates().ListAllForOwner(ctx, userID)
		if err != nil {
			return err
		}
		for i := range templates {
			if !include(templates[i].ID) {
				continue
			}
			if err := enqueueTemplate(ctx, tx, backend.OpCreate, &templates[i]); err != nil {
				return err
			}
			queued++
		}

		tasks, err := tx.Tasks().ListAllForOwner(ctx, userID)
		if err != nil {
			return err
		}
		for i := range tasks {
			if !include(tasks[i].ID) {
				continue
			}
			if err := enqueueTask(ctx, tx, backend.OpCreate, &tasks[i]); err != nil {
				return err
			}
			queued++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	utils.GetLogger().Info("queued data for sync", "user_id", userID, "operations", queued)
	return queued, nil
}
