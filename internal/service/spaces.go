package service

import (
	"context"
	"fmt"
	"strings"

	"habitkeep/backend"
	"habitkeep/backend/sqlite"
)

// SpaceService manages spaces
type SpaceService struct {
	base
}

// NewSpaceService creates a SpaceService over store. trigger may be nil.
func NewSpaceService(store *sqlite.Store, trigger Trigger) *SpaceService {
	return &SpaceService{base: newBase(store, trigger)}
}

// GetOrCreate returns the space called name, creating it when missing.
// created reports whether a new space was written.
func (s *SpaceService) GetOrCreate(ctx context.Context, owner *string, name string) (sp *backend.Space, created bool, err error) {
	if strings.TrimSpace(name) == "" {
		return nil, false, fmt.Errorf("space name is required")
	}
	// Only a newly created space has anything to sync.
	err = s.store.WithTx(ctx, func(tx *sqlite.Tx) error {
		sp, created, err = spaceByName(ctx, tx, owner, name)
		return err
	})
	if err != nil {
		return nil, false, &backend.TransactionError{Op: "get or create space", Err: err}
	}
	if created && owner != nil {
		s.trigger.Trigger()
	}
	return sp, created, nil
}

// Find returns the space whose name or id is ref.
func (s *SpaceService) Find(ctx context.Context, owner *string, ref string) (*backend.Space, error) {
	sp, err := s.store.Spaces().GetByName(ctx, owner, ref)
	if backend.IsNotFound(err) {
		return s.store.Spaces().GetByID(ctx, owner, ref)
	}
	return sp, err
}

// Rename changes the space's name and enqueues an update.
func (s *SpaceService) Rename(ctx context.Context, owner *string, id, name string) (*backend.Space, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("space name is required")
	}
	var updated *backend.Space
	err := s.mutate(ctx, "rename space", owner, func(tx *sqlite.Tx) error {
		sp, err := tx.Spaces().GetByID(ctx, owner, id)
		if err != nil {
			return err
		}
		sp.Name = name
		updated, err = tx.Spaces().Update(ctx, sp)
		if err != nil {
			return err
		}
		return enqueue(ctx, tx, owner, backend.OpUpdate, backend.NewSpacePayload(updated))
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// Delete removes the space and enqueues a delete. Its tasks and templates
// stay, without a space.
func (s *SpaceService) Delete(ctx context.Context, owner *string, id string) error {
	return s.mutate(ctx, "delete space", owner, func(tx *sqlite.Tx) error {
		if err := tx.Spaces().Delete(ctx, owner, id); err != nil {
			return err
		}
		return enqueue(ctx, tx, owner, backend.OpDelete, backend.DeletePayload{Kind: backend.EntitySpace, ID: id})
	})
}

// List returns the owner's spaces, newest first.
func (s *SpaceService) List(ctx context.Context, owner *string) ([]backend.Space, error) {
	return s.store.Spaces().List(ctx, owner)
}
