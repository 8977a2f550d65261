package service

import (
	"context"
	"errors"
	"fmt"

	"habitkeep/backend"
	"habitkeep/backend/sqlite"
	"habitkeep/internal/credentials"
	"habitkeep/internal/utils"
)

// TokenStore persists the session tokens
type TokenStore interface {
	Save(ctx context.Context, tokens credentials.Tokens) error
	Load(ctx context.Context) (credentials.Tokens, error)
	Clear(ctx context.Context) error
}

// SessionService signs users in and out
type SessionService struct {
	store     *sqlite.Store
	tokens    TokenStore
	migration *DataMigrationService
}

// NewSessionService creates a SessionService.
func NewSessionService(store *sqlite.Store, tokens TokenStore, migration *DataMigrationService) *SessionService {
	return &SessionService{store: store, tokens: tokens, migration: migration}
}

// LoginResult reports what signing in did
type LoginResult struct {
	User     *backend.User
	Assigned AssignResult
	Queued   int
}

// Login records the user, stores the tokens and adopts anonymous data.
// The first premium sign-in queues the account's whole local data set; later
// ones queue only the rows adopted now, since the rest was queued before.
func (s *SessionService) Login(ctx context.Context, user backend.User, tokens credentials.Tokens) (*LoginResult, error) {
	if user.ID == "" {
		return nil, fmt.Errorf("user id is required")
	}
	tokens.UserID = user.ID

	prev, err := s.store.Users().GetByID(ctx, user.ID)
	if err != nil && !backend.IsNotFound(err) {
		return nil, err
	}
	wasPremium := prev != nil && prev.Premium

	saved, err := s.store.Users().Upsert(ctx, &user)
	if err != nil {
		return nil, err
	}
	if err := s.tokens.Save(ctx, tokens); err != nil {
		return nil, err
	}
	res := &LoginResult{User: saved}

	anonymous, err := s.migration.HasAnonymousData(ctx)
	if err != nil {
		return res, err
	}
	if anonymous {
		if res.Assigned, err = s.migration.AssignAnonymousDataToUser(ctx, user.ID); err != nil {
			return res, err
		}
	}
	switch {
	case saved.Premium && !wasPremium:
		res.Queued, err = s.migration.QueueAllDataForSync(ctx, user.ID)
	case saved.Premium:
		res.Queued, err = s.migration.QueueAdoptedForSync(ctx, user.ID, res.Assigned)
	}
	if err != nil {
		return res, err
	}

	utils.GetLogger().Info("signed in", "user_id", user.ID, "premium", saved.Premium)
	return res, nil
}

// Logout drops the stored tokens. Local data and queued operations stay.
func (s *SessionService) Logout(ctx context.Context) error {
	return s.tokens.Clear(ctx)
}

// UserID returns the signed-in user's id, or "" when signed out.
func (s *SessionService) UserID(ctx context.Context) (string, error) {
	tokens, err := s.tokens.Load(ctx)
	if errors.Is(err, credentials.ErrSignedOut) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return tokens.UserID, nil
}

// Owner returns the owner scope for the current session: the signed-in
// user, or nil for anonymous use.
func (s *SessionService) Owner(ctx context.Context) (*string, error) {
	id, err := s.UserID(ctx)
	if err != nil {
		return nil, err
	}
	return backend.Owner(id), nil
}

// CurrentUser returns the signed-in user's local record.
func (s *SessionService) CurrentUser(ctx context.Context) (*backend.User, error) {
	id, err := s.UserID(ctx)
	if err != nil {
		return nil, err
	}
	if id == "" {
		return nil, utils.ErrNotSignedIn()
	}
	return s.store.Users().GetByID(ctx, id)
}
