package cmd

import (
	"context"
	"fmt"
	"time"

	"habitkeep/backend/remote"
	"habitkeep/backend/sqlite"
	"habitkeep/internal/config"
	"habitkeep/internal/credentials"
	"habitkeep/internal/ratelimit"
	"habitkeep/internal/service"
	"habitkeep/internal/syncengine"
	"habitkeep/internal/utils"
)

// app is the wired object graph one command runs against
type app struct {
	cfg       *config.Config
	store     *sqlite.Store
	tokens    *credentials.Manager
	session   *service.SessionService
	migration *service.DataMigrationService
	tasks     *service.TaskService
	spaces    *service.SpaceService
	templates *service.TemplateService
	client    *remote.Client     // nil when sync is disabled
	engine    *syncengine.Engine // nil when sync is disabled
	now       func() time.Time
}

// openApp loads the configuration, opens the store and wires the services.
// The remote client and sync engine exist only when sync is enabled.
func openApp(cfg *Config) (*app, error) {
	appCfg, err := config.Load(cfg.ConfigPath)
	if err != nil {
		return nil, err
	}
	appCfg.ApplyFlags(cfg.NoPrompt, cfg.Verbose, cfg.DBPath)
	if err := appCfg.Validate(); err != nil {
		return nil, err
	}
	cfg.NoPrompt = appCfg.NoPrompt
	utils.SetVerboseMode(appCfg.Logging.Verbose)

	store, err := sqlite.New(appCfg.GetDatabasePath())
	if err != nil {
		return nil, err
	}

	opts := []credentials.ManagerOption{
		credentials.WithSignOutHook(func() {
			utils.GetLogger().Warn("session rejected by the server, signed out")
		}),
	}
	if cfg.Keyring != nil {
		opts = append(opts, credentials.WithKeyring(cfg.Keyring))
	}

	a := &app{
		cfg:    appCfg,
		store:  store,
		tokens: credentials.NewManager(opts...),
		now:    time.Now,
	}
	if cfg.Now != nil {
		a.now = cfg.Now
	}

	// The engine needs the session and the session's migration service
	// needs the engine, so services trigger through the app.
	trigger := service.TriggerFunc(func() {
		if a.engine != nil {
			a.engine.Trigger()
		}
	})
	a.migration = service.NewDataMigrationService(store, trigger)
	a.session = service.NewSessionService(store, a.tokens, a.migration)
	a.tasks = service.NewTaskService(store, trigger)
	a.spaces = service.NewSpaceService(store, trigger)
	a.templates = service.NewTemplateService(store, trigger)

	if appCfg.IsSyncEnabled() {
		if err := a.enableSync(); err != nil {
			_ = store.Close()
			return nil, err
		}
	}
	return a, nil
}

func (a *app) enableSync() error {
	retries := a.cfg.GetMaxRetries()
	if retries == 0 {
		retries = -1
	}
	client, err := remote.New(remote.Config{
		BaseURL:    a.cfg.Remote.BaseURL,
		Timeout:    a.cfg.GetRemoteTimeout(),
		MaxRetries: retries,
		Stats:      ratelimit.NewStats(),
	}, a.tokens)
	if err != nil {
		return fmt.Errorf("failed to create remote client: %w", err)
	}
	a.tokens.SetRefresher(client.RefreshToken)

	a.client = client
	a.engine = syncengine.New(a.store, client, a.session, syncengine.Config{
		MaxAttempts: a.cfg.GetMaxAttempts(),
		Backoff: ratelimit.Policy{
			BaseDelay:    a.cfg.GetBackoffBase(),
			MaxDelay:     a.cfg.GetBackoffMax(),
			EnableJitter: true,
		},
		Pull: a.cfg.IsPullEnabled(),
	})
	return nil
}

// close waits for background sync cycles started by this command, then
// closes the store.
func (a *app) close() {
	if a.engine != nil {
		a.engine.Wait()
	}
	if err := a.store.Close(); err != nil {
		utils.GetLogger().Warn("failed to close database", "error", err)
	}
}

// owner returns the current owner scope
func (a *app) owner(ctx context.Context) (*string, error) {
	return a.session.Owner(ctx)
}

// today returns the local calendar day as a midnight UTC date
func (a *app) today() time.Time {
	now := a.now()
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
}

// withApp opens the app, runs fn and closes it
func withApp(cfg *Config, fn func(ctx context.Context, a *app) error) error {
	a, err := openApp(cfg)
	if err != nil {
		return err
	}
	defer a.close()
	return fn(context.Background(), a)
}

// withOwner is withApp plus the owner scope
func withOwner(cfg *Config, fn func(ctx context.Context, a *app, owner *string) error) error {
	return withApp(cfg, func(ctx context.Context, a *app) error {
		owner, err := a.owner(ctx)
		if err != nil {
			return err
		}
		return fn(ctx, a, owner)
	})
}
