package cmd

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"habitkeep/backend/sqlite"
	"habitkeep/internal/daemon"
	"habitkeep/internal/shutdown"
	"habitkeep/internal/utils"
)

// shutdownTimeout bounds how long cleanups may run after a signal
const shutdownTimeout = 10 * time.Second

// newDaemonCmd creates the 'daemon' subcommand
func newDaemonCmd(stdout, stderr io.Writer, cfg *Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Sync in the foreground on a schedule",
		Long: "Run sync cycles on the sync.interval schedule until interrupted. Repeated failures " +
			"pause wake-ups for sync.circuit_cooldown. Logs go to logging.file.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cfg)
			if err != nil {
				return err
			}
			if a.engine == nil {
				a.close()
				return utils.ErrSyncNotEnabled()
			}

			mgr := shutdown.NewManager()
			mgr.NotifyOnSignal()
			return runDaemon(mgr, a, stdout, stderr)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	return cmd
}

// runDaemon runs the scheduler until mgr shuts down, then runs cleanups
func runDaemon(mgr *shutdown.Manager, a *app, stdout, stderr io.Writer) error {
	mgr.RegisterCleanup("database", func(ctx context.Context) error {
		return a.store.Close()
	})

	logFile, err := utils.NewBackgroundLogger(a.cfg.Logging.File, a.cfg.Logging.Verbose)
	if err != nil {
		_ = a.store.Close()
		return err
	}
	logger := utils.GetLogger()
	logger.SetOutput(logFile.Writer())
	mgr.RegisterCleanup("log file", func(ctx context.Context) error {
		logger.SetOutput(stderr)
		return logFile.Close()
	})

	d, err := daemon.New(daemon.Config{
		Schedule:         a.cfg.GetSyncSchedule(),
		RunOnStart:       true,
		CircuitThreshold: a.cfg.GetCircuitThreshold(),
		CircuitCooldown:  a.cfg.GetCircuitCooldown(),
	}, a.engine)
	if err != nil {
		mgr.Shutdown()
		_ = mgr.Wait(context.Background())
		return err
	}
	mgr.RegisterCleanup("sync", func(ctx context.Context) error {
		a.engine.Wait()
		return nil
	})

	_, _ = fmt.Fprintf(stdout, "Syncing %s (logs: %s). Press Ctrl+C to stop.\n", a.cfg.GetSyncSchedule(), logFile.GetLogPath())
	logger.Info("daemon starting", "schedule", a.cfg.GetSyncSchedule(), "database", a.store.Path(), "schema", sqlite.LatestVersion())

	if err := d.Run(mgr.Context()); err != nil {
		logger.Error("daemon stopped", "error", err)
	}
	st := d.Status()
	logger.Info("daemon stopped", "runs", st.Runs, "skipped", st.Skipped, "last_error", st.LastError,
		"rate_limited", a.client.Stats().RateLimitCount())

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := mgr.Wait(ctx); err != nil {
		return fmt.Errorf("shutdown did not finish: %w", err)
	}
	_, _ = fmt.Fprintf(stdout, "Stopped after %d sync run(s)\n", st.Runs)
	return nil
}
