package cmd

import (
	"context"
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"
	"habitkeep/backend"
	"habitkeep/internal/syncengine"
	"habitkeep/internal/utils"
)

// newSyncCmd creates the 'sync' subcommand
func newSyncCmd(stdout io.Writer, cfg *Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Upload queued changes now",
		Long:  "Upload queued changes in order, then merge changes made on other devices.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			jsonOutput, _ := cmd.Flags().GetBool("json")
			return withApp(cfg, func(ctx context.Context, a *app) error {
				return doSync(ctx, a, cfg, stdout, jsonOutput)
			})
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.AddCommand(newSyncStatusCmd(stdout, cfg))
	cmd.AddCommand(newSyncQueueCmd(stdout, cfg))
	return cmd
}

// newSyncStatusCmd creates the 'sync status' subcommand
func newSyncStatusCmd(stdout io.Writer, cfg *Config) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show queue depth and the last successful sync",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			jsonOutput, _ := cmd.Flags().GetBool("json")
			return withApp(cfg, func(ctx context.Context, a *app) error {
				return doSyncStatus(ctx, a, cfg, stdout, jsonOutput)
			})
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
}

// newSyncQueueCmd creates the 'sync queue' subcommand
func newSyncQueueCmd(stdout io.Writer, cfg *Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "List queued changes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			statusStr, _ := cmd.Flags().GetString("status")
			jsonOutput, _ := cmd.Flags().GetBool("json")
			status, err := parseOpStatus(statusStr)
			if err != nil {
				return err
			}
			return withApp(cfg, func(ctx context.Context, a *app) error {
				userID, err := requireUser(ctx, a)
				if err != nil {
					return err
				}
				ops, err := a.store.Outbox().List(ctx, userID, status)
				if err != nil {
					return err
				}
				return doSyncQueue(ops, cfg, stdout, jsonOutput)
			})
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.Flags().String("status", "", "Filter by status (pending, processing, failed)")
	cmd.AddCommand(newSyncQueueClearCmd(stdout, cfg))
	cmd.AddCommand(newSyncQueueRetryCmd(stdout, cfg))
	return cmd
}

// newSyncQueueClearCmd creates the 'sync queue clear' subcommand
func newSyncQueueClearCmd(stdout io.Writer, cfg *Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Drop queued changes without uploading them",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			failedOnly, _ := cmd.Flags().GetBool("failed")
			force, _ := cmd.Flags().GetBool("force")
			status := backend.OpStatus("")
			what := "all queued changes"
			if failedOnly {
				status = backend.OpFailed
				what = "failed changes"
			}

			return withApp(cfg, func(ctx context.Context, a *app) error {
				userID, err := requireUser(ctx, a)
				if err != nil {
					return err
				}
				if !force && !cfg.NoPrompt {
					if !utils.PromptYesNo(fmt.Sprintf("Drop %s? They will never reach the server.", what), cfg.stdin(), stdout) {
						_, _ = fmt.Fprintln(stdout, "Cancelled")
						return nil
					}
				}
				n, err := a.store.Outbox().Clear(ctx, userID, status)
				if err != nil {
					return err
				}
				utils.GetLogger().Info("cleared outbox", "count", n, "status", status)
				done(cfg, stdout, ResultActionCompleted, "Cleared %d queued change(s)", n)
				return nil
			})
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.Flags().Bool("failed", false, "Only drop changes marked failed")
	cmd.Flags().BoolP("force", "f", false, "Clear without confirmation")
	return cmd
}

// newSyncQueueRetryCmd creates the 'sync queue retry' subcommand
func newSyncQueueRetryCmd(stdout io.Writer, cfg *Config) *cobra.Command {
	return &cobra.Command{
		Use:   "retry",
		Short: "Queue failed changes for another upload",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cfg, func(ctx context.Context, a *app) error {
				userID, err := requireUser(ctx, a)
				if err != nil {
					return err
				}
				n, err := a.store.Outbox().RetryFailed(ctx, userID)
				if err != nil {
					return err
				}
				if n > 0 && a.engine != nil {
					a.engine.Trigger()
				}
				done(cfg, stdout, ResultActionCompleted, "Requeued %d failed change(s)", n)
				return nil
			})
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
}

// doSync runs one sync cycle in the foreground and reports its outcome
func doSync(ctx context.Context, a *app, cfg *Config, stdout io.Writer, jsonOutput bool) error {
	if a.engine == nil {
		return utils.ErrSyncNotEnabled()
	}

	res, err := a.engine.Run(ctx)
	if err != nil {
		return err
	}

	switch res.Halted {
	case syncengine.HaltSignedOut:
		return utils.ErrNotSignedIn()
	case syncengine.HaltUnauthorized:
		return utils.ErrAuthenticationFailed()
	case syncengine.HaltTransient:
		return utils.ErrRemoteOffline(headError(ctx, a))
	}

	if jsonOutput {
		return outputActionJSON("sync", syncResultJSON{
			Processed:  res.Processed,
			Failed:     res.Failed,
			Retried:    res.Retried,
			Reclaimed:  res.Reclaimed,
			Pulled:     res.Pulled,
			Skipped:    res.Skipped,
			Halted:     string(res.Halted),
			PullFailed: res.PullFailed,
		}, stdout)
	}

	if res.Skipped || res.Halted == syncengine.HaltBusy {
		done(cfg, stdout, ResultInfoOnly, "A sync is already running")
		return nil
	}
	_, _ = fmt.Fprintf(stdout, "Uploaded %d change(s)", res.Processed)
	if res.Failed > 0 {
		_, _ = fmt.Fprintf(stdout, ", %d rejected (see 'habitkeep sync queue --status failed')", res.Failed)
	}
	_, _ = fmt.Fprintln(stdout)
	if res.Pulled > 0 {
		_, _ = fmt.Fprintf(stdout, "Merged %d change(s) from other devices\n", res.Pulled)
	}
	if res.PullFailed {
		_, _ = fmt.Fprintln(stdout, "Could not fetch changes from other devices; will retry next sync")
	}
	if res.Halted == syncengine.HaltBlocked {
		_, _ = fmt.Fprintln(stdout, "Some changes are waiting to retry; run 'habitkeep sync status' for details")
	}
	if cfg.NoPrompt {
		_, _ = fmt.Fprintln(stdout, ResultActionCompleted)
	}
	return nil
}

// headError returns the last error recorded on the head of the queue
func headError(ctx context.Context, a *app) string {
	userID, err := a.session.UserID(ctx)
	if err != nil || userID == "" {
		return "no response"
	}
	ops, err := a.store.Outbox().List(ctx, userID, backend.OpPending)
	if err != nil || len(ops) == 0 || ops[0].LastError == "" {
		return "no response"
	}
	return ops[0].LastError
}

// doSyncStatus displays the sync configuration, queue and last sync time
func doSyncStatus(ctx context.Context, a *app, cfg *Config, stdout io.Writer, jsonOutput bool) error {
	userID, err := a.session.UserID(ctx)
	if err != nil {
		return err
	}

	status := syncStatusJSON{
		Enabled:  a.engine != nil,
		Server:   a.cfg.Remote.BaseURL,
		UserID:   userID,
		Queue:    map[string]int{},
		Schedule: a.cfg.GetSyncSchedule(),
		Result:   ResultInfoOnly,
	}
	var lastSync string
	if userID != "" {
		owner := backend.Owner(userID)
		counts, err := a.store.Outbox().CountByStatus(ctx, userID)
		if err != nil {
			return err
		}
		for s, n := range counts {
			status.Queue[string(s)] = n
		}
		last, err := a.store.Settings().LastSyncAt(ctx, owner)
		if err != nil {
			return err
		}
		lastSync = formatTimestamp(last)
		if last != nil {
			status.LastSync = last.UTC().Format("2006-01-02T15:04:05Z")
		}
		if status.LastChangeID, err = a.store.Settings().LastChangeID(ctx, owner); err != nil {
			return err
		}
	}
	if a.client != nil {
		stats := a.client.Stats()
		status.RateLimited = stats.RateLimitCount()
	}

	if jsonOutput {
		return writeJSON(stdout, status)
	}

	enabled := "disabled"
	if status.Enabled {
		enabled = "enabled (" + status.Server + ")"
	}
	_, _ = fmt.Fprintf(stdout, "Sync: %s\n", enabled)
	if userID == "" {
		_, _ = fmt.Fprintln(stdout, "Account: not signed in")
		if cfg.NoPrompt {
			_, _ = fmt.Fprintln(stdout, ResultInfoOnly)
		}
		return nil
	}
	_, _ = fmt.Fprintf(stdout, "Account: %s\n", userID)
	_, _ = fmt.Fprintf(stdout, "Last sync: %s\n", lastSync)
	_, _ = fmt.Fprintf(stdout, "Daemon schedule: %s\n\n", status.Schedule)

	rows := [][]string{}
	for _, s := range []backend.OpStatus{backend.OpPending, backend.OpProcessing, backend.OpFailed} {
		rows = append(rows, []string{string(s), strconv.Itoa(status.Queue[string(s)])})
	}
	renderTable(stdout, []string{"QUEUE", "CHANGES"}, rows)
	if status.RateLimited > 0 {
		_, _ = fmt.Fprintf(stdout, "\nRate limited %d time(s) this session\n", status.RateLimited)
	}
	if cfg.NoPrompt {
		_, _ = fmt.Fprintln(stdout, ResultInfoOnly)
	}
	return nil
}

// doSyncQueue displays queued operations in upload order
func doSyncQueue(ops []backend.PendingOperation, cfg *Config, stdout io.Writer, jsonOutput bool) error {
	if jsonOutput {
		out := make([]operationJSON, 0, len(ops))
		for _, op := range ops {
			out = append(out, operationToJSON(op))
		}
		return writeJSON(stdout, out)
	}

	if len(ops) == 0 {
		done(cfg, stdout, ResultInfoOnly, "Queue is empty")
		return nil
	}

	_, _ = fmt.Fprintf(stdout, "Queued changes (%d):\n\n", len(ops))
	rows := make([][]string, 0, len(ops))
	for _, op := range ops {
		status := string(op.Status)
		if op.Status == backend.OpFailed {
			status = styled(stdout, failedStyle, status)
		}
		next := ""
		if op.NextAttemptAt != nil {
			next = formatTimestamp(op.NextAttemptAt)
		}
		rows = append(rows, []string{
			strconv.FormatInt(op.ID, 10),
			string(op.Op),
			string(op.Entity),
			shortID(op.EntityID),
			status,
			strconv.Itoa(op.Attempts),
			next,
			op.LastError,
		})
	}
	renderTable(stdout, []string{"ID", "OP", "ENTITY", "ENTITY ID", "STATUS", "ATTEMPTS", "NEXT TRY", "LAST ERROR"}, rows)
	if cfg.NoPrompt {
		_, _ = fmt.Fprintln(stdout, ResultInfoOnly)
	}
	return nil
}

// requireUser returns the signed-in user's id
func requireUser(ctx context.Context, a *app) (string, error) {
	userID, err := a.session.UserID(ctx)
	if err != nil {
		return "", err
	}
	if userID == "" {
		return "", utils.ErrNotSignedIn()
	}
	return userID, nil
}

// parseOpStatus parses a queue status filter
func parseOpStatus(s string) (backend.OpStatus, error) {
	switch s {
	case "":
		return "", nil
	case string(backend.OpPending), string(backend.OpProcessing), string(backend.OpFailed):
		return backend.OpStatus(s), nil
	}
	return "", utils.ErrInvalidStatus(s, []string{"pending", "processing", "failed"})
}

type syncResultJSON struct {
	Processed  int    `json:"processed"`
	Failed     int    `json:"failed"`
	Retried    int    `json:"retried"`
	Reclaimed  int    `json:"reclaimed"`
	Pulled     int    `json:"pulled"`
	Skipped    bool   `json:"skipped"`
	Halted     string `json:"halted,omitempty"`
	PullFailed bool   `json:"pull_failed"`
}

type syncStatusJSON struct {
	Enabled      bool           `json:"enabled"`
	Server       string         `json:"server,omitempty"`
	UserID       string         `json:"user_id,omitempty"`
	Queue        map[string]int `json:"queue"`
	LastSync     string         `json:"last_sync,omitempty"`
	LastChangeID int64          `json:"last_change_id"`
	Schedule     string         `json:"schedule"`
	RateLimited  int64          `json:"rate_limited"`
	Result       string         `json:"result"`
}

type operationJSON struct {
	ID            int64  `json:"id"`
	Op            string `json:"op"`
	Entity        string `json:"entity"`
	EntityID      string `json:"entity_id"`
	Status        string `json:"status"`
	Attempts      int    `json:"attempts"`
	LastError     string `json:"last_error,omitempty"`
	NextAttemptAt string `json:"next_attempt_at,omitempty"`
	Created       string `json:"created"`
}

func operationToJSON(op backend.PendingOperation) operationJSON {
	result := operationJSON{
		ID:        op.ID,
		Op:        string(op.Op),
		Entity:    string(op.Entity),
		EntityID:  op.EntityID,
		Status:    string(op.Status),
		Attempts:  op.Attempts,
		LastError: op.LastError,
		Created:   op.Created.UTC().Format("2006-01-02T15:04:05Z"),
	}
	if op.NextAttemptAt != nil {
		result.NextAttemptAt = op.NextAttemptAt.UTC().Format("2006-01-02T15:04:05Z")
	}
	return result
}
