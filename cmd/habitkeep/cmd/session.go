package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"habitkeep/backend"
	"habitkeep/internal/credentials"
)

// newLoginCmd creates the 'login' subcommand
func newLoginCmd(stdout io.Writer, cfg *Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in with tokens issued by the server",
		Long: "Sign in and store the session tokens in the system keyring. Anything created while " +
			"signed out becomes yours; premium accounts then upload all local data.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, _ := cmd.Flags().GetString("user-id")
			email, _ := cmd.Flags().GetString("email")
			premium, _ := cmd.Flags().GetBool("premium")
			token, _ := cmd.Flags().GetString("token")
			refreshToken, _ := cmd.Flags().GetString("refresh-token")
			jsonOutput, _ := cmd.Flags().GetBool("json")

			if token == "" {
				if cfg.NoPrompt {
					return fmt.Errorf("--token is required in no-prompt mode")
				}
				var err error
				if token, err = credentials.PromptSecret(cfg.stdin(), stdout, "Access token"); err != nil {
					return err
				}
				if token == "" {
					return fmt.Errorf("access token is required")
				}
			}

			return withApp(cfg, func(ctx context.Context, a *app) error {
				res, err := a.session.Login(ctx,
					backend.User{ID: userID, Email: email, Premium: premium},
					credentials.Tokens{AccessToken: token, RefreshToken: refreshToken},
				)
				if err != nil {
					return err
				}
				if res.Queued > 0 && a.engine != nil {
					a.engine.Trigger()
				}

				if jsonOutput {
					return outputActionJSON("login", loginJSON{
						UserID:   res.User.ID,
						Email:    res.User.Email,
						Premium:  res.User.Premium,
						Assigned: res.Assigned.Total(),
						Queued:   res.Queued,
					}, stdout)
				}

				who := res.User.ID
				if res.User.Email != "" {
					who = res.User.Email
				}
				_, _ = fmt.Fprintf(stdout, "Signed in as %s\n", who)
				if n := res.Assigned.Total(); n > 0 {
					_, _ = fmt.Fprintf(stdout, "Adopted %d item(s) created while signed out\n", n)
				}
				if res.Queued > 0 {
					_, _ = fmt.Fprintf(stdout, "Queued %d item(s) for upload\n", res.Queued)
				}
				if res.User.Premium && a.engine == nil {
					_, _ = fmt.Fprintln(stdout, "Sync is not enabled; changes stay queued until remote.base_url is set")
				}
				if cfg.NoPrompt {
					_, _ = fmt.Fprintln(stdout, ResultActionCompleted)
				}
				return nil
			})
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.Flags().String("user-id", "", "Account id")
	cmd.Flags().String("email", "", "Account email")
	cmd.Flags().Bool("premium", false, "The account has sync")
	cmd.Flags().String("token", "", "Access token (prompted for when omitted)")
	cmd.Flags().String("refresh-token", "", "Refresh token")
	_ = cmd.MarkFlagRequired("user-id")
	return cmd
}

// newLogoutCmd creates the 'logout' subcommand
func newLogoutCmd(stdout io.Writer, cfg *Config) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Sign out",
		Long:  "Forget the session tokens. Local data and queued changes are kept for the next sign-in.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cfg, func(ctx context.Context, a *app) error {
				if err := a.session.Logout(ctx); err != nil {
					return err
				}
				done(cfg, stdout, ResultActionCompleted, "Signed out")
				return nil
			})
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
}

// newMigrateAnonymousCmd creates the 'migrate-anonymous' subcommand
func newMigrateAnonymousCmd(stdout io.Writer, cfg *Config) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate-anonymous",
		Short: "Give data created while signed out to the current account",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			jsonOutput, _ := cmd.Flags().GetBool("json")
			return withApp(cfg, func(ctx context.Context, a *app) error {
				user, err := a.session.CurrentUser(ctx)
				if err != nil {
					return err
				}
				res, err := a.migration.AssignAnonymousDataToUser(ctx, user.ID)
				if err != nil {
					return err
				}
				queued := 0
				if user.Premium {
					if queued, err = a.migration.QueueAdoptedForSync(ctx, user.ID, res); err != nil {
						return err
					}
				}
				if queued > 0 && a.engine != nil {
					a.engine.Trigger()
				}

				if jsonOutput {
					return outputActionJSON("migrate-anonymous", migrateJSON{
						Tasks:        res.Tasks,
						Spaces:       res.Spaces,
						Templates:    res.Templates,
						MergedSpaces: res.MergedSpaces,
						Queued:       queued,
					}, stdout)
				}
				if res.Total() == 0 {
					done(cfg, stdout, ResultInfoOnly, "Nothing to migrate")
					return nil
				}
				_, _ = fmt.Fprintf(stdout, "Moved %d task(s), %d space(s) and %d habit(s) to your account\n",
					res.Tasks, res.Spaces, res.Templates)
				if res.MergedSpaces > 0 {
					_, _ = fmt.Fprintf(stdout, "Merged %d space(s) into existing ones with the same name\n", res.MergedSpaces)
				}
				if queued > 0 {
					_, _ = fmt.Fprintf(stdout, "Queued %d item(s) for upload\n", queued)
				}
				if cfg.NoPrompt {
					_, _ = fmt.Fprintln(stdout, ResultActionCompleted)
				}
				return nil
			})
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
}

type loginJSON struct {
	UserID   string `json:"user_id"`
	Email    string `json:"email,omitempty"`
	Premium  bool   `json:"premium"`
	Assigned int    `json:"assigned"`
	Queued   int    `json:"queued"`
}

type migrateJSON struct {
	Tasks        int `json:"tasks"`
	Spaces       int `json:"spaces"`
	Templates    int `json:"templates"`
	MergedSpaces int `json:"merged_spaces"`
	Queued       int `json:"queued"`
}
