package cmd

import (
	"context"
	"io"

	"github.com/spf13/cobra"

	"habitkeep/backend/sqlite"
)

// newSchemaCmd creates the 'schema' subcommand
func newSchemaCmd(stdout io.Writer, cfg *Config) *cobra.Command {
	return group("schema", "Inspect the local database",
		&cobra.Command{
			Use:   "version",
			Short: "Show the database schema version",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				jsonOutput, _ := cmd.Flags().GetBool("json")
				return withApp(cfg, func(ctx context.Context, a *app) error {
					version, err := a.store.SchemaVersion(ctx)
					if err != nil {
						return err
					}
					if jsonOutput {
						return writeJSON(stdout, map[string]any{
							"version":  version,
							"latest":   sqlite.LatestVersion(),
							"database": a.store.Path(),
						})
					}
					done(cfg, stdout, ResultInfoOnly, "Schema version %d (latest %d)\nDatabase: %s",
						version, sqlite.LatestVersion(), a.store.Path())
					return nil
				})
			},
			SilenceUsage:  true,
			SilenceErrors: true,
		},
	)
}
