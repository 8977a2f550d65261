package cmd

import (
	"context"
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"
	"habitkeep/backend"
	"habitkeep/internal/utils"
)

// newSpaceCmd creates the 'space' subcommand for space management
func newSpaceCmd(stdout io.Writer, cfg *Config) *cobra.Command {
	return group("space", "Manage spaces",
		newSpaceAddCmd(stdout, cfg),
		newSpaceListCmd(stdout, cfg),
		newSpaceRenameCmd(stdout, cfg),
		newSpaceDeleteCmd(stdout, cfg),
	)
}

// newSpaceAddCmd creates the 'space add' subcommand
func newSpaceAddCmd(stdout io.Writer, cfg *Config) *cobra.Command {
	return &cobra.Command{
		Use:   "add [name]",
		Short: "Create a space",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			jsonOutput, _ := cmd.Flags().GetBool("json")
			return withOwner(cfg, func(ctx context.Context, a *app, owner *string) error {
				sp, created, err := a.spaces.GetOrCreate(ctx, owner, args[0])
				if err != nil {
					return err
				}
				if !created {
					return fmt.Errorf("space '%s' already exists", sp.Name)
				}
				if jsonOutput {
					return outputActionJSON("add", spaceToJSON(sp, 0), stdout)
				}
				done(cfg, stdout, ResultActionCompleted, "Created space: %s", sp.Name)
				return nil
			})
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
}

// newSpaceListCmd creates the 'space list' subcommand
func newSpaceListCmd(stdout io.Writer, cfg *Config) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List spaces with their task counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			jsonOutput, _ := cmd.Flags().GetBool("json")
			return withOwner(cfg, func(ctx context.Context, a *app, owner *string) error {
				return doSpaceList(ctx, a, owner, cfg, stdout, jsonOutput)
			})
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
}

// newSpaceRenameCmd creates the 'space rename' subcommand
func newSpaceRenameCmd(stdout io.Writer, cfg *Config) *cobra.Command {
	return &cobra.Command{
		Use:   "rename [space] [new-name]",
		Short: "Rename a space",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			jsonOutput, _ := cmd.Flags().GetBool("json")
			return withOwner(cfg, func(ctx context.Context, a *app, owner *string) error {
				sp, err := findSpace(ctx, a, owner, args[0])
				if err != nil {
					return err
				}
				oldName := sp.Name
				sp, err = a.spaces.Rename(ctx, owner, sp.ID, args[1])
				if err != nil {
					return err
				}
				if jsonOutput {
					return outputActionJSON("rename", spaceToJSON(sp, 0), stdout)
				}
				done(cfg, stdout, ResultActionCompleted, "Renamed space: %s -> %s", oldName, sp.Name)
				return nil
			})
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
}

// newSpaceDeleteCmd creates the 'space delete' subcommand
func newSpaceDeleteCmd(stdout io.Writer, cfg *Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete [space]",
		Short: "Delete a space",
		Long:  "Delete a space. Its tasks and templates are kept and no longer belong to any space.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			force, _ := cmd.Flags().GetBool("force")
			return withOwner(cfg, func(ctx context.Context, a *app, owner *string) error {
				sp, err := findSpace(ctx, a, owner, args[0])
				if err != nil {
					return err
				}
				if !force && !cfg.NoPrompt {
					if !utils.PromptYesNo(fmt.Sprintf("Delete space '%s'?", sp.Name), cfg.stdin(), stdout) {
						_, _ = fmt.Fprintln(stdout, "Cancelled")
						return nil
					}
				}
				if err := a.spaces.Delete(ctx, owner, sp.ID); err != nil {
					return err
				}
				done(cfg, stdout, ResultActionCompleted, "Deleted space: %s", sp.Name)
				return nil
			})
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.Flags().BoolP("force", "f", false, "Delete without confirmation")
	return cmd
}

// doSpaceList displays all spaces with their task counts
func doSpaceList(ctx context.Context, a *app, owner *string, cfg *Config, stdout io.Writer, jsonOutput bool) error {
	spaces, err := a.spaces.List(ctx, owner)
	if err != nil {
		return err
	}
	counts, err := a.tasks.Counts(ctx, owner, a.today())
	if err != nil {
		return err
	}

	if jsonOutput {
		out := make([]spaceJSON, 0, len(spaces))
		for i := range spaces {
			out = append(out, spaceToJSON(&spaces[i], counts.BySpace[spaces[i].ID]))
		}
		return writeJSON(stdout, out)
	}

	if len(spaces) == 0 {
		done(cfg, stdout, ResultInfoOnly, "No spaces found. Create one with: habitkeep space add \"Home\"")
		return nil
	}

	_, _ = fmt.Fprintf(stdout, "Spaces (%d):\n\n", len(spaces))
	rows := make([][]string, 0, len(spaces))
	for _, sp := range spaces {
		rows = append(rows, []string{shortID(sp.ID), sp.Name, strconv.Itoa(counts.BySpace[sp.ID])})
	}
	renderTable(stdout, []string{"ID", "NAME", "TASKS"}, rows)
	if cfg.NoPrompt {
		_, _ = fmt.Fprintln(stdout, ResultInfoOnly)
	}
	return nil
}

// findSpace resolves ref as a space name or id
func findSpace(ctx context.Context, a *app, owner *string, ref string) (*backend.Space, error) {
	sp, err := a.spaces.Find(ctx, owner, ref)
	if backend.IsNotFound(err) {
		return nil, utils.ErrSpaceNotFound(ref)
	}
	return sp, err
}

type spaceJSON struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Tasks    int    `json:"tasks"`
	Modified string `json:"modified"`
}

func spaceToJSON(sp *backend.Space, tasks int) spaceJSON {
	return spaceJSON{
		ID:       sp.ID,
		Name:     sp.Name,
		Tasks:    tasks,
		Modified: sp.Modified.UTC().Format("2006-01-02T15:04:05Z"),
	}
}
