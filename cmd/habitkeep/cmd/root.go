package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"habitkeep/internal/credentials"
)

// Version is set at build time
var Version = "dev"

// Result codes for CLI output (used in no-prompt mode)
const (
	ResultActionCompleted = "ACTION_COMPLETED"
	ResultInfoOnly        = "INFO_ONLY"
	ResultError           = "ERROR"
)

// Config holds application configuration
type Config struct {
	NoPrompt   bool
	Verbose    bool
	DBPath     string              // Path to database file (for testing)
	ConfigPath string              // Path to config file (for testing)
	Keyring    credentials.Keyring // Token storage (for testing)
	Stdin      io.Reader           // Prompt input, os.Stdin when nil
	Now        func() time.Time    // Clock used for "today" (for testing)
}

func (c *Config) stdin() io.Reader {
	if c.Stdin != nil {
		return c.Stdin
	}
	return os.Stdin
}

// Execute runs the CLI with the given arguments and IO writers
func Execute(args []string, stdout, stderr io.Writer, cfg *Config) int {
	rootCmd := NewHabitKeep(stdout, stderr, cfg)

	rootCmd.SetArgs(args)
	rootCmd.SetOut(stdout)
	rootCmd.SetErr(stderr)

	if err := rootCmd.Execute(); err != nil {
		if containsJSONFlag(args) {
			outputErrorJSON(err, stdout)
		} else {
			_, _ = fmt.Fprintln(stderr, "Error:", err)
			if cfg != nil && cfg.NoPrompt {
				_, _ = fmt.Fprintln(stdout, ResultError)
			}
		}
		return 1
	}
	return 0
}

// containsJSONFlag checks if args contain --json flag
func containsJSONFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--json" {
			return true
		}
	}
	return false
}

// NewHabitKeep creates the root command with injectable IO
func NewHabitKeep(stdout, stderr io.Writer, cfg *Config) *cobra.Command {
	if cfg == nil {
		cfg = &Config{}
	}

	cmd := &cobra.Command{
		Use:     "habitkeep",
		Short:   "A local-first task and habit tracker",
		Long:    "habitkeep keeps tasks, habits and spaces in a local database and syncs them to your account in the background.",
		Version: Version,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if noPrompt, _ := cmd.Flags().GetBool("no-prompt"); noPrompt {
				cfg.NoPrompt = true
			}
			if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
				cfg.Verbose = true
			}
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().BoolP("no-prompt", "y", false, "Disable interactive prompts")
	cmd.PersistentFlags().BoolP("verbose", "V", false, "Enable verbose/debug output")
	cmd.PersistentFlags().Bool("json", false, "Output in JSON format")

	cmd.AddCommand(newTaskCmd(stdout, cfg))
	cmd.AddCommand(newSpaceCmd(stdout, cfg))
	cmd.AddCommand(newTemplateCmd(stdout, cfg))
	cmd.AddCommand(newLoginCmd(stdout, cfg))
	cmd.AddCommand(newLogoutCmd(stdout, cfg))
	cmd.AddCommand(newMigrateAnonymousCmd(stdout, cfg))
	cmd.AddCommand(newSyncCmd(stdout, cfg))
	cmd.AddCommand(newDaemonCmd(stdout, stderr, cfg))
	cmd.AddCommand(newSchemaCmd(stdout, cfg))

	return cmd
}

// group builds a parent command that only shows help.
func group(use, short string, children ...*cobra.Command) *cobra.Command {
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.AddCommand(children...)
	return cmd
}

type actionResponse struct {
	Action string `json:"action"`
	Data   any    `json:"data,omitempty"`
	Result string `json:"result"`
}

type errorResponse struct {
	Error  string `json:"error"`
	Code   int    `json:"code"`
	Result string `json:"result"`
}

// writeJSON prints v as one line of JSON
func writeJSON(stdout io.Writer, v any) error {
	jsonBytes, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintln(stdout, string(jsonBytes))
	return nil
}

// outputActionJSON outputs action result in JSON format
func outputActionJSON(action string, data any, stdout io.Writer) error {
	return writeJSON(stdout, actionResponse{Action: action, Data: data, Result: ResultActionCompleted})
}

// outputErrorJSON outputs error in JSON format
func outputErrorJSON(err error, stdout io.Writer) {
	_ = writeJSON(stdout, errorResponse{Error: err.Error(), Code: 1, Result: ResultError})
}

// done prints msg followed by the result code in no-prompt mode
func done(cfg *Config, stdout io.Writer, code, format string, args ...any) {
	_, _ = fmt.Fprintf(stdout, format+"\n", args...)
	if cfg.NoPrompt {
		_, _ = fmt.Fprintln(stdout, code)
	}
}
