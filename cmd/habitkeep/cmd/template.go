package cmd

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"habitkeep/backend"
	"habitkeep/internal/service"
	"habitkeep/internal/utils"
)

// newTemplateCmd creates the 'template' subcommand for repeating habits
func newTemplateCmd(stdout io.Writer, cfg *Config) *cobra.Command {
	return group("template", "Manage repeating habits",
		newTemplateAddCmd(stdout, cfg),
		newTemplateListCmd(stdout, cfg),
		newTemplateStopCmd(stdout, cfg),
		newTemplateGenerateCmd(stdout, cfg),
	)
}

// newTemplateAddCmd creates the 'template add' subcommand
func newTemplateAddCmd(stdout io.Writer, cfg *Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add [title]",
		Short: "Add a repeating habit",
		Long:  "Add a habit that repeats daily, or on the weekdays given with --days.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			description, _ := cmd.Flags().GetString("description")
			daysStr, _ := cmd.Flags().GetString("days")
			timeStr, _ := cmd.Flags().GetString("time")
			scored, _ := cmd.Flags().GetBool("scored")
			space, _ := cmd.Flags().GetString("space")
			tags, _ := cmd.Flags().GetStringSlice("tag")
			jsonOutput, _ := cmd.Flags().GetBool("json")

			in := service.TemplateInput{
				Title:       args[0],
				Description: description,
				Schedule:    backend.ScheduleDaily,
				Scored:      scored,
				SpaceName:   space,
				Tags:        tags,
			}
			if daysStr != "" && !strings.EqualFold(daysStr, "daily") {
				days, err := utils.ParseWeekdays(daysStr)
				if err != nil {
					return err
				}
				in.Schedule = backend.ScheduleSpecificDays
				in.Weekdays = days
			}
			var err error
			if in.TimeOfDay, err = utils.ParseTimeOfDay(timeStr); err != nil {
				return err
			}

			return withOwner(cfg, func(ctx context.Context, a *app, owner *string) error {
				tmpl, err := a.templates.Create(ctx, owner, in)
				if err != nil {
					return err
				}
				return reportTemplate("add", "Created habit", tmpl, cfg, stdout, jsonOutput)
			})
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.Flags().StringP("description", "d", "", "Habit description")
	cmd.Flags().String("days", "", "Weekdays to repeat on, e.g. mon,wed,fri (default: daily)")
	cmd.Flags().String("time", "", "Time of day (HH:MM)")
	cmd.Flags().Bool("scored", false, "Ask for a score when completing")
	cmd.Flags().StringP("space", "s", "", "Space for generated tasks (created if missing)")
	cmd.Flags().StringSlice("tag", nil, "Tag (can be specified multiple times or comma-separated)")
	return cmd
}

// newTemplateListCmd creates the 'template list' subcommand
func newTemplateListCmd(stdout io.Writer, cfg *Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List repeating habits",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			all, _ := cmd.Flags().GetBool("all")
			jsonOutput, _ := cmd.Flags().GetBool("json")
			return withOwner(cfg, func(ctx context.Context, a *app, owner *string) error {
				templates, err := a.templates.List(ctx, owner, !all)
				if err != nil {
					return err
				}
				return doTemplateList(templates, cfg, stdout, jsonOutput)
			})
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.Flags().BoolP("all", "a", false, "Include stopped habits")
	return cmd
}

// newTemplateStopCmd creates the 'template stop' subcommand
func newTemplateStopCmd(stdout io.Writer, cfg *Config) *cobra.Command {
	return &cobra.Command{
		Use:   "stop [template]",
		Short: "Stop generating a habit",
		Long:  "Stop generating tasks for a habit. Tasks already generated are kept.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			jsonOutput, _ := cmd.Flags().GetBool("json")
			return withOwner(cfg, func(ctx context.Context, a *app, owner *string) error {
				tmpl, err := findTemplate(ctx, a, owner, args[0])
				if err != nil {
					return err
				}
				tmpl, err = a.templates.Stop(ctx, owner, tmpl.ID)
				if err != nil {
					return err
				}
				return reportTemplate("stop", "Stopped habit", tmpl, cfg, stdout, jsonOutput)
			})
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
}

// newTemplateGenerateCmd creates the 'template generate' subcommand
func newTemplateGenerateCmd(stdout io.Writer, cfg *Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Create the tasks habits are due to produce",
		Long:  fmt.Sprintf("Create tasks for every active habit up to and including --date (default today). At most %d missed days are filled in.", service.MaxBackfillDays),
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			dateStr, _ := cmd.Flags().GetString("date")
			jsonOutput, _ := cmd.Flags().GetBool("json")
			return withOwner(cfg, func(ctx context.Context, a *app, owner *string) error {
				day := a.today()
				if dateStr != "" {
					d, err := utils.ParseDateFlag(dateStr)
					if err != nil {
						return err
					}
					day = *d
				}
				n, err := a.templates.GenerateDue(ctx, owner, day)
				if err != nil {
					return err
				}
				if jsonOutput {
					return outputActionJSON("generate", map[string]int{"generated": n}, stdout)
				}
				done(cfg, stdout, ResultActionCompleted, "Generated %d task(s) through %s", n, day.Format("2006-01-02"))
				return nil
			})
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.Flags().String("date", "", "Generate through this day (YYYY-MM-DD, today, +1d)")
	return cmd
}

// doTemplateList displays habits as a table
func doTemplateList(templates []backend.RepetitiveTaskTemplate, cfg *Config, stdout io.Writer, jsonOutput bool) error {
	if jsonOutput {
		out := make([]templateJSON, 0, len(templates))
		for i := range templates {
			out = append(out, templateToJSON(&templates[i]))
		}
		return writeJSON(stdout, out)
	}

	if len(templates) == 0 {
		done(cfg, stdout, ResultInfoOnly, "No habits found. Add one with: habitkeep template add \"Stretch\" --days mon,wed,fri")
		return nil
	}

	_, _ = fmt.Fprintf(stdout, "Habits (%d):\n\n", len(templates))
	rows := make([][]string, 0, len(templates))
	for i := range templates {
		t := &templates[i]
		state := "active"
		if !t.Active {
			state = "stopped"
		}
		scored := ""
		if t.Scored {
			scored = "yes"
		}
		rows = append(rows, []string{shortID(t.ID), t.Title, describeRepeat(t), t.TimeOfDay, scored, state})
	}
	renderTable(stdout, []string{"ID", "TITLE", "REPEATS", "TIME", "SCORED", "STATE"}, rows)
	if cfg.NoPrompt {
		_, _ = fmt.Fprintln(stdout, ResultInfoOnly)
	}
	return nil
}

// reportTemplate prints the outcome of a template action
func reportTemplate(action, msg string, tmpl *backend.RepetitiveTaskTemplate, cfg *Config, stdout io.Writer, jsonOutput bool) error {
	if jsonOutput {
		return outputActionJSON(action, templateToJSON(tmpl), stdout)
	}
	done(cfg, stdout, ResultActionCompleted, "%s: %s (%s) %s", msg, tmpl.Title, shortID(tmpl.ID), describeRepeat(tmpl))
	return nil
}

// describeRepeat renders the template schedule
func describeRepeat(t *backend.RepetitiveTaskTemplate) string {
	if t.Schedule == backend.ScheduleSpecificDays {
		return utils.FormatWeekdays(t.Weekdays)
	}
	return "daily"
}

// findTemplate resolves ref as an id, a unique id prefix or an exact title
func findTemplate(ctx context.Context, a *app, owner *string, ref string) (*backend.RepetitiveTaskTemplate, error) {
	tmpl, err := a.templates.Get(ctx, owner, ref)
	if err == nil {
		return tmpl, nil
	}
	if !backend.IsNotFound(err) {
		return nil, err
	}

	templates, err := a.templates.List(ctx, owner, false)
	if err != nil {
		return nil, err
	}
	var matches []backend.RepetitiveTaskTemplate
	for _, t := range templates {
		if strings.HasPrefix(t.ID, strings.ToLower(ref)) || strings.EqualFold(t.Title, ref) {
			matches = append(matches, t)
		}
	}
	switch len(matches) {
	case 0:
		return nil, utils.ErrTemplateNotFound(ref)
	case 1:
		return &matches[0], nil
	default:
		return nil, fmt.Errorf("multiple habits match '%s' - please use the habit id", ref)
	}
}

type templateJSON struct {
	ID                string  `json:"id"`
	Title             string  `json:"title"`
	Description       string  `json:"description,omitempty"`
	Schedule          string  `json:"schedule"`
	Weekdays          string  `json:"weekdays,omitempty"`
	TimeOfDay         string  `json:"time_of_day,omitempty"`
	Scored            bool    `json:"scored"`
	Active            bool    `json:"active"`
	LastGeneratedDate *string `json:"last_generated_date,omitempty"`
	Modified          string  `json:"modified"`
}

func templateToJSON(t *backend.RepetitiveTaskTemplate) templateJSON {
	result := templateJSON{
		ID:          t.ID,
		Title:       t.Title,
		Description: t.Description,
		Schedule:    string(t.Schedule),
		TimeOfDay:   t.TimeOfDay,
		Scored:      t.Scored,
		Active:      t.Active,
		Modified:    t.Modified.UTC().Format(time.RFC3339),
	}
	if t.Schedule == backend.ScheduleSpecificDays {
		result.Weekdays = utils.FormatWeekdays(t.Weekdays)
	}
	if t.LastGeneratedDate != nil {
		s := t.LastGeneratedDate.Format("2006-01-02")
		result.LastGeneratedDate = &s
	}
	return result
}
