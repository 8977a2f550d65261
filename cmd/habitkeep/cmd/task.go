package cmd

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"habitkeep/backend"
	"habitkeep/backend/sqlite"
	"habitkeep/internal/service"
	"habitkeep/internal/utils"
)

// newTaskCmd creates the 'task' subcommand for task management
func newTaskCmd(stdout io.Writer, cfg *Config) *cobra.Command {
	return group("task", "Manage tasks",
		newTaskAddCmd(stdout, cfg),
		newTaskListCmd(stdout, cfg),
		newTaskStatusCmd(stdout, cfg, "done", "Mark a task complete"),
		newTaskStatusCmd(stdout, cfg, "fail", "Mark a task failed"),
		newTaskStatusCmd(stdout, cfg, "reopen", "Mark a task incomplete again"),
		newTaskRescheduleCmd(stdout, cfg),
		newTaskEditCmd(stdout, cfg),
		newTaskDeactivateCmd(stdout, cfg),
		newTaskDueCmd(stdout, cfg),
		newTaskAgendaCmd(stdout, cfg),
		newTaskCountsCmd(stdout, cfg),
	)
}

// newTaskAddCmd creates the 'task add' subcommand
func newTaskAddCmd(stdout io.Writer, cfg *Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add [title]",
		Short: "Add a task",
		Long:  "Add a task. A task with a due date is a one-off; without one it stays unscheduled.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			description, _ := cmd.Flags().GetString("description")
			dueStr, _ := cmd.Flags().GetString("due")
			timeStr, _ := cmd.Flags().GetString("time")
			space, _ := cmd.Flags().GetString("space")
			tags, _ := cmd.Flags().GetStringSlice("tag")
			jsonOutput, _ := cmd.Flags().GetBool("json")

			due, err := utils.ParseDateFlag(dueStr)
			if err != nil {
				return err
			}
			dueTime, err := utils.ParseTimeOfDay(timeStr)
			if err != nil {
				return err
			}

			return withOwner(cfg, func(ctx context.Context, a *app, owner *string) error {
				task, err := a.tasks.Create(ctx, owner, service.TaskInput{
					Title:       args[0],
					Description: description,
					DueDate:     due,
					DueTime:     dueTime,
					SpaceName:   space,
					Tags:        tags,
				})
				if err != nil {
					return err
				}
				return reportTask(ctx, a, owner, "add", "Created task", task, cfg, stdout, jsonOutput)
			})
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.Flags().StringP("description", "d", "", "Task description")
	cmd.Flags().String("due", "", "Due date: YYYY-MM-DD, today, tomorrow, +3d, +2w")
	cmd.Flags().String("time", "", "Due time of day (HH:MM)")
	cmd.Flags().StringP("space", "s", "", "Space to file the task in (created if missing)")
	cmd.Flags().StringSlice("tag", nil, "Tag (can be specified multiple times or comma-separated)")
	return cmd
}

// newTaskListCmd creates the 'task list' subcommand
func newTaskListCmd(stdout io.Writer, cfg *Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			statusStr, _ := cmd.Flags().GetString("status")
			spaceRef, _ := cmd.Flags().GetString("space")
			all, _ := cmd.Flags().GetBool("all")
			limit, _ := cmd.Flags().GetInt("limit")
			jsonOutput, _ := cmd.Flags().GetBool("json")

			filter := sqlite.TaskFilter{ActiveOnly: !all, Limit: limit}
			if statusStr != "" {
				status, err := parseStatus(statusStr)
				if err != nil {
					return err
				}
				filter.Status = status
			}

			return withOwner(cfg, func(ctx context.Context, a *app, owner *string) error {
				if spaceRef != "" {
					sp, err := findSpace(ctx, a, owner, spaceRef)
					if err != nil {
						return err
					}
					filter.SpaceID = &sp.ID
				}
				tasks, err := a.tasks.List(ctx, owner, filter)
				if err != nil {
					return err
				}
				return doTaskList(ctx, a, owner, tasks, "No tasks found. Add one with: habitkeep task add \"Title\"", cfg, stdout, jsonOutput)
			})
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.Flags().String("status", "", "Filter by status (incomplete, complete, failed)")
	cmd.Flags().StringP("space", "s", "", "Filter by space name or id")
	cmd.Flags().BoolP("all", "a", false, "Include deactivated tasks")
	cmd.Flags().Int("limit", 0, "Maximum number of tasks to show")
	return cmd
}

// newTaskStatusCmd creates the 'task done', 'task fail' and 'task reopen' subcommands
func newTaskStatusCmd(stdout io.Writer, cfg *Config, action, short string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   action + " [task]",
		Short: short,
		Long:  short + ". The task is matched by id prefix or exact title.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			jsonOutput, _ := cmd.Flags().GetBool("json")
			var score *int
			if cmd.Flags().Changed("score") {
				v, _ := cmd.Flags().GetInt("score")
				score = &v
			}

			return withOwner(cfg, func(ctx context.Context, a *app, owner *string) error {
				task, err := findTask(ctx, a, owner, args[0])
				if err != nil {
					return err
				}

				var msg string
				switch action {
				case "done":
					task, err = a.tasks.Complete(ctx, owner, task.ID, score)
					msg = "Completed task"
				case "fail":
					task, err = a.tasks.Fail(ctx, owner, task.ID)
					msg = "Failed task"
				default:
					task, err = a.tasks.Reopen(ctx, owner, task.ID)
					msg = "Reopened task"
				}
				if err != nil {
					return err
				}
				return reportTask(ctx, a, owner, action, msg, task, cfg, stdout, jsonOutput)
			})
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	if action == "done" {
		cmd.Flags().Int("score", 0, fmt.Sprintf("Score for scored habits (%d-%d)", utils.MinScore, utils.MaxScore))
	}
	return cmd
}

// newTaskRescheduleCmd creates the 'task reschedule' subcommand
func newTaskRescheduleCmd(stdout io.Writer, cfg *Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reschedule [task] [date]",
		Short: "Move a task to another day",
		Long:  "Move a task to another day. Use \"none\" as the date to unschedule it.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			timeStr, _ := cmd.Flags().GetString("time")
			jsonOutput, _ := cmd.Flags().GetBool("json")

			var due *time.Time
			if !strings.EqualFold(args[1], "none") {
				var err error
				if due, err = utils.ParseDateFlag(args[1]); err != nil {
					return err
				}
			}
			dueTime, err := utils.ParseTimeOfDay(timeStr)
			if err != nil {
				return err
			}

			return withOwner(cfg, func(ctx context.Context, a *app, owner *string) error {
				task, err := findTask(ctx, a, owner, args[0])
				if err != nil {
					return err
				}
				task, err = a.tasks.Reschedule(ctx, owner, task.ID, due, dueTime)
				if err != nil {
					return err
				}
				return reportTask(ctx, a, owner, "reschedule", "Rescheduled task", task, cfg, stdout, jsonOutput)
			})
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.Flags().String("time", "", "Due time of day (HH:MM)")
	return cmd
}

// newTaskEditCmd creates the 'task edit' subcommand
func newTaskEditCmd(stdout io.Writer, cfg *Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "edit [task]",
		Short: "Change a task's fields",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			jsonOutput, _ := cmd.Flags().GetBool("json")
			flags := cmd.Flags()

			var upd service.TaskUpdate
			if flags.Changed("title") {
				v, _ := flags.GetString("title")
				upd.Title = &v
			}
			if flags.Changed("description") {
				v, _ := flags.GetString("description")
				upd.Description = &v
			}
			if flags.Changed("due") {
				v, _ := flags.GetString("due")
				due, err := utils.ParseDateFlag(v)
				if err != nil {
					return err
				}
				upd.DueDate = due
			}
			upd.ClearDueDate, _ = flags.GetBool("clear-due")
			if flags.Changed("time") {
				v, _ := flags.GetString("time")
				dueTime, err := utils.ParseTimeOfDay(v)
				if err != nil {
					return err
				}
				upd.DueTime = &dueTime
			}
			if flags.Changed("space") {
				v, _ := flags.GetString("space")
				upd.SpaceName = &v
			}
			upd.AddTags, _ = flags.GetStringSlice("tag")

			changed := false
			for _, name := range []string{"title", "description", "due", "clear-due", "time", "space", "tag"} {
				changed = changed || flags.Changed(name)
			}
			if !changed {
				return fmt.Errorf("nothing to change - pass at least one of --title, --description, --due, --clear-due, --time, --space, --tag")
			}

			return withOwner(cfg, func(ctx context.Context, a *app, owner *string) error {
				task, err := findTask(ctx, a, owner, args[0])
				if err != nil {
					return err
				}
				task, err = a.tasks.Update(ctx, owner, task.ID, upd)
				if err != nil {
					return err
				}
				return reportTask(ctx, a, owner, "edit", "Updated task", task, cfg, stdout, jsonOutput)
			})
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.Flags().String("title", "", "New title")
	cmd.Flags().StringP("description", "d", "", "New description")
	cmd.Flags().String("due", "", "New due date")
	cmd.Flags().Bool("clear-due", false, "Remove the due date")
	cmd.Flags().String("time", "", "New due time (HH:MM, \"\" to clear)")
	cmd.Flags().StringP("space", "s", "", "Move to space (\"\" removes it from its space)")
	cmd.Flags().StringSlice("tag", nil, "Tag to add")
	return cmd
}

// newTaskDeactivateCmd creates the 'task deactivate' subcommand
func newTaskDeactivateCmd(stdout io.Writer, cfg *Config) *cobra.Command {
	return &cobra.Command{
		Use:   "deactivate [task]",
		Short: "Hide a task",
		Long:  "Hide a task from lists. Tasks are never deleted; use 'task list --all' to see hidden tasks.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			jsonOutput, _ := cmd.Flags().GetBool("json")
			return withOwner(cfg, func(ctx context.Context, a *app, owner *string) error {
				task, err := findTask(ctx, a, owner, args[0])
				if err != nil {
					return err
				}
				task, err = a.tasks.Deactivate(ctx, owner, task.ID)
				if err != nil {
					return err
				}
				return reportTask(ctx, a, owner, "deactivate", "Deactivated task", task, cfg, stdout, jsonOutput)
			})
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
}

// newTaskDueCmd creates the 'task due' subcommand
func newTaskDueCmd(stdout io.Writer, cfg *Config) *cobra.Command {
	return &cobra.Command{
		Use:   "due",
		Short: "Show open tasks due today or earlier",
		Long:  "Show open tasks due today or earlier, generating today's habit tasks first.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			jsonOutput, _ := cmd.Flags().GetBool("json")
			return withOwner(cfg, func(ctx context.Context, a *app, owner *string) error {
				// Today's habit instances belong in the list.
				if _, err := a.templates.GenerateDue(ctx, owner, a.today()); err != nil {
					return err
				}
				tasks, err := a.tasks.Due(ctx, owner, a.today())
				if err != nil {
					return err
				}
				return doTaskList(ctx, a, owner, tasks, "Nothing due. Enjoy your day.", cfg, stdout, jsonOutput)
			})
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
}

// newTaskAgendaCmd creates the 'task agenda' subcommand
func newTaskAgendaCmd(stdout io.Writer, cfg *Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agenda",
		Short: "Show tasks due in the coming days",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			days, _ := cmd.Flags().GetInt("days")
			jsonOutput, _ := cmd.Flags().GetBool("json")
			if days < 1 {
				return fmt.Errorf("--days must be at least 1, got %d", days)
			}
			return withOwner(cfg, func(ctx context.Context, a *app, owner *string) error {
				from := a.today()
				tasks, err := a.tasks.Agenda(ctx, owner, from, from.AddDate(0, 0, days-1))
				if err != nil {
					return err
				}
				return doTaskList(ctx, a, owner, tasks, "Nothing scheduled.", cfg, stdout, jsonOutput)
			})
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.Flags().Int("days", 7, "Number of days to show, starting today")
	return cmd
}

// newTaskCountsCmd creates the 'task counts' subcommand
func newTaskCountsCmd(stdout io.Writer, cfg *Config) *cobra.Command {
	return &cobra.Command{
		Use:   "counts",
		Short: "Show task totals by status and space",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			jsonOutput, _ := cmd.Flags().GetBool("json")
			return withOwner(cfg, func(ctx context.Context, a *app, owner *string) error {
				return doTaskCounts(ctx, a, owner, cfg, stdout, jsonOutput)
			})
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
}

// doTaskList displays tasks as a table
func doTaskList(ctx context.Context, a *app, owner *string, tasks []backend.Task, emptyMsg string, cfg *Config, stdout io.Writer, jsonOutput bool) error {
	names, err := spaceNames(ctx, a, owner)
	if err != nil {
		return err
	}

	if jsonOutput {
		out := make([]taskJSON, 0, len(tasks))
		for i := range tasks {
			tags, err := a.tasks.Tags(ctx, tasks[i].ID)
			if err != nil {
				return err
			}
			out = append(out, taskToJSON(&tasks[i], names, tags))
		}
		return writeJSON(stdout, listTasksResponse{Tasks: out, Count: len(out), Result: ResultInfoOnly})
	}

	if len(tasks) == 0 {
		done(cfg, stdout, ResultInfoOnly, "%s", emptyMsg)
		return nil
	}

	today := a.today()
	rows := make([][]string, 0, len(tasks))
	for i := range tasks {
		t := &tasks[i]
		tags, err := a.tasks.Tags(ctx, t.ID)
		if err != nil {
			return err
		}
		due := formatDue(t.DueDate, t.DueTime)
		if t.DueDate != nil && t.DueDate.Before(today) && t.Status == backend.StatusIncomplete {
			due = styled(stdout, overdueStyle, due)
		}
		score := ""
		if t.Score != nil {
			score = strconv.Itoa(*t.Score)
		}
		title := t.Title
		if !t.Active {
			title += " (inactive)"
		}
		rows = append(rows, []string{
			shortID(t.ID),
			styled(stdout, statusStyle(t.Status), getStatusIcon(t.Status)),
			title,
			due,
			names[backend.StringValue(t.SpaceID)],
			strings.Join(tags, ","),
			score,
		})
	}

	_, _ = fmt.Fprintf(stdout, "Tasks (%d):\n\n", len(tasks))
	renderTable(stdout, []string{"ID", "STATUS", "TITLE", "DUE", "SPACE", "TAGS", "SCORE"}, rows)
	if cfg.NoPrompt {
		_, _ = fmt.Fprintln(stdout, ResultInfoOnly)
	}
	return nil
}

// doTaskCounts displays aggregate counts
func doTaskCounts(ctx context.Context, a *app, owner *string, cfg *Config, stdout io.Writer, jsonOutput bool) error {
	counts, err := a.tasks.Counts(ctx, owner, a.today())
	if err != nil {
		return err
	}
	names, err := spaceNames(ctx, a, owner)
	if err != nil {
		return err
	}

	bySpace := map[string]int{}
	for id, n := range counts.BySpace {
		name := names[id]
		if name == "" {
			name = "(none)"
		}
		bySpace[name] += n
	}

	if jsonOutput {
		byStatus := map[string]int{}
		for status, n := range counts.ByStatus {
			byStatus[string(status)] = n
		}
		return writeJSON(stdout, countsResponse{
			Overdue:  counts.Overdue,
			ByStatus: byStatus,
			BySpace:  bySpace,
			Result:   ResultInfoOnly,
		})
	}

	_, _ = fmt.Fprintf(stdout, "Overdue: %d\n\n", counts.Overdue)
	statusRows := [][]string{}
	for _, status := range []backend.TaskStatus{backend.StatusIncomplete, backend.StatusComplete, backend.StatusFailed} {
		statusRows = append(statusRows, []string{string(status), strconv.Itoa(counts.ByStatus[status])})
	}
	renderTable(stdout, []string{"STATUS", "TASKS"}, statusRows)

	if len(bySpace) > 0 {
		spaces := make([]string, 0, len(bySpace))
		for name := range bySpace {
			spaces = append(spaces, name)
		}
		sort.Strings(spaces)
		spaceRows := make([][]string, 0, len(spaces))
		for _, name := range spaces {
			spaceRows = append(spaceRows, []string{name, strconv.Itoa(bySpace[name])})
		}
		_, _ = fmt.Fprintln(stdout)
		renderTable(stdout, []string{"SPACE", "TASKS"}, spaceRows)
	}

	if cfg.NoPrompt {
		_, _ = fmt.Fprintln(stdout, ResultInfoOnly)
	}
	return nil
}

// reportTask prints the outcome of a task action
func reportTask(ctx context.Context, a *app, owner *string, action, msg string, task *backend.Task, cfg *Config, stdout io.Writer, jsonOutput bool) error {
	if jsonOutput {
		names, err := spaceNames(ctx, a, owner)
		if err != nil {
			return err
		}
		tags, err := a.tasks.Tags(ctx, task.ID)
		if err != nil {
			return err
		}
		return outputActionJSON(action, taskToJSON(task, names, tags), stdout)
	}

	line := fmt.Sprintf("%s: %s (%s)", msg, task.Title, shortID(task.ID))
	if due := formatDue(task.DueDate, task.DueTime); due != "" {
		line += " due " + due
	}
	if task.Score != nil {
		line += fmt.Sprintf(" score %d", *task.Score)
	}
	done(cfg, stdout, ResultActionCompleted, "%s", line)
	return nil
}

// findTask resolves ref as an id, a unique id prefix or an exact title
func findTask(ctx context.Context, a *app, owner *string, ref string) (*backend.Task, error) {
	task, err := a.tasks.Get(ctx, owner, ref)
	if err == nil {
		return task, nil
	}
	if !backend.IsNotFound(err) {
		return nil, err
	}

	tasks, err := a.tasks.List(ctx, owner, sqlite.TaskFilter{})
	if err != nil {
		return nil, err
	}
	var matches []backend.Task
	for _, t := range tasks {
		if strings.HasPrefix(t.ID, strings.ToLower(ref)) || strings.EqualFold(t.Title, ref) {
			matches = append(matches, t)
		}
	}
	if len(matches) > 1 {
		// An exact title on a single active task wins over older copies.
		var active []backend.Task
		for _, t := range matches {
			if t.Active && t.Status == backend.StatusIncomplete {
				active = append(active, t)
			}
		}
		if len(active) == 1 {
			return &active[0], nil
		}
	}

	switch len(matches) {
	case 0:
		return nil, utils.ErrTaskNotFound(ref)
	case 1:
		return &matches[0], nil
	default:
		return nil, fmt.Errorf("multiple tasks match '%s' - please use the task id", ref)
	}
}

// parseStatus parses a status filter
func parseStatus(s string) (backend.TaskStatus, error) {
	switch strings.ToLower(s) {
	case "incomplete", "open", "todo":
		return backend.StatusIncomplete, nil
	case "complete", "done":
		return backend.StatusComplete, nil
	case "failed", "fail":
		return backend.StatusFailed, nil
	}
	return "", utils.ErrInvalidStatus(s, []string{"incomplete", "complete", "failed"})
}

// spaceNames maps space ids to names
func spaceNames(ctx context.Context, a *app, owner *string) (map[string]string, error) {
	spaces, err := a.spaces.List(ctx, owner)
	if err != nil {
		return nil, err
	}
	names := make(map[string]string, len(spaces))
	for _, sp := range spaces {
		names[sp.ID] = sp.Name
	}
	return names, nil
}

// JSON output structures
type taskJSON struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Schedule    string   `json:"schedule"`
	DueDate     *string  `json:"due_date,omitempty"`
	DueTime     string   `json:"due_time,omitempty"`
	Status      string   `json:"status"`
	Score       *int     `json:"score,omitempty"`
	Active      bool     `json:"active"`
	Space       string   `json:"space,omitempty"`
	TemplateID  string   `json:"template_id,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	Modified    string   `json:"modified"`
}

type listTasksResponse struct {
	Tasks  []taskJSON `json:"tasks"`
	Count  int        `json:"count"`
	Result string     `json:"result"`
}

type countsResponse struct {
	Overdue  int            `json:"overdue"`
	ByStatus map[string]int `json:"by_status"`
	BySpace  map[string]int `json:"by_space"`
	Result   string         `json:"result"`
}

// taskToJSON converts a backend.Task to taskJSON
func taskToJSON(t *backend.Task, spaces map[string]string, tags []string) taskJSON {
	result := taskJSON{
		ID:          t.ID,
		Title:       t.Title,
		Description: t.Description,
		Schedule:    string(t.Schedule),
		DueTime:     t.DueTime,
		Status:      string(t.Status),
		Score:       t.Score,
		Active:      t.Active,
		Space:       spaces[backend.StringValue(t.SpaceID)],
		TemplateID:  backend.StringValue(t.TemplateID),
		Tags:        tags,
		Modified:    t.Modified.UTC().Format(time.RFC3339),
	}
	if t.DueDate != nil {
		s := t.DueDate.Format("2006-01-02")
		result.DueDate = &s
	}
	return result
}
