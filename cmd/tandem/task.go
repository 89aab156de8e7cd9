package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/tandemhq/tandem/internal/logging"
	"github.com/tandemhq/tandem/internal/nlparse"
	"github.com/tandemhq/tandem/internal/schema"
	"github.com/tandemhq/tandem/internal/store"
	"github.com/tandemhq/tandem/internal/ui"
)

var taskCmd = &cobra.Command{
	Use:     "task",
	GroupID: "work",
	Short:   "Create, list and edit tasks",
}

var taskAddCmd = &cobra.Command{
	Use:   "add <text...>",
	Short: "Add tasks from a line of text",
	Long: `Add one or more tasks described in plain text.

The text understands a small inline syntax:
  !1..!5 or p1..p5   priority (1 is most urgent)
  @name              assignee, by name, first name or id
  #project           project, by name or id
  date phrases       "tomorrow 5pm", "next friday", "in 2 days" set the due date

When llm.api_key (or ANTHROPIC_API_KEY) is set the text is read by Claude,
which can also split a note into several tasks; they share a group id.
Flags override whatever the text says.

Examples:
  tandem task add "Send invoices tomorrow !2 @bob #billing"
  tandem task add --raw "Rename #general to #team"`,
	Args: cobra.MinimumNArgs(1),
	RunE: runTaskAdd,
}

var taskParseCmd = &cobra.Command{
	Use:   "parse <text...>",
	Short: "Show how text would be turned into tasks, without saving",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		drafts, err := parseDrafts(cmd, a, strings.Join(args, " "))
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(drafts)
	},
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks by status column",
	Args:  cobra.NoArgs,
	RunE:  runTaskList,
}

var taskShowCmd = &cobra.Command{
	Use:   "show <task>",
	Short: "Show a task with its notes, links and sections",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()
		tasks, users, projects := a.session.Tasks(), a.session.Users(), a.session.Projects()
		a.session.Wait()

		t, err := findTask(tasks, args[0])
		if err != nil {
			return err
		}
		fmt.Printf("%s %s  %s %s\n", ui.RenderAccent(t.ID), t.Title, ui.Status(t.Status), ui.Priority(t.Priority))
		if u, ok := users.Get(t.AssigneeID); ok {
			fmt.Printf("Assignee: %s %s\n", ui.Avatar(u), u.Name)
		}
		if p, ok := projects.Get(t.ProjectID); ok {
			fmt.Printf("Project:  %s\n", p.Name)
		}
		if t.DueAt != nil {
			fmt.Printf("Due:      %s\n", t.DueAt.Local().Format("Mon Jan 2 15:04"))
		}
		if t.GroupID != "" {
			fmt.Printf("Group:    %s\n", t.GroupID)
		}
		for i, n := range t.Notes {
			fmt.Printf("Note %d:   %s\n", i+1, n)
		}
		for i, l := range t.Links {
			fmt.Printf("Link %d:   %s\n", i+1, l)
		}
		for _, s := range t.Sections {
			fmt.Printf("\n%s %s\n%s\n", ui.RenderMuted(shortID(s.ID)), s.Heading, s.Content)
		}
		return nil
	},
}

var taskMoveCmd = &cobra.Command{
	Use:   "move <task> <status>",
	Short: "Move a task to another status column",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		status, err := parseStatus(args[1])
		if err != nil {
			return err
		}
		return editTask(cmd, args[0], func(tasks *store.TaskStore, t schema.Task) (string, error) {
			if !tasks.SetStatus(t.ID, status) {
				return "", fmt.Errorf("task %s vanished", t.ID)
			}
			return fmt.Sprintf("Moved %s to %s", shortID(t.ID), status), nil
		})
	},
}

var taskReorderCmd = &cobra.Command{
	Use:   "reorder <status> <task...>",
	Short: "Set the order of tasks within a status column",
	Long: `Put the named tasks first in the column, in the given order. Tasks not
named keep their relative order after them.`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		status, err := parseStatus(args[0])
		if err != nil {
			return err
		}
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()
		tasks := a.session.Tasks()
		a.session.Wait()

		var ids []string
		named := make(map[string]bool)
		for _, ref := range args[1:] {
			t, err := findTask(tasks, ref)
			if err != nil {
				return err
			}
			if t.Status != status {
				return fmt.Errorf("task %s is in %s, not %s", shortID(t.ID), t.Status, status)
			}
			ids = append(ids, t.ID)
			named[t.ID] = true
		}
		for _, t := range tasks.ByStatus(status) {
			if !named[t.ID] {
				ids = append(ids, t.ID)
			}
		}

		tasks.Reorder(status, ids)
		if err := a.settle(); err != nil {
			return err
		}
		fmt.Printf("%s Reordered %d tasks in %s\n", ui.RenderPass("✓"), len(ids), status)
		return nil
	},
}

var taskNoteCmd = &cobra.Command{
	Use:   "note <task> [text...]",
	Short: "Append a note to a task, or remove one with --remove",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		remove, _ := cmd.Flags().GetInt("remove")
		text := strings.TrimSpace(strings.Join(args[1:], " "))
		if remove == 0 && text == "" {
			return fmt.Errorf("nothing to add: give note text or --remove N")
		}
		return editTask(cmd, args[0], func(tasks *store.TaskStore, t schema.Task) (string, error) {
			if remove > 0 {
				if !tasks.RemoveNote(t.ID, remove-1) {
					return "", fmt.Errorf("task %s has no note %d", shortID(t.ID), remove)
				}
				return fmt.Sprintf("Removed note %d from %s", remove, shortID(t.ID)), nil
			}
			tasks.AddNote(t.ID, text)
			return fmt.Sprintf("Added note to %s", shortID(t.ID)), nil
		})
	},
}

var taskLinkCmd = &cobra.Command{
	Use:   "link <task> [url]",
	Short: "Attach a link to a task, or remove one with --remove",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		remove, _ := cmd.Flags().GetInt("remove")
		if remove == 0 && len(args) < 2 {
			return fmt.Errorf("nothing to add: give a link or --remove N")
		}
		return editTask(cmd, args[0], func(tasks *store.TaskStore, t schema.Task) (string, error) {
			if remove > 0 {
				if !tasks.RemoveLink(t.ID, remove-1) {
					return "", fmt.Errorf("task %s has no link %d", shortID(t.ID), remove)
				}
				return fmt.Sprintf("Removed link %d from %s", remove, shortID(t.ID)), nil
			}
			tasks.AddLink(t.ID, args[1])
			return fmt.Sprintf("Linked %s", shortID(t.ID)), nil
		})
	},
}

var taskSectionCmd = &cobra.Command{
	Use:   "section <task> <heading> [content...]",
	Short: "Add, edit (--edit) or remove (--remove) a task section",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		edit, _ := cmd.Flags().GetString("edit")
		remove, _ := cmd.Flags().GetString("remove")
		if remove == "" && len(args) < 2 {
			return fmt.Errorf("a heading is required")
		}
		return editTask(cmd, args[0], func(tasks *store.TaskStore, t schema.Task) (string, error) {
			if remove != "" {
				s, err := findSection(t, remove)
				if err != nil {
					return "", err
				}
				tasks.RemoveSection(t.ID, s.ID)
				return fmt.Sprintf("Removed section %q", s.Heading), nil
			}
			heading, content := args[1], strings.Join(args[2:], " ")
			if edit != "" {
				s, err := findSection(t, edit)
				if err != nil {
					return "", err
				}
				tasks.UpdateSection(t.ID, s.ID, heading, content)
				return fmt.Sprintf("Updated section %q", heading), nil
			}
			if _, ok := tasks.AddSection(t.ID, heading, content); !ok {
				return "", fmt.Errorf("failed to add section to %s", shortID(t.ID))
			}
			return fmt.Sprintf("Added section %q", heading), nil
		})
	},
}

var taskRmCmd = &cobra.Command{
	Use:   "rm <task...>",
	Short: "Delete tasks",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()
		tasks := a.session.Tasks()
		a.session.Wait()

		for _, ref := range args {
			t, err := findTask(tasks, ref)
			if err != nil {
				return err
			}
			tasks.Delete(t.ID)
		}
		if err := a.settle(); err != nil {
			return err
		}
		fmt.Printf("%s Deleted %d task(s)\n", ui.RenderPass("✓"), len(args))
		return nil
	},
}

func init() {
	taskAddCmd.Flags().String("status", "", "status column: backlog, doing, waiting or done")
	taskAddCmd.Flags().Int("priority", 0, "priority 1-5")
	taskAddCmd.Flags().String("assignee", "", "assignee name or id")
	taskAddCmd.Flags().String("project", "", "project name or id")
	taskAddCmd.Flags().String("due", "", `due date, e.g. "friday 5pm"`)
	taskAddCmd.Flags().Bool("raw", false, "use the text as the title without parsing it")

	taskListCmd.Flags().String("status", "", "only this status")
	taskListCmd.Flags().String("project", "", "only this project")
	taskListCmd.Flags().String("assignee", "", "only tasks assigned to this user")
	taskListCmd.Flags().Bool("json", false, "print JSON")

	taskNoteCmd.Flags().Int("remove", 0, "remove the Nth note (1-based)")
	taskLinkCmd.Flags().Int("remove", 0, "remove the Nth link (1-based)")
	taskSectionCmd.Flags().String("edit", "", "section id or heading to rewrite")
	taskSectionCmd.Flags().String("remove", "", "section id or heading to remove")

	taskCmd.AddCommand(taskAddCmd, taskParseCmd, taskListCmd, taskShowCmd, taskMoveCmd,
		taskReorderCmd, taskNoteCmd, taskLinkCmd, taskSectionCmd, taskRmCmd)
	rootCmd.AddCommand(taskCmd)
}

func runTaskAdd(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()
	tasks, users, projects := a.session.Tasks(), a.session.Users(), a.session.Projects()
	a.session.Wait()

	text := strings.Join(args, " ")
	var drafts []nlparse.Draft
	if raw, _ := cmd.Flags().GetBool("raw"); raw {
		drafts = []nlparse.Draft{{Title: text}}
	} else if drafts, err = parseDrafts(cmd, a, text); err != nil {
		return err
	}
	if len(drafts) == 0 {
		return fmt.Errorf("no task found in %q", text)
	}

	overrides, err := draftOverrides(cmd, users, projects)
	if err != nil {
		return err
	}
	batch := make([]schema.Task, len(drafts))
	for i, d := range drafts {
		batch[i] = overrides(d.Task(schema.SourceUI))
	}

	var added []schema.Task
	if len(batch) == 1 {
		t, err := tasks.Add(batch[0])
		if err != nil {
			return err
		}
		added = []schema.Task{t}
	} else if added, err = tasks.AddBatch(batch); err != nil {
		return err
	}
	if err := a.settle(); err != nil {
		return err
	}

	for _, t := range added {
		if saved, ok := tasks.Get(t.ID); ok {
			t = saved
		}
		fmt.Printf("%s Added %s %s %s\n", ui.RenderPass("✓"), ui.RenderAccent(shortID(t.ID)), t.Title, ui.Priority(t.Priority))
	}
	return nil
}

// parseDrafts runs text through Claude when an API key is configured and
// through the heuristic parser otherwise.
func parseDrafts(cmd *cobra.Command, a *app, text string) ([]nlparse.Draft, error) {
	users, projects := a.session.Users(), a.session.Projects()
	a.session.Wait()
	hints := nlparse.Hints{Now: time.Now(), Users: users.GetAll(), Projects: projects.GetAll()}
	return newParser(a.logs).Parse(cmd.Context(), text, hints)
}

func newParser(logs *logging.Logging) nlparse.Parser {
	if cfg.LLM.APIKey == "" {
		return nlparse.NewHeuristic()
	}
	p, err := nlparse.NewClaude(&nlparse.ClaudeConfig{
		APIKey: cfg.LLM.APIKey,
		Model:  cfg.LLM.Model,
		Logger: logs.New("nlparse"),
	})
	if err != nil {
		logs.New("nlparse").Printf("Falling back to heuristic parser: %v", err)
		return nlparse.NewHeuristic()
	}
	return p
}

// draftOverrides reads the task add flags into a function applying them.
func draftOverrides(cmd *cobra.Command, users *store.UserStore, projects *store.ProjectStore) (func(schema.Task) schema.Task, error) {
	flags := cmd.Flags()
	var status schema.Status
	if s, _ := flags.GetString("status"); s != "" {
		var err error
		if status, err = parseStatus(s); err != nil {
			return nil, err
		}
	}
	priority, _ := flags.GetInt("priority")
	if priority != 0 && (priority < schema.MinPriority || priority > schema.MaxPriority) {
		return nil, fmt.Errorf("priority must be between %d and %d", schema.MinPriority, schema.MaxPriority)
	}
	var assignee, project string
	if ref, _ := flags.GetString("assignee"); ref != "" {
		u, err := findUser(users, ref)
		if err != nil {
			return nil, err
		}
		assignee = u.ID
	}
	if ref, _ := flags.GetString("project"); ref != "" {
		p, err := findProject(projects, ref)
		if err != nil {
			return nil, err
		}
		project = p.ID
	}
	var due *time.Time
	if phrase, _ := flags.GetString("due"); phrase != "" {
		if due = nlparse.NewHeuristic().ParseDue(phrase, time.Now()); due == nil {
			return nil, fmt.Errorf("could not read a date from %q", phrase)
		}
	}

	return func(t schema.Task) schema.Task {
		if status != "" {
			t.Status = status
		}
		if priority != 0 {
			t.Priority = priority
		}
		if assignee != "" {
			t.AssigneeID = assignee
		}
		if project != "" {
			t.ProjectID = project
		}
		if due != nil {
			t.DueAt = due
		}
		return t
	}, nil
}

func runTaskList(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()
	tasks, users, projects := a.session.Tasks(), a.session.Users(), a.session.Projects()
	a.session.Wait()

	flags := cmd.Flags()
	statuses := schema.Statuses
	if s, _ := flags.GetString("status"); s != "" {
		status, err := parseStatus(s)
		if err != nil {
			return err
		}
		statuses = []schema.Status{status}
	}
	keep := func(schema.Task) bool { return true }
	if ref, _ := flags.GetString("project"); ref != "" {
		p, err := findProject(projects, ref)
		if err != nil {
			return err
		}
		keep = func(t schema.Task) bool { return t.ProjectID == p.ID }
	}
	if ref, _ := flags.GetString("assignee"); ref != "" {
		u, err := findUser(users, ref)
		if err != nil {
			return err
		}
		inner := keep
		keep = func(t schema.Task) bool { return inner(t) && t.AssigneeID == u.ID }
	}

	columns := make(map[schema.Status][]schema.Task)
	var all []schema.Task
	for _, status := range statuses {
		for _, t := range tasks.ByStatus(status) {
			if keep(t) {
				columns[status] = append(columns[status], t)
				all = append(all, t)
			}
		}
	}

	if asJSON, _ := flags.GetBool("json"); asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(all)
	}
	if len(all) == 0 {
		fmt.Println(ui.RenderMuted("No tasks."))
		return nil
	}

	for _, status := range statuses {
		column := columns[status]
		if len(column) == 0 {
			continue
		}
		fmt.Printf("\n%s (%d)\n", ui.Status(status), len(column))
		rows := make([][]string, 0, len(column))
		for _, t := range column {
			assignee := ""
			if u, ok := users.Get(t.AssigneeID); ok {
				assignee = ui.Avatar(u)
			}
			project := ""
			if p, ok := projects.Get(t.ProjectID); ok {
				project = p.Name
			}
			rows = append(rows, []string{shortID(t.ID), ui.Priority(t.Priority), t.Title, assignee, formatTime(t.DueAt), project})
		}
		ui.Table(os.Stdout, []string{"ID", "P", "TITLE", "WHO", "DUE", "PROJECT"}, rows)
	}
	return nil
}

// editTask resolves ref, applies fn and waits for the write to land.
func editTask(cmd *cobra.Command, ref string, fn func(*store.TaskStore, schema.Task) (string, error)) error {
	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()
	tasks := a.session.Tasks()
	a.session.Wait()

	t, err := findTask(tasks, ref)
	if err != nil {
		return err
	}
	msg, err := fn(tasks, t)
	if err != nil {
		return err
	}
	if err := a.settle(); err != nil {
		return err
	}
	fmt.Printf("%s %s\n", ui.RenderPass("✓"), msg)
	return nil
}

func parseStatus(s string) (schema.Status, error) {
	status := schema.Status(strings.ToLower(strings.TrimSpace(s)))
	if !status.Valid() {
		return "", fmt.Errorf("unknown status %q (want backlog, doing, waiting or done)", s)
	}
	return status, nil
}

func findSection(t schema.Task, ref string) (schema.Section, error) {
	if n, err := strconv.Atoi(ref); err == nil && n >= 1 && n <= len(t.Sections) {
		return t.Sections[n-1], nil
	}
	return match("section", t.Sections, ref,
		func(s schema.Section) string { return s.ID },
		func(s schema.Section) string { return s.Heading })
}
