package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/tandemhq/tandem/internal/nlparse"
	"github.com/tandemhq/tandem/internal/schema"
	"github.com/tandemhq/tandem/internal/ui"
)

var taskNewCmd = &cobra.Command{
	Use:   "new",
	Short: "Create a task with an interactive form",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if !ui.IsTerminal(os.Stdin) || !ui.IsTerminal(os.Stdout) {
			return fmt.Errorf("task new needs a terminal; use 'tandem task add' in scripts")
		}

		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()
		tasks, users, projects := a.session.Tasks(), a.session.Users(), a.session.Projects()
		a.session.Wait()

		var (
			title    string
			status   = schema.StatusBacklog
			priority = schema.DefaultPriority
			assignee = cfg.User
			project  string
			due      string
			notes    string
		)

		statusOpts := make([]huh.Option[schema.Status], 0, len(schema.Statuses))
		for _, s := range schema.Statuses {
			statusOpts = append(statusOpts, huh.NewOption(string(s), s))
		}
		priorityOpts := make([]huh.Option[int], 0, schema.MaxPriority)
		for p := schema.MinPriority; p <= schema.MaxPriority; p++ {
			priorityOpts = append(priorityOpts, huh.NewOption(fmt.Sprintf("P%d", p), p))
		}
		userOpts := []huh.Option[string]{huh.NewOption("(nobody)", "")}
		for _, u := range users.GetAll() {
			userOpts = append(userOpts, huh.NewOption(u.Name, u.ID))
		}
		projectOpts := []huh.Option[string]{huh.NewOption("(none)", "")}
		for _, p := range projects.GetAll() {
			projectOpts = append(projectOpts, huh.NewOption(p.Name, p.ID))
		}

		heuristic := nlparse.NewHeuristic()
		form := huh.NewForm(
			huh.NewGroup(
				huh.NewInput().
					Title("Title").
					Value(&title).
					Validate(func(s string) error {
						if strings.TrimSpace(s) == "" {
							return errors.New("title is required")
						}
						return nil
					}),
				huh.NewSelect[schema.Status]().Title("Status").Options(statusOpts...).Value(&status),
				huh.NewSelect[int]().Title("Priority").Options(priorityOpts...).Value(&priority),
			),
			huh.NewGroup(
				huh.NewSelect[string]().Title("Assignee").Options(userOpts...).Value(&assignee),
				huh.NewSelect[string]().Title("Project").Options(projectOpts...).Value(&project),
				huh.NewInput().
					Title("Due").
					Placeholder("e.g. friday 5pm (optional)").
					Value(&due).
					Validate(func(s string) error {
						if strings.TrimSpace(s) != "" && heuristic.ParseDue(s, time.Now()) == nil {
							return errors.New("not a date I understand")
						}
						return nil
					}),
				huh.NewText().Title("Notes").Value(&notes),
			),
		)
		if err := form.Run(); err != nil {
			if errors.Is(err, huh.ErrUserAborted) {
				fmt.Println(ui.RenderMuted("Cancelled."))
				return nil
			}
			return fmt.Errorf("failed to run form: %w", err)
		}

		t := schema.Task{
			Title:      strings.TrimSpace(title),
			Status:     status,
			Priority:   priority,
			AssigneeID: assignee,
			ProjectID:  project,
			Source:     schema.SourceUI,
		}
		if strings.TrimSpace(due) != "" {
			t.DueAt = heuristic.ParseDue(due, time.Now())
		}
		if n := strings.TrimSpace(notes); n != "" {
			t.Notes = []string{n}
		}

		added, err := tasks.Add(t)
		if err != nil {
			return err
		}
		if err := a.settle(); err != nil {
			return err
		}
		if saved, ok := tasks.Get(added.ID); ok {
			added = saved
		}
		fmt.Printf("%s Added %s %s\n", ui.RenderPass("✓"), ui.RenderAccent(shortID(added.ID)), added.Title)
		return nil
	},
}

func init() {
	taskCmd.AddCommand(taskNewCmd)
}
