package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/tandemhq/tandem/internal/schema"
	"github.com/tandemhq/tandem/internal/ui"
)

var projectCmd = &cobra.Command{
	Use:     "project",
	GroupID: "work",
	Short:   "Manage projects",
}

var projectAddCmd = &cobra.Command{
	Use:   "add <name>",
	Short: "Create a project",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		color, _ := cmd.Flags().GetString("color")

		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()
		projects := a.session.Projects()
		a.session.Wait()

		p, err := projects.Add(args[0], color)
		if err != nil {
			return err
		}
		if err := a.settle(); err != nil {
			return err
		}
		if saved, ok := projects.Get(p.ID); ok {
			p = saved
		}
		fmt.Printf("%s Created project %s %s\n", ui.RenderPass("✓"), ui.RenderAccent(shortID(p.ID)), p.Name)
		return nil
	},
}

var projectListCmd = &cobra.Command{
	Use:   "list",
	Short: "List projects with their open task counts",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()
		projects, tasks := a.session.Projects(), a.session.Tasks()
		a.session.Wait()

		open := make(map[string]int)
		for _, t := range tasks.GetAll() {
			if t.Status != schema.StatusDone {
				open[t.ProjectID]++
			}
		}
		var rows [][]string
		for _, p := range projects.GetAll() {
			rows = append(rows, []string{shortID(p.ID), p.Name, p.Color, strconv.Itoa(open[p.ID])})
		}
		if len(rows) == 0 {
			fmt.Println(ui.RenderMuted("No projects."))
			return nil
		}
		ui.Table(os.Stdout, []string{"ID", "NAME", "COLOR", "OPEN"}, rows)
		return nil
	},
}

var projectRmCmd = &cobra.Command{
	Use:   "rm <project>",
	Short: "Delete a project; its tasks and channels are kept but detached",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()
		projects := a.session.Projects()
		a.session.Tasks()
		a.session.Wait()

		p, err := findProject(projects, args[0])
		if err != nil {
			return err
		}
		projects.Delete(p.ID)
		if err := a.settle(); err != nil {
			return err
		}
		fmt.Printf("%s Deleted project %s\n", ui.RenderPass("✓"), p.Name)
		return nil
	},
}

func init() {
	projectAddCmd.Flags().String("color", schema.DefaultColor, "display color as #rrggbb")

	projectCmd.AddCommand(projectAddCmd, projectListCmd, projectRmCmd)
	rootCmd.AddCommand(projectCmd)
}
