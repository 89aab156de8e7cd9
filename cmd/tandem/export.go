package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/tandemhq/tandem/internal/schema"
)

// snapshot is the document written by tandem export.
type snapshot struct {
	ExportedAt time.Time        `json:"exported_at" yaml:"exported_at"`
	User       string           `json:"user,omitempty" yaml:"user,omitempty"`
	Users      []schema.User    `json:"users" yaml:"users"`
	Projects   []schema.Project `json:"projects" yaml:"projects"`
	Tasks      []schema.Task    `json:"tasks" yaml:"tasks"`
	Channels   []schema.Channel `json:"channels,omitempty" yaml:"channels,omitempty"`
}

var exportCmd = &cobra.Command{
	Use:     "export",
	GroupID: "admin",
	Short:   "Write users, projects, tasks and your channels as YAML or JSON",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		format, _ := cmd.Flags().GetString("format")
		output, _ := cmd.Flags().GetString("output")
		if format != "yaml" && format != "json" {
			return fmt.Errorf("unknown format %q (want yaml or json)", format)
		}

		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()
		users, projects, tasks := a.session.Users(), a.session.Projects(), a.session.Tasks()
		snap := snapshot{ExportedAt: time.Now().UTC(), User: cfg.User}
		if cfg.User != "" {
			a.session.Channels("")
		}
		a.session.Wait()

		snap.Users, snap.Projects, snap.Tasks = users.GetAll(), projects.GetAll(), tasks.GetAll()
		if cfg.User != "" {
			snap.Channels = a.session.Channels("").GetAll()
		}

		var w io.Writer = os.Stdout
		if output != "" {
			f, err := os.Create(output)
			if err != nil {
				return fmt.Errorf("failed to create %s: %w", output, err)
			}
			defer f.Close()
			w = f
		}
		if err := writeSnapshot(w, format, &snap); err != nil {
			return err
		}
		if output != "" {
			fmt.Fprintf(os.Stderr, "Exported %d tasks to %s\n", len(snap.Tasks), output)
		}
		return nil
	},
}

func writeSnapshot(w io.Writer, format string, snap *snapshot) error {
	if format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(snap); err != nil {
			return fmt.Errorf("failed to encode export: %w", err)
		}
		return nil
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(snap); err != nil {
		return fmt.Errorf("failed to encode export: %w", err)
	}
	return enc.Close()
}

func init() {
	exportCmd.Flags().StringP("format", "f", "yaml", "yaml or json")
	exportCmd.Flags().StringP("output", "o", "", "write to a file instead of stdout")
	rootCmd.AddCommand(exportCmd)
}
