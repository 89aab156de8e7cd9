package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tandemhq/tandem/internal/seed"
	"github.com/tandemhq/tandem/internal/ui"
)

var seedCmd = &cobra.Command{
	Use:     "seed <file>",
	GroupID: "admin",
	Short:   "Load users, projects, tasks and channels from a TOML or JSONL file",
	Long: `Load a workspace from a TOML file, or a JSON Lines file (.jsonl) with one
{"kind": ...} object per line. Rows get stable ids derived from the file, so
seeding the same file twice skips what is already there.

Example TOML file:

  [[users]]
  name = "Ana Lima"
  role = "designer"

  [[projects]]
  name = "Website"

  [[tasks]]
  title    = "Draft landing page"
  status   = "doing"
  assignee = "Ana Lima"
  project  = "Website"

  [[channels]]
  name    = "general"
  members = ["Ana Lima"]`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		f, err := seed.LoadFile(args[0])
		if err != nil {
			return err
		}

		logs := setupLogging(cfg)
		defer logs.Close()
		backend, err := openBackend(ctx, cfg, logs)
		if err != nil {
			return err
		}
		defer backend.Close()

		res, err := seed.Apply(ctx, backend, f)
		if err != nil {
			return err
		}
		fmt.Printf("%s Seeded %d users, %d projects, %d tasks, %d channels (%d memberships)\n",
			ui.RenderPass("✓"), res.Users, res.Projects, res.Tasks, res.Channels, res.Members)
		if res.Skipped > 0 {
			fmt.Printf("%s %d rows already existed\n", ui.RenderWarn("!"), res.Skipped)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(seedCmd)
}
