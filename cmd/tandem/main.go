// Command tandem is a terminal client for a shared task board and team chat.
//
// Every command runs against a Session: an optimistic, realtime-synced mirror
// of the remote store selected by --remote/--dsn (or the config file).
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tandemhq/tandem/internal/config"
	"github.com/tandemhq/tandem/internal/ui"
)

var (
	configFile string
	cfg        *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "tandem",
	Short: "Shared task board and team chat",
	Long: `tandem keeps a local, instantly-updated view of a team's tasks, projects,
channels and notifications, and syncs every change with the remote store.

Edits apply locally first and are written in the background; a failed write
is rolled back and reported. Changes made by others stream in through the
store's change feed, or through a websocket feed started with 'tandem serve'.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		ui.Init(os.Stdout)
		loaded, err := config.Load(config.Options{File: configFile, Flags: cmd.Flags()})
		if err != nil {
			return err
		}
		cfg = loaded
		return nil
	},
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "work", Title: "Tasks and projects:"},
		&cobra.Group{ID: "chat", Title: "Chat and notifications:"},
		&cobra.Group{ID: "admin", Title: "Setup and data:"},
	)

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configFile, "config", "", "config file (default: .tandem/config.yaml or ~/.tandem/config.yaml)")
	flags.String("user", "", "acting user id")
	flags.String("remote", "", "remote driver: sqlite, libsql, postgres or memory")
	flags.String("dsn", "", "remote store DSN or path")
	flags.String("feed-url", "", "websocket feed to take change events from")
	flags.String("log-file", "", "write logs to this file")
	flags.BoolP("verbose", "v", false, "log to stderr")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
