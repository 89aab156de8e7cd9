package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tandemhq/tandem/internal/feed"
	"github.com/tandemhq/tandem/internal/ui"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	GroupID: "admin",
	Short:   "Relay the store's change events to websocket clients",
	Long: `Start a websocket feed that relays every row change of the remote store.

Clients started with --feed-url take their change events from the feed
instead of watching the store themselves, which suits stores without a
change stream of their own (a remote libSQL database) or many clients on
one Postgres server.

Frames are JSON text by default. A client may ask for msgpack binary
frames with ?encoding=msgpack.

Example usage:
  tandem serve --dsn team.db
  tandem serve --remote postgres --dsn postgres://localhost/tandem --addr :9000

Connect with:
  tandem --feed-url ws://localhost:8787/ws chat watch general`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		local := *cfg
		local.Feed.URL = ""
		logs := setupLogging(&local)
		defer logs.Close()
		backend, err := openBackend(ctx, &local, logs)
		if err != nil {
			return err
		}
		defer backend.Close()

		server := feed.NewServer(backend, &feed.Config{
			Addr:     cfg.Feed.Addr,
			Encoding: feed.Encoding(cfg.Feed.Encoding),
			Logger:   logs.New("feed"),
		})
		if err := server.Start(); err != nil {
			return fmt.Errorf("failed to start feed: %w", err)
		}

		fmt.Printf("%s Feed relaying %s changes\n", ui.RenderPass("✓"), cfg.Remote.Driver)
		fmt.Printf("WebSocket endpoint: ws://%s/ws\n", server.Addr())
		fmt.Printf("Health check: http://%s/health\n", server.Addr())
		fmt.Println("\nPress Ctrl+C to stop...")

		<-ctx.Done()

		fmt.Println("\nShutting down feed...")
		if err := server.Stop(); err != nil {
			return fmt.Errorf("failed to stop feed: %w", err)
		}
		fmt.Println("Feed stopped")
		return nil
	},
}

func init() {
	serveCmd.Flags().String("addr", ":8787", "address to listen on")
	serveCmd.Flags().String("encoding", "json", "default frame encoding: json or msgpack")
	rootCmd.AddCommand(serveCmd)
}
