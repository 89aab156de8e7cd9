package main

import (
	"fmt"
	"net/url"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/tandemhq/tandem/internal/benchmark"
	"github.com/tandemhq/tandem/internal/remote"
	"github.com/tandemhq/tandem/internal/ui"
)

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "admin",
	Short:   "Show the configured remote store and what it holds",
	Long: `Display where tandem is pointed and what is stored there.

Shows:
  - Config file, driver and DSN (passwords redacted)
  - Database file size for local SQLite stores
  - Row count of every table
  - The acting user and their unread notifications`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			fmt.Printf("\n%s Remote store unavailable: %v\n\n", ui.RenderWarn("⚠"), err)
			return err
		}
		defer a.Close()

		source := cfg.Source
		if source == "" {
			source = ui.RenderMuted("(defaults)")
		}
		fmt.Printf("\n%s tandem status\n\n", ui.RenderAccent("●"))
		fmt.Printf("   Config:  %s\n", source)
		fmt.Printf("   Driver:  %s\n", cfg.Remote.Driver)
		if cfg.Remote.DSN != "" {
			fmt.Printf("   DSN:     %s\n", redactDSN(cfg.Remote.DSN))
		}
		if p, ok := a.backend.(interface{ Path() string }); ok && p.Path() != "" {
			if info, err := os.Stat(p.Path()); err == nil {
				fmt.Printf("   Size:    %s\n", benchmark.FormatBytes(uint64(info.Size())))
			}
		}
		if cfg.Feed.URL != "" {
			fmt.Printf("   Feed:    %s\n", cfg.Feed.URL)
		}
		fmt.Println()

		var rows [][]string
		for _, kind := range remote.Kinds {
			found, err := a.backend.FetchAll(ctx, kind, remote.Query{})
			if err != nil {
				return fmt.Errorf("failed to count %s: %w", kind, err)
			}
			rows = append(rows, []string{string(kind), strconv.Itoa(len(found))})
		}
		ui.Table(os.Stdout, []string{"TABLE", "ROWS"}, rows)

		if cfg.User != "" {
			users := a.session.Users()
			inbox := a.session.Notifications("")
			a.session.Wait()
			name := cfg.User
			if u, ok := users.Get(cfg.User); ok {
				name = ui.Avatar(u) + " " + u.Name
			} else {
				name += " " + ui.RenderWarn("(not a known user)")
			}
			fmt.Printf("\n   Acting as %s, %d unread notifications\n", name, inbox.Unread())
		}
		fmt.Println()
		return nil
	},
}

func redactDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil || u.User == nil {
		return dsn
	}
	return u.Redacted()
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
