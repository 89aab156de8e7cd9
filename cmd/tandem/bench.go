package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/tandemhq/tandem/internal/benchmark"
	"github.com/tandemhq/tandem/internal/config"
)

var benchCmd = &cobra.Command{
	Use:     "bench",
	GroupID: "admin",
	Short:   "Measure optimistic, confirmed and propagation latency of task writes",
	Long: `Run a sync benchmark against the configured remote store.

Concurrent writer sessions add tasks while an observer session watches for
them. For every write the benchmark records:

  optimistic   time until the task is readable in the writer's cache
  confirmed    time until the write has landed on the remote store
  propagation  time until the observer sees it through its change stream

With --against, the same load runs on a second driver and the two are
compared. A sqlite target without --against-dsn uses a scratch database.

Examples:
  tandem bench --dsn team.db
  tandem bench --clients 50 --ops 10
  tandem bench --remote postgres --dsn postgres://localhost/tandem --against sqlite
  tandem bench --against memory --json
`,
	Args: cobra.NoArgs,
	RunE: runBench,
}

func init() {
	benchCmd.Flags().Int("clients", 10, "number of concurrent writer sessions")
	benchCmd.Flags().Int("ops", 20, "tasks added by each writer")
	benchCmd.Flags().Duration("settle", 10*time.Second, "how long to wait for every task to propagate")
	benchCmd.Flags().String("against", "", "driver to compare with: sqlite, libsql, postgres or memory")
	benchCmd.Flags().String("against-dsn", "", "DSN for the --against driver")
	benchCmd.Flags().Bool("json", false, "output the comparison as JSON")
	rootCmd.AddCommand(benchCmd)
}

func runBench(cmd *cobra.Command, args []string) error {
	flags := cmd.Flags()
	clients, _ := flags.GetInt("clients")
	ops, _ := flags.GetInt("ops")
	settle, _ := flags.GetDuration("settle")
	against, _ := flags.GetString("against")
	againstDSN, _ := flags.GetString("against-dsn")
	jsonOutput, _ := flags.GetBool("json")

	if clients <= 0 || ops <= 0 {
		return fmt.Errorf("--clients and --ops must be positive")
	}
	if jsonOutput && against == "" {
		return fmt.Errorf("--json needs --against")
	}
	ctx := cmd.Context()
	bench := benchmark.Config{Clients: clients, OpsPerClient: ops, Settle: settle}

	primary, err := benchOne(ctx, cfg, bench, !jsonOutput)
	if err != nil {
		return err
	}
	if against == "" {
		return nil
	}

	other := *cfg
	other.Remote.Driver = against
	other.Remote.DSN = againstDSN
	if against == config.DriverSQLite && againstDSN == "" {
		dir, err := os.MkdirTemp("", "tandem-bench-")
		if err != nil {
			return fmt.Errorf("failed to create scratch dir: %w", err)
		}
		defer os.RemoveAll(dir)
		other.Remote.DSN = filepath.Join(dir, "bench.db")
	}
	if err := other.Validate(); err != nil {
		return fmt.Errorf("invalid --against target: %w", err)
	}
	secondary, err := benchOne(ctx, &other, bench, !jsonOutput)
	if err != nil {
		return err
	}

	comparison := benchmark.Compare(secondary, primary)
	if jsonOutput {
		return benchmark.WriteComparisonJSON(os.Stdout, comparison)
	}
	benchmark.PrintComparison(comparison)
	return nil
}

func benchOne(ctx context.Context, c *config.Config, bench benchmark.Config, print bool) (*benchmark.Result, error) {
	local := *c
	local.Feed.URL = ""
	logs := setupLogging(&local)
	defer logs.Close()
	backend, err := openBackend(ctx, &local, logs)
	if err != nil {
		return nil, err
	}
	defer backend.Close()

	bench.Name = local.Remote.Driver
	if print {
		fmt.Printf("Running %s benchmark (%d writers x %d tasks)...\n", bench.Name, bench.Clients, bench.OpsPerClient)
	}
	result, err := benchmark.Run(ctx, backend, bench)
	if err != nil {
		return nil, err
	}
	if print {
		benchmark.PrintResult(*result)
	}
	return result, nil
}
