package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/curatorhq/curator/pkg/config"
	"github.com/curatorhq/curator/pkg/parser"
	"github.com/curatorhq/curator/pkg/store"
	"github.com/curatorhq/curator/pkg/taskmaster"
)

var scanFlags struct {
	db            string
	include       []string
	exclude       []string
	extensions    []string
	minSize       string
	maxSize       string
	modifiedAfter string
	maxFiles      int
	maxRuntime    string
}

var scanCmd = &cobra.Command{
	Use:   "scan [roots...]",
	Short: "Run a one-shot index scan and wait for it to finish",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runScan,
}

func init() {
	rootCmd.AddCommand(scanCmd)

	scanCmd.Flags().StringVar(&scanFlags.db, "db", "",
		"SQLite database path (overrides config)")
	scanCmd.Flags().StringSliceVar(&scanFlags.include, "include", nil,
		"glob patterns a file must match")
	scanCmd.Flags().StringSliceVar(&scanFlags.exclude, "exclude", nil,
		"glob patterns that reject a file")
	scanCmd.Flags().StringSliceVar(&scanFlags.extensions, "ext", nil,
		"file extensions to accept (e.g. .txt,.md)")
	scanCmd.Flags().StringVar(&scanFlags.minSize, "min-size", "",
		"minimum file size (e.g. 1KB)")
	scanCmd.Flags().StringVar(&scanFlags.maxSize, "max-size", "",
		"maximum file size (e.g. 100MB)")
	scanCmd.Flags().StringVar(&scanFlags.modifiedAfter, "modified-after", "",
		"only files modified after this RFC3339 timestamp")
	scanCmd.Flags().IntVar(&scanFlags.maxFiles, "max-files", 0,
		"stop after this many files (0 = unbounded)")
	scanCmd.Flags().StringVar(&scanFlags.maxRuntime, "max-runtime", "",
		"stop after this duration (e.g. 10m)")
}

func runScan(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if scanFlags.db != "" {
		cfg.Database.Driver = "sqlite"
		cfg.Database.SQLite.Path = scanFlags.db
	}

	filters := config.FilterConfig{
		Include:       scanFlags.include,
		Exclude:       scanFlags.exclude,
		Extensions:    scanFlags.extensions,
		MinSize:       scanFlags.minSize,
		MaxSize:       scanFlags.maxSize,
		ModifiedAfter: scanFlags.modifiedAfter,
		MaxFiles:      scanFlags.maxFiles,
		MaxRuntime:    scanFlags.maxRuntime,
	}

	roots := make([]string, 0, len(args))

	for _, root := range args {
		abs, err := filepath.Abs(root)
		if err != nil {
			return fmt.Errorf("resolving root %q: %w", root, err)
		}

		roots = append(roots, abs)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	st := store.NewStore(log, &cfg.Database)
	if err := st.Start(ctx); err != nil {
		return fmt.Errorf("starting store: %w", err)
	}

	defer func() { _ = st.Stop() }()

	registry := parser.NewRegistry()
	registry.Register(parser.NewPlainText())

	cfg.Scheduler.Enabled = false

	tm := taskmaster.New(log, cfg, st, registry)
	if err := tm.Start(ctx); err != nil {
		return fmt.Errorf("starting orchestrator: %w", err)
	}

	defer func() { _ = tm.Stop() }()

	runID, err := tm.SubmitRun(ctx, taskmaster.JobTypeIndex,
		taskmaster.Params{Roots: roots, Filters: &filters})
	if err != nil {
		return fmt.Errorf("submitting run: %w", err)
	}

	log.WithField("run_id", runID).Info("Scan started")

	// A signal cancels the run, which then finishes as cancelled.
	go func() {
		sig := <-sigCh
		log.WithField("signal", sig).Info("Cancelling scan")

		if err := tm.CancelRun(context.Background(), runID); err != nil {
			log.WithError(err).Warn("Cancel request failed")
		}
	}()

	run, err := tm.AwaitRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("waiting for run: %w", err)
	}

	printRunSummary(run)

	if run.Status != store.RunStatusCompleted {
		return fmt.Errorf("run %s %s", runID, run.Status)
	}

	return nil
}

// printRunSummary prints per-task outcomes and aggregated counters.
func printRunSummary(run *store.Run) {
	fmt.Printf("run %s: %s\n", run.ID, run.Status)

	for _, task := range run.Tasks {
		fmt.Printf("  %s: %s\n", task.Root, task.Status)

		if task.Error != "" {
			fmt.Printf("    error: %s\n", task.Error)
		}

		if task.MetricsJSON == "" {
			continue
		}

		var m store.TaskMetrics
		if err := json.Unmarshal([]byte(task.MetricsJSON), &m); err != nil {
			continue
		}

		fmt.Printf("    discovered=%d processed=%d skipped=%d\n",
			m.Discovered, m.Processed, m.Skipped)

		if m.PermissionErrors > 0 || m.IOErrors > 0 || m.SymlinkLoops > 0 ||
			m.ParserFailures > 0 {
			fmt.Printf("    permission_errors=%d io_errors=%d symlink_loops=%d parser_failures=%d\n",
				m.PermissionErrors, m.IOErrors, m.SymlinkLoops, m.ParserFailures)
		}

		if m.BudgetExhausted {
			fmt.Printf("    budget exhausted: %s\n", m.BudgetReason)
		}
	}
}
