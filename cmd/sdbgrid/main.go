package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"sdbgrid/internal/config"
	"sdbgrid/internal/evaluate"
	"sdbgrid/internal/store"
	"sdbgrid/internal/types"
	"sdbgrid/internal/watch"
)

var version = "0.3.0"

var (
	// Global flags
	verbose    bool
	configPath string
	gridRoot   string
	database   string
	workers    int

	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "sdbgrid",
	Short: "sdbgrid - stellar evolution grid evaluator",
	Long: `sdbgrid turns a directory tree of stellar evolution runs into a queryable
SQLite database. It discovers runs (plain directories and zip archives),
parses their history tables, detects configured evolutionary phases and
extracts quantities at each, writing one record per run.

Re-running is cheap: unchanged runs are skipped by fingerprint.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
	SilenceUsage: true,
}

var evaluateCmd = &cobra.Command{
	Use:   "evaluate",
	Short: "Run one evaluation pass over the grid",
	Long: `Discovers every run under the grid root, evaluates new or changed ones
and writes results to the grid database. Exits non-zero when the number of
failed runs exceeds the configured threshold.`,
	RunE: runEvaluate,
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Watch the grid root and re-evaluate on changes",
	Long: `Runs one evaluation pass, then keeps watching the grid root. New or
rewritten runs trigger another pass once writes settle. Stops on SIGINT or
SIGTERM.`,
	RunE: runWatch,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the sdbgrid version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("sdbgrid %s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to YAML config file")
	rootCmd.PersistentFlags().StringVar(&gridRoot, "root", "", "grid root directory (overrides config)")
	rootCmd.PersistentFlags().StringVar(&database, "database", "", "grid database path (overrides config)")
	rootCmd.PersistentFlags().IntVar(&workers, "workers", 0, "worker pool size (overrides config)")

	rootCmd.AddCommand(evaluateCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(versionCmd)
}

// loadConfig builds the effective configuration: file (or defaults), then
// flag overrides, then validation.
func loadConfig() (*config.Config, error) {
	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.Load(configPath)
		if err != nil {
			return nil, err
		}
	} else {
		cfg = config.DefaultConfig()
	}

	if gridRoot != "" {
		cfg.Grid.Root = gridRoot
	}
	if database != "" {
		cfg.Grid.Database = database
	}
	if workers > 0 {
		cfg.Evaluation.Workers = workers
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runEvaluate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	st, err := store.Open(cfg.Grid.Database)
	if err != nil {
		return err
	}
	defer st.Close()

	ev, err := evaluate.New(cfg, st, logger)
	if err != nil {
		return err
	}

	summary, err := ev.Run(cmd.Context())
	if err != nil {
		return err
	}
	report(summary)

	if summary.Failed > cfg.Evaluation.FailThreshold {
		return fmt.Errorf("%d runs failed (threshold %d)", summary.Failed, cfg.Evaluation.FailThreshold)
	}
	return nil
}

func runWatch(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	st, err := store.Open(cfg.Grid.Database)
	if err != nil {
		return err
	}
	defer st.Close()

	ev, err := evaluate.New(cfg, st, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// One full pass up front so the database is current before we start
	// reacting to changes.
	summary, err := ev.Run(ctx)
	if err != nil {
		return err
	}
	report(summary)

	gw, err := watch.New(cfg.Grid.Root, 2*time.Second, ev.Run, logger)
	if err != nil {
		return err
	}
	if err := gw.Start(ctx); err != nil {
		return err
	}
	defer gw.Stop()

	<-ctx.Done()
	logger.Info("shutting down")
	return nil
}

func report(summary types.Summary) {
	fmt.Println(summary.String())
	for _, f := range summary.Failures {
		fmt.Fprintf(os.Stderr, "  failed: %s: %s\n", f.RunID, f.Reason)
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
