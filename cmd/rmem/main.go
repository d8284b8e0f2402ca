package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"replinet/internal/config"
	"replinet/internal/logging"
	"replinet/internal/store"
)

var (
	// Global flags
	verbose    bool
	configPath string
	dbPath     string

	cfg      *config.Config
	logger   *zap.Logger
	logLevel = zap.NewAtomicLevelAt(zapcore.InfoLevel)
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "rmem",
	Short: "rmem - a reflective memory runtime",
	Long: `rmem hosts a memory of objects in groups, reduces them with programs and
models, and persists the result as snapshots in a SQLite database.

A memory starts from a snapshot: "rmem init" writes an empty one, "rmem run"
loads the latest (or a given) snapshot, runs it and saves it back on exit.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		if dbPath != "" {
			cfg.Store.Path = dbPath
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}

		zc := zap.NewProductionConfig()
		if cfg.Logging.Format == "console" {
			zc = zap.NewDevelopmentConfig()
		}
		if err := applyLogLevel(cfg.Logging); err != nil {
			return err
		}
		zc.Level = logLevel
		if cfg.Logging.File != "" {
			zc.OutputPaths = []string{cfg.Logging.File}
		}
		logger, err = zc.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		logging.Attach(logger, cfg.Logging.Categories)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "rmem.yaml", "Configuration file")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "Snapshot database (overrides store.path)")

	snapshotCmd.AddCommand(snapshotListCmd)
	snapshotCmd.AddCommand(snapshotShowCmd)
	snapshotCmd.AddCommand(snapshotDeleteCmd)
	snapshotCmd.AddCommand(snapshotPruneCmd)
	snapshotCmd.AddCommand(snapshotExportModelsCmd)

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(snapshotCmd)
	rootCmd.AddCommand(configCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// applyLogLevel sets the level of the CLI logger from the logging section;
// --verbose wins.
func applyLogLevel(lc config.LoggingConfig) error {
	if verbose || lc.DebugMode {
		logLevel.SetLevel(zapcore.DebugLevel)
		return nil
	}
	if lc.Level == "" {
		return nil
	}
	lvl, err := zapcore.ParseLevel(lc.Level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", lc.Level, err)
	}
	logLevel.SetLevel(lvl)
	return nil
}

// openStore opens the configured snapshot database.
func openStore() (*store.SnapshotStore, error) {
	return store.Open(cfg.Store.Path)
}
