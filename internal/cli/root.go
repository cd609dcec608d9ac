package cli

import (
	"context"

	"github.com/spf13/cobra"
)

var version = "dev"

func SetVersion(v string) {
	version = v
}

var rootCmd = &cobra.Command{
	Use:   "flowwatch",
	Short: "Track pipelines running on an execution engine",
	Long: `flowwatch keeps a consistent view of pipelines executed by a remote engine:
running pipelines, the active step, progress, captured output, nested child
pipelines and fan-out batch runs. It reattaches after restarts and restores
in-flight state from the engine.

Finished runs are recorded in ~/.flowwatch/history.db (SQLite) or PostgreSQL.`,
	SilenceUsage: true,
}

func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "path to config file (default: ./flowwatch.yaml or ~/.flowwatch/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&engineURL, "engine-url", "", "engine base URL (overrides config)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error (overrides config)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(continueCmd)
	rootCmd.AddCommand(batchCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(dbCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(analyticsCmd)
}
