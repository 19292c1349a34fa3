// Command errormonitor runs the error-monitoring backend: the ingestion
// gateway, the dashboard API, and the background digest/report/retention
// jobs, plus a few offline admin subcommands for bootstrapping projects
// and users.
//
// Logging:
//   - Base logger is created here with output format and level
//   - Logger is passed to all components via dependency injection
//   - No global slog configuration (no slog.SetDefault)
//   - Components scope loggers with their own attributes
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/kluzzebass/errormonitor/internal/logging"
)

var version = "dev"

func main() {
	baseHandler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelDebug, // allow all levels; filtering done by ComponentFilterHandler
	})
	filterHandler := logging.NewComponentFilterHandler(baseHandler, slog.LevelInfo)
	logger := slog.New(filterHandler)

	rootCmd := &cobra.Command{
		Use:   "errormonitor",
		Short: "Error monitoring backend",
	}
	rootCmd.PersistentFlags().String("db", "", "sqlite database path (default: $MONGODB_URL, falling back to ./data/errormonitor.db)")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}

	rootCmd.AddCommand(
		newServeCmd(logger),
		newMigrateCmd(logger),
		newProjectCmd(logger),
		newUserCmd(logger),
		versionCmd,
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
