package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"jobwatch/internal/config"
)

var (
	logLevel string
	debug    bool
)

var rootCmd = &cobra.Command{
	Use:   "jobwatch",
	Short: "Watch job progress over a WebSocket session",
	Long: `jobwatch keeps a WebSocket session to a job server open, tracks the
progress of every job it hears about and renders it to the terminal.

Commands:
  watch        Connect to a job server and follow its jobs
  mock-server  Run a local job server that speaks the same protocol`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		setupLogging()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", config.GetEnv("LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", config.GetBoolEnv("JOBWATCH_DEBUG", false), "Log every frame and enable debug logging")
}

func setupLogging() {
	var level slog.Level
	if err := level.UnmarshalText([]byte(logLevel)); err != nil {
		level = slog.LevelInfo
	}
	if debug {
		level = slog.LevelDebug
	}
	// Terminal output goes to stdout; logs stay on stderr.
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}
