package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/chainguard-dev/clog"
	"github.com/spf13/cobra"
)

var version = "dev"

var (
	configPath string
	rootCmd    = &cobra.Command{
		Use:   "taskpilot",
		Short: "Taskpilot - agent task orchestration for code hosting",
		Long: `Taskpilot turns /pilot commands from issues, pull requests and review
comments into agent runs on a working branch. It admits each request against
budget, permission and rate limits, dispatches it with the configured
strategy, opens pull requests for the result and bills the requester.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// newLogger builds the process logger from the configured level and format
func newLogger(level, format string) *clog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if format == "json" {
		return clog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return clog.New(slog.NewTextHandler(os.Stderr, opts))
}
