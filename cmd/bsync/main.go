// Command bsync is the CLI surface: pull, list, replay, squash and
// serve, each a thin cobra subcommand that wires flags into the core
// packages (config, store, blockstore, redolog, pull, squash,
// nbdserve). Argument parsing, progress display and logging
// initialization are external collaborators around that core; this
// file and its cmd_*.go siblings are exactly that collaborator.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	logLevel string
	logger   *zap.SugaredLogger
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "bsync",
	Short: "Incrementally mirror a remote block image into a local, deduplicated, versioned store",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(pullCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(replayCmd)
	rootCmd.AddCommand(squashCmd)
	rootCmd.AddCommand(serveCmd)
}

func initLogging() {
	zapCfg := zap.NewProductionConfig()
	if lvl, err := zap.ParseAtomicLevel(logLevel); err == nil {
		zapCfg.Level = lvl
	}
	zapCfg.Encoding = "console"
	zapCfg.EncoderConfig.TimeKey = "ts"
	base, err := zapCfg.Build()
	if err != nil {
		base = zap.NewNop()
	}
	logger = base.Sugar()
}
