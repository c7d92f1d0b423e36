package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/infercore/infercore/config"
)

// NewCLI builds the infercore command tree: a thin harness around
// pipelinepool that loads one manifest-described model per invocation
// and streams its generation to stdout.
func NewCLI() *cobra.Command {
	cobra.EnableCommandSorting = false

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: config.LogLevel()}))

	rootCmd := &cobra.Command{
		Use:           "infercore",
		Short:         "Run inference against a locally staged model manifest",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(newRunCmd(logger))
	rootCmd.AddCommand(newStopCmd())

	return rootCmd
}
