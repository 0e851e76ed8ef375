// Package main is the entry point for the Palaver CLI
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "0.1.0"

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "palaver",
		Short: "Serve multi-turn conversations backed by a chat completion service",
		Long: `Palaver keeps conversations with a chat completion service. Each
conversation holds an ordered history trimmed to a token budget, turns on
one conversation run one at a time, and a failed turn leaves the history
exactly as it was.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a TOML config file")

	rootCmd.AddCommand(
		serveCmd(&configPath),
		chatCmd(&configPath),
		conversationsCmd(&configPath),
		searchCmd(&configPath),
		configCmd(&configPath),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
