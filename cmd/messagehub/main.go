package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/4xmen/messagehub/pkg/config"
)

var (
	version = "dev"
	commit  = "unknown"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "messagehub",
	Short: "Realtime messaging session client and reference relay",
	Long: `messagehub runs a realtime messaging session against an event relay:
live messages, presence and one-to-one voice calls. The relay subcommand
serves the REST API and event channel the session talks to.`,
	Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		cfg = config.Load()
		level := cfg.SlogLevel()
		if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
			level = slog.LevelDebug
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	},
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable debug logging")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
