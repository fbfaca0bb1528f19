package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/piwi3910/rcverbs/cmd/rcverbs/commands"
	"github.com/piwi3910/rcverbs/internal/metrics"
)

var (
	// Version is set at build time
	Version = "dev"
	// Commit is set at build time
	Commit = "none"
)

func main() {
	globals := &commands.Globals{}

	rootCmd := &cobra.Command{
		Use:   "rcverbs",
		Short: "rcverbs - RC verbs transport core",
		Long: `rcverbs drives reliable-connected verbs interfaces over a simulated fabric.

Inspect what an interface supports:
  rcverbs caps --atomic reply-be

Measure active message round trips between two interfaces:
  rcverbs pingpong --count 100000

Serve metrics, health and capabilities while driving interfaces:
  rcverbs serve --listen :9464

Settings come from rcverbs.yaml, RCVERBS_* environment variables and flags.`,
		Version:       fmt.Sprintf("%s (commit: %s)", Version, Commit),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(_ *cobra.Command, _ []string) {
			zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
			if globals.Debug {
				log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
			}
		},
	}

	rootCmd.PersistentFlags().StringVar(&globals.ConfigPath, "config", "", "Path to configuration file")
	rootCmd.PersistentFlags().StringVar(&globals.LogLevel, "log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&globals.Debug, "debug", false, "Enable debug logging")

	metrics.Version = Version

	rootCmd.AddCommand(commands.NewCapsCmd(globals))
	rootCmd.AddCommand(commands.NewPingPongCmd(globals))
	rootCmd.AddCommand(commands.NewServeCmd(globals))
	rootCmd.AddCommand(commands.NewConfigCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
