package main

import (
	"io"
	"log"

	"github.com/spf13/cobra"

	"github.com/hookwire/hookwire/internal/debug"
)

var (
	configFile string
	verbose    bool
	quiet      bool
)

var rootCmd = &cobra.Command{
	Use:   "hookwire",
	Short: "Webhook broker for local agent sessions",
	Long: `hookwire receives webhooks from external services, verifies and
filters them, and delivers framed prompts to local agent sessions over
Unix-domain sockets. Events for offline sessions queue until the session
reappears.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if verbose {
			debug.SetVerbose(true)
		}
		if quiet {
			log.SetOutput(io.Discard)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (default ~/.config/hookwire/config.yml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "suppress non-error output")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(versionCmd)
}
