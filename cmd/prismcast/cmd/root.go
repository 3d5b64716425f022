// Package cmd implements the CLI commands for prismcast.
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/prismcast/prismcast/internal/version"
)

// cfgFile holds the config file path from the CLI flag.
var cfgFile string

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:     "prismcast",
	Short:   "Browser-capture to HLS re-publisher",
	Version: version.Short(),
	Long: `prismcast captures live video from browser-rendered streaming sites
and re-publishes each capture as an HLS fMP4 channel for DVR applications
that expect HDHomeRun-style tuners.

The incoming fMP4 stream is re-segmented on the fly: decode timestamps are
kept monotonic across capture restarts, fragments are grouped into segments
of a configured target duration, and a sliding-window playlist is served
over HTTP.`,
}

// Execute adds all child commands to the root command and runs it.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		return fmt.Errorf("executing root command: %w", err)
	}
	return nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default searches ., /etc/prismcast, $HOME/.prismcast)")
	rootCmd.PersistentFlags().String("log-level", "", "log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "", "log format (text, json)")
}
