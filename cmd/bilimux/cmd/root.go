// Package cmd implements the CLI commands for bilimux.
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/bilimux/bilimux/internal/version"
)

var (
	cfgFile   string
	logLevel  string
	logFormat string
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:     "bilimux",
	Short:   "Bilibili DASH download and mux engine",
	Version: version.Short(),
	Long: `bilimux downloads Bilibili DASH streams: it signs playurl requests,
pulls video and audio tracks in parallel ranged parts across mirror CDNs,
and emits either the raw fragmented-MP4 segments or a single flat MP4
rebuilt from their sample tables.

Tasks are queued over a REST API and their finished output is consumed
through one-shot virtual download URLs.`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		return fmt.Errorf("executing root command: %w", err)
	}
	return nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default searches ., ./configs, /etc/bilimux, $HOME/.bilimux)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level override (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "log format override (text, json)")
}
