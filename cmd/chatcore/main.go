// Command chatcore runs the conversational orchestration service.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"chatcore/internal/config"
	"chatcore/internal/logging"
)

// Build metadata, set with -ldflags.
var (
	version = "dev"
	commit  = "none"
)

var (
	// Global flags
	configPath string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "chatcore",
	Short: "chatcore - conversational request orchestration service",
	Long: `chatcore gates, enriches and streams chat turns to an upstream model.

Each turn passes the request gate (validation, rate limit, abuse screening),
a budget reservation, intent classification and capability dispatch, prompt
synthesis and a streamed model call. Follow-up work runs in the background
after the reply has been delivered.`,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the build version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "chatcore %s (%s)\n", version, commit)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "chatcore.yaml", "Path to the YAML config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}

// loadConfig reads the config file and initializes logging from it.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if verbose {
		cfg.Logging.Level = "debug"
	}
	if err := logging.Initialize(logging.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		File:       cfg.Logging.File,
		Categories: cfg.Logging.Categories,
	}); err != nil {
		return nil, fmt.Errorf("failed to initialize logging: %w", err)
	}
	return cfg, nil
}

func main() {
	defer logging.Sync()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		logging.Sync()
		os.Exit(1)
	}
}
