package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"chatcore/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect and initialize configuration",
}

var configCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate the config file and print a summary",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "config ok: %s\n", configPath)
		fmt.Fprintf(out, "  mode:     %s\n", cfg.Pipeline.Mode)
		fmt.Fprintf(out, "  provider: %s (%s)\n", cfg.LLM.Provider, cfg.LLM.Model)
		fmt.Fprintf(out, "  tiers:    %d (default %s)\n", len(cfg.Plans.Tiers), cfg.Plans.Default)
		fmt.Fprintf(out, "  database: %s\n", cfg.Storage.DatabasePath)
		return nil
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write the default config to --config",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.DefaultConfig().Save(configPath); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", configPath)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configCheckCmd)
	configCmd.AddCommand(configInitCmd)
}
