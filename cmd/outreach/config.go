package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/foxzi/outreach/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration commands",
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	RunE:  runConfigValidate,
}

func init() {
	configCmd.AddCommand(configValidateCmd)
	rootCmd.AddCommand(configCmd)
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("configuration is invalid: %w", err)
	}

	fmt.Printf("Configuration is valid\n")
	fmt.Printf("  API:        %s\n", cfg.Server.ListenAddr)
	fmt.Printf("  Database:   %s\n", cfg.Database.Path)
	fmt.Printf("  Tracker:    %s\n", cfg.Tracker.Path)
	fmt.Printf("  Poll:       %s\n", cfg.Scheduler.PollInterval)
	fmt.Printf("  Limit:      %d/day (%s)\n", cfg.RateLimit.DailyLimit, cfg.RateLimit.Timezone)
	fmt.Printf("  Providers:  %d smtp, %d http (default %s)\n",
		len(cfg.Providers.SMTP), len(cfg.Providers.HTTP), cfg.Providers.Default)
	if cfg.Events.Enabled() {
		fmt.Printf("  Events:     exchange %s\n", cfg.Events.Exchange)
	}
	if cfg.Metrics.Enabled {
		fmt.Printf("  Metrics:    %s%s\n", cfg.Metrics.Addr, cfg.Metrics.Path)
	}

	return nil
}
