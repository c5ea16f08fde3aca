package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/foxzi/outreach/internal/app"
	"github.com/foxzi/outreach/internal/config"
)

var (
	cfgFile   string
	actor     string
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

func main() {
	// .env is optional, real environment variables take precedence
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "outreach",
	Short: "Outreach - checkpoint scheduling and delivery engine",
	Long: `Outreach sends campaign checkpoints to their leads at the scheduled time,
enforces per-tenant daily quotas and tracks delivery events.`,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("outreach %s\n", version)
		fmt.Printf("  Commit: %s\n", commit)
		fmt.Printf("  Built:  %s\n", buildTime)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "Path to configuration file (environment only when empty)")
	rootCmd.PersistentFlags().StringVar(&actor, "actor", "cli", "Name recorded in the audit log")

	rootCmd.AddCommand(versionCmd)
}

// loadApp loads the configuration and builds the application without starting it.
// CLI commands log warnings and errors to stderr only.
func loadApp() (*app.App, *config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	a, err := app.New(cfg, version, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create application: %w", err)
	}
	return a, cfg, nil
}
