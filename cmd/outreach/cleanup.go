package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var cleanupDays int

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove old delivery events and usage windows",
	Long: `Remove tracked delivery events older than --days, or older than
tracker.retention when --days is not set.`,
	RunE: runCleanup,
}

func init() {
	cleanupCmd.Flags().IntVar(&cleanupDays, "days", 0, "Delete events older than N days (defaults to tracker.retention)")
	rootCmd.AddCommand(cleanupCmd)
}

func runCleanup(cmd *cobra.Command, args []string) error {
	a, cfg, err := loadApp()
	if err != nil {
		return err
	}
	defer a.Close()

	retention := time.Duration(cleanupDays) * 24 * time.Hour
	if cleanupDays == 0 {
		retention = cfg.Tracker.Retention
	}
	if retention <= 0 {
		return fmt.Errorf("no retention configured, use --days or tracker.retention")
	}

	cutoff := time.Now().Add(-retention)
	n, err := a.Tracker().Prune(cmd.Context(), cutoff)
	if err != nil {
		return fmt.Errorf("failed to prune events: %w", err)
	}

	fmt.Printf("Deleted %d events recorded before %s\n", n, cutoff.Format(time.RFC3339))
	return nil
}
