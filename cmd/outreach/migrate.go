package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/foxzi/outreach/internal/config"
	"github.com/foxzi/outreach/internal/db"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Run database migrations",
	RunE:  runMigrate,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	database, err := db.New(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer database.Close()

	if err := database.Migrate(); err != nil {
		return err
	}

	fmt.Printf("Migrations applied to %s (%d steps)\n", cfg.Database.Path, len(db.Migrations()))
	return nil
}
