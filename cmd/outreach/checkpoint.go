package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/foxzi/outreach/internal/control"
	"github.com/foxzi/outreach/internal/models"
)

var (
	cpCampaign string
	cpOrg      string
	cpUser     string
	cpName     string
	cpDate     string
	cpTime     string
	cpTemplate string
	cpProvider string

	cpShowLeads   bool
	cpHistory     int
	cpRetryKey    string
	cpRetryReason []string
)

var checkpointCmd = &cobra.Command{
	Use:     "checkpoint",
	Aliases: []string{"cp"},
	Short:   "Checkpoint management commands",
}

var checkpointCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a pending checkpoint",
	RunE:  runCheckpointCreate,
}

var checkpointActivateCmd = &cobra.Command{
	Use:   "activate <checkpoint_id>",
	Short: "Make a pending checkpoint eligible for delivery",
	Args:  cobra.ExactArgs(1),
	RunE:  checkpointAction((*control.Service).Activate, "activated"),
}

var checkpointPauseCmd = &cobra.Command{
	Use:   "pause <checkpoint_id>",
	Short: "Pause a checkpoint",
	Args:  cobra.ExactArgs(1),
	RunE:  checkpointAction((*control.Service).Pause, "paused"),
}

var checkpointResumeCmd = &cobra.Command{
	Use:   "resume <checkpoint_id>",
	Short: "Resume a paused checkpoint",
	Args:  cobra.ExactArgs(1),
	RunE:  checkpointAction((*control.Service).Resume, "resumed"),
}

var checkpointDeleteCmd = &cobra.Command{
	Use:   "delete <checkpoint_id>",
	Short: "Delete a checkpoint and its lead attachments",
	Args:  cobra.ExactArgs(1),
	RunE:  checkpointAction((*control.Service).Delete, "deleted"),
}

var checkpointAttachCmd = &cobra.Command{
	Use:   "attach <checkpoint_id> <lead_id>...",
	Short: "Attach leads to a checkpoint",
	Args:  cobra.MinimumNArgs(2),
	RunE:  runCheckpointAttach,
}

var checkpointShowCmd = &cobra.Command{
	Use:   "show <checkpoint_id>",
	Short: "Show checkpoint details",
	Args:  cobra.ExactArgs(1),
	RunE:  runCheckpointShow,
}

var checkpointRetryCmd = &cobra.Command{
	Use:   "retry <checkpoint_id>",
	Short: "Reset failed leads of a paused or partially completed checkpoint",
	Args:  cobra.ExactArgs(1),
	RunE:  runCheckpointRetry,
}

var checkpointRunCmd = &cobra.Command{
	Use:   "run <checkpoint_id>",
	Short: "Deliver an active checkpoint now, ignoring its schedule",
	Args:  cobra.ExactArgs(1),
	RunE:  runCheckpointRun,
}

func init() {
	checkpointCreateCmd.Flags().StringVar(&cpCampaign, "campaign", "", "Campaign ID (required)")
	checkpointCreateCmd.Flags().StringVar(&cpOrg, "org", "", "Organization ID (required)")
	checkpointCreateCmd.Flags().StringVar(&cpUser, "user", "", "Campaign owner user ID (required)")
	checkpointCreateCmd.Flags().StringVar(&cpName, "name", "", "Checkpoint name")
	checkpointCreateCmd.Flags().StringVar(&cpDate, "date", "", "Scheduled date, YYYY-MM-DD (required)")
	checkpointCreateCmd.Flags().StringVar(&cpTime, "time", "09:00", "Time of day, HH:MM")
	checkpointCreateCmd.Flags().StringVar(&cpTemplate, "template", "", "Template ID")
	checkpointCreateCmd.Flags().StringVar(&cpProvider, "provider", "", "Provider name (default provider when empty)")
	for _, f := range []string{"campaign", "org", "user", "date"} {
		_ = checkpointCreateCmd.MarkFlagRequired(f)
	}

	checkpointShowCmd.Flags().BoolVar(&cpShowLeads, "leads", false, "List attached leads")
	checkpointShowCmd.Flags().IntVar(&cpHistory, "history", 10, "Number of audit entries to show (0 to hide)")

	checkpointRetryCmd.Flags().StringVar(&cpRetryKey, "key", "", "Idempotency key (required)")
	checkpointRetryCmd.Flags().StringSliceVar(&cpRetryReason, "reason", nil, "Only reset leads failed with this reason (repeatable)")
	_ = checkpointRetryCmd.MarkFlagRequired("key")

	checkpointCmd.AddCommand(
		checkpointCreateCmd,
		checkpointActivateCmd,
		checkpointPauseCmd,
		checkpointResumeCmd,
		checkpointDeleteCmd,
		checkpointAttachCmd,
		checkpointShowCmd,
		checkpointRetryCmd,
		checkpointRunCmd,
	)
	rootCmd.AddCommand(checkpointCmd)
}

func runCheckpointCreate(cmd *cobra.Command, args []string) error {
	a, _, err := loadApp()
	if err != nil {
		return err
	}
	defer a.Close()

	cp := &models.Checkpoint{
		CampaignID:    cpCampaign,
		OrgID:         cpOrg,
		UserID:        cpUser,
		Name:          cpName,
		ScheduledDate: cpDate,
		TimeOfDay:     cpTime,
		TemplateID:    cpTemplate,
		Provider:      cpProvider,
	}
	if err := a.Control().Create(cmd.Context(), actor, cp); err != nil {
		return fmt.Errorf("failed to create checkpoint: %w", err)
	}

	fmt.Printf("Checkpoint created: %s\n", cp.ID)
	fmt.Printf("  Scheduled: %s\n", cp.ScheduledAt.Format(time.RFC3339))
	return nil
}

func checkpointAction(action func(*control.Service, context.Context, string, string) error, done string) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		a, _, err := loadApp()
		if err != nil {
			return err
		}
		defer a.Close()

		if err := action(a.Control(), cmd.Context(), actor, args[0]); err != nil {
			return fmt.Errorf("checkpoint %s: %w", args[0], err)
		}
		fmt.Printf("Checkpoint %s %s\n", args[0], done)
		return nil
	}
}

func runCheckpointAttach(cmd *cobra.Command, args []string) error {
	a, _, err := loadApp()
	if err != nil {
		return err
	}
	defer a.Close()

	n, err := a.Control().Attach(cmd.Context(), actor, args[0], args[1:])
	if err != nil {
		return fmt.Errorf("failed to attach leads: %w", err)
	}
	fmt.Printf("Attached %d of %d leads to %s\n", n, len(args)-1, args[0])
	return nil
}

func runCheckpointShow(cmd *cobra.Command, args []string) error {
	a, _, err := loadApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := cmd.Context()
	d, err := a.Control().Show(ctx, args[0], cpShowLeads)
	if err != nil {
		return fmt.Errorf("failed to get checkpoint: %w", err)
	}

	cp := d.Checkpoint
	fmt.Printf("Checkpoint: %s\n\n", cp.ID)
	fmt.Printf("Name:      %s\n", cp.Name)
	fmt.Printf("Campaign:  %s\n", cp.CampaignID)
	fmt.Printf("Org/User:  %s / %s\n", cp.OrgID, cp.UserID)
	fmt.Printf("Status:    %s\n", cp.Status)
	fmt.Printf("Scheduled: %s %s (%s)\n", cp.ScheduledDate, cp.TimeOfDay, cp.ScheduledAt.Format(time.RFC3339))
	if cp.Provider != "" {
		fmt.Printf("Provider:  %s\n", cp.Provider)
	}
	if cp.ClaimedBy != "" && cp.ClaimedAt != nil {
		fmt.Printf("Claimed:   %s at %s\n", cp.ClaimedBy, cp.ClaimedAt.Format(time.RFC3339))
	}
	if cp.CompletedAt != nil {
		fmt.Printf("Completed: %s\n", cp.CompletedAt.Format(time.RFC3339))
	}

	s := d.Stats
	fmt.Printf("\nLeads: %d total, %d pending, %d sent, %d delivered, %d failed\n",
		s.Total, s.Pending, s.Sent, s.Delivered, s.Failed)

	if cpShowLeads && len(d.Leads) > 0 {
		fmt.Println()
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "LEAD\tEMAIL\tSTATUS\tMESSAGE ID\tERROR")
		fmt.Fprintln(w, "----\t-----\t------\t----------\t-----")
		for _, l := range d.Leads {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", l.LeadID, l.Email, l.Status, l.ProviderMessageID, l.ErrorMessage)
		}
		w.Flush()
	}

	if cpHistory > 0 {
		entries, err := a.Control().History(ctx, cp.ID, cpHistory)
		if err != nil {
			return fmt.Errorf("failed to read history: %w", err)
		}
		if len(entries) > 0 {
			fmt.Println("\nHistory:")
			for _, e := range entries {
				fmt.Printf("  %s  %-20s %-8s %s\n", e.CreatedAt.Format("2006-01-02 15:04:05"), e.Action, e.Actor, e.Details)
			}
		}
	}

	return nil
}

func runCheckpointRetry(cmd *cobra.Command, args []string) error {
	a, _, err := loadApp()
	if err != nil {
		return err
	}
	defer a.Close()

	n, err := a.Control().Retry(cmd.Context(), actor, args[0], cpRetryKey, cpRetryReason)
	if err != nil {
		return fmt.Errorf("retry failed: %w", err)
	}
	fmt.Printf("Reset %d failed leads\n", n)
	if n > 0 {
		fmt.Printf("Checkpoint %s is active again\n", args[0])
	}
	return nil
}

func runCheckpointRun(cmd *cobra.Command, args []string) error {
	a, _, err := loadApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := cmd.Context()
	cp, err := a.Checkpoints().GetByID(ctx, args[0])
	if err != nil {
		return fmt.Errorf("failed to get checkpoint: %w", err)
	}

	status, err := a.Scheduler().Run(ctx, cp)
	if err != nil {
		return fmt.Errorf("checkpoint %s: %w", cp.ID, err)
	}
	fmt.Printf("Checkpoint %s finished: %s\n", cp.ID, status)
	return nil
}
