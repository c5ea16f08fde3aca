package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/foxzi/outreach/internal/models"
	"github.com/foxzi/outreach/internal/tracker"
)

var (
	statsCampaign string
	statsUser     string
	statsOrg      string
	statsJSON     bool

	trendDays  int
	trendMonth bool
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show delivery statistics",
	RunE:  runStats,
}

var trendsCmd = &cobra.Command{
	Use:   "trends",
	Short: "Show daily delivery trends",
	RunE:  runTrends,
}

var quotaCmd = &cobra.Command{
	Use:   "quota",
	Short: "Show the daily sending quota of a user in an organization",
	RunE:  runQuota,
}

func init() {
	for _, c := range []*cobra.Command{statsCmd, trendsCmd} {
		c.Flags().StringVar(&statsCampaign, "campaign", "", "Filter by campaign ID")
		c.Flags().StringVar(&statsUser, "user", "", "Filter by user ID")
		c.Flags().StringVar(&statsOrg, "org", "", "Filter by organization ID")
		c.Flags().BoolVar(&statsJSON, "json", false, "Print JSON")
	}
	trendsCmd.Flags().IntVar(&trendDays, "days", 7, "Number of days ending today")
	trendsCmd.Flags().BoolVar(&trendMonth, "month", false, "Current calendar month instead of --days")

	quotaCmd.Flags().StringVar(&statsUser, "user", "", "User ID (required)")
	quotaCmd.Flags().StringVar(&statsOrg, "org", "", "Organization ID (required)")
	quotaCmd.Flags().BoolVar(&statsJSON, "json", false, "Print JSON")
	_ = quotaCmd.MarkFlagRequired("user")
	_ = quotaCmd.MarkFlagRequired("org")

	rootCmd.AddCommand(statsCmd, trendsCmd, quotaCmd)
}

func scopeFromFlags() models.Scope {
	return models.Scope{CampaignID: statsCampaign, UserID: statsUser, OrgID: statsOrg}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func runStats(cmd *cobra.Command, args []string) error {
	a, _, err := loadApp()
	if err != nil {
		return err
	}
	defer a.Close()

	s, err := a.Tracker().Stats(cmd.Context(), scopeFromFlags())
	if err != nil {
		return fmt.Errorf("failed to compute stats: %w", err)
	}
	if statsJSON {
		return printJSON(s)
	}

	fmt.Printf("Sent:          %d\n", s.TotalSent)
	fmt.Printf("Delivered:     %d\n", s.TotalDelivered)
	fmt.Printf("Failed:        %d\n", s.TotalFailed)
	fmt.Printf("Bounced:       %d\n", s.Bounced)
	fmt.Printf("Opened:        %d\n", s.Opened)
	fmt.Printf("Clicked:       %d\n", s.Clicked)
	fmt.Printf("Complained:    %d\n", s.Complained)
	fmt.Printf("Delivery rate: %.2f%%\n", s.DeliveryRate)
	return nil
}

func runTrends(cmd *cobra.Command, args []string) error {
	a, _, err := loadApp()
	if err != nil {
		return err
	}
	defer a.Close()

	var buckets []tracker.TrendBucket
	if trendMonth {
		buckets, err = a.Tracker().CurrentMonthTrends(cmd.Context(), scopeFromFlags())
	} else {
		buckets, err = a.Tracker().Trends(cmd.Context(), trendDays, scopeFromFlags())
	}
	if err != nil {
		return fmt.Errorf("failed to compute trends: %w", err)
	}
	if statsJSON {
		return printJSON(buckets)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "DATE\tSENT\tDELIVERED\tFAILED\tCLICKED\tDELIVERY %\tCLICK %")
	fmt.Fprintln(w, "----\t----\t---------\t------\t-------\t----------\t-------")
	for _, b := range buckets {
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%.2f\t%.2f\n",
			b.Date, b.TotalSent, b.Delivered, b.Failed, b.Clicked, b.DeliveryRate, b.ClickRate)
	}
	w.Flush()
	return nil
}

func runQuota(cmd *cobra.Command, args []string) error {
	a, _, err := loadApp()
	if err != nil {
		return err
	}
	defer a.Close()

	q, err := a.Limiter().Remaining(cmd.Context(), statsUser, statsOrg)
	if err != nil {
		return fmt.Errorf("failed to read quota: %w", err)
	}
	if statsJSON {
		return printJSON(q)
	}

	fmt.Printf("User/Org:  %s / %s\n", q.UserID, q.OrgID)
	fmt.Printf("Limit:     %d\n", q.Limit)
	fmt.Printf("Used:      %d\n", q.Used)
	fmt.Printf("Reserved:  %d\n", q.Reserved)
	fmt.Printf("Remaining: %d\n", q.Remaining)
	fmt.Printf("Resets at: %s\n", q.ResetAt.Format(time.RFC3339))
	return nil
}
