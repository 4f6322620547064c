package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/itsharex/proxycast/pkg/config"
	"github.com/itsharex/proxycast/pkg/telemetry/usage"
)

var usageFlags struct {
	since   time.Duration
	model   string
	summary bool
	limit   int
}

var usageCmd = &cobra.Command{
	Use:   "usage",
	Short: "Query the usage ledger",
	Long: `Query the request usage ledger recorded by a running gateway.

Examples:
  # Per-model token totals for the last day
  proxycast usage --summary --since 24h

  # Recent requests for one model
  proxycast usage --model claude-sonnet-4 --limit 20`,
	RunE: queryUsage,
}

func init() {
	rootCmd.AddCommand(usageCmd)

	usageCmd.Flags().DurationVar(&usageFlags.since, "since", 24*time.Hour, "how far back to query")
	usageCmd.Flags().StringVar(&usageFlags.model, "model", "", "filter by model")
	usageCmd.Flags().BoolVar(&usageFlags.summary, "summary", false, "aggregate per model instead of listing rows")
	usageCmd.Flags().IntVar(&usageFlags.limit, "limit", 50, "maximum rows to list")
}

func queryUsage(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	if !cfg.Telemetry.Usage.Enabled {
		return fmt.Errorf("usage ledger is disabled in configuration")
	}

	ledger, err := usage.Open(cfg.Telemetry.Usage.Path)
	if err != nil {
		return err
	}
	defer ledger.Close()

	ctx := context.Background()
	since := time.Now().Add(-usageFlags.since)
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)

	if usageFlags.summary {
		sums, err := ledger.Summarize(ctx, since)
		if err != nil {
			return err
		}
		fmt.Fprintln(tw, "MODEL\tREQUESTS\tINPUT TOKENS\tOUTPUT TOKENS")
		for _, s := range sums {
			fmt.Fprintf(tw, "%s\t%d\t%d\t%d\n", s.Model, s.Requests, s.InputTokens, s.OutputTokens)
		}
		return tw.Flush()
	}

	rows, err := ledger.Query(ctx, usage.Query{
		Model: usageFlags.model,
		Since: since,
		Limit: usageFlags.limit,
	})
	if err != nil {
		return err
	}
	fmt.Fprintln(tw, "TIME\tPROVIDER\tCREDENTIAL\tMODEL\tOUTCOME\tIN\tOUT\tLATENCY")
	for _, r := range rows {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%d\t%s\n",
			r.CreatedAt.Format(time.RFC3339), r.ProviderID, r.CredentialID,
			r.Model, r.Outcome, r.InputTokens, r.OutputTokens, r.Latency)
	}
	return tw.Flush()
}
