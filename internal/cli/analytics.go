package cli

import (
	"fmt"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/healfactory/internal/analytics"
	"github.com/lucasnoah/healfactory/internal/db"
)

var analyticsCmd = &cobra.Command{
	Use:   "analytics",
	Short: "Query pipeline performance analytics across runs",
}

var analyticsPhaseDurationCmd = &cobra.Command{
	Use:   "phase-duration",
	Short: "Average and percentile durations per phase",
	RunE: withAnalytics(func(cmd *cobra.Command, d *db.DB, since string, w *tabwriter.Writer) error {
		results, err := analytics.QueryPhaseDurations(d, since)
		if err != nil {
			return err
		}
		if jsonFormat(cmd) {
			return writeJSON(cmd, results)
		}
		fmt.Fprintln(w, "PHASE\tCOUNT\tAVG(s)\tP50(s)\tP95(s)")
		for _, r := range results {
			fmt.Fprintf(w, "%s\t%d\t%.1f\t%.1f\t%.1f\n", r.Phase, r.Count, r.Avg, r.P50, r.P95)
		}
		return nil
	}),
}

var analyticsBugOutcomesCmd = &cobra.Command{
	Use:   "bug-outcomes",
	Short: "How bugs ended, per category",
	RunE: withAnalytics(func(cmd *cobra.Command, d *db.DB, since string, w *tabwriter.Writer) error {
		results, err := analytics.QueryBugOutcomes(d, since)
		if err != nil {
			return err
		}
		if jsonFormat(cmd) {
			return writeJSON(cmd, results)
		}
		fmt.Fprintln(w, "CATEGORY\tTOTAL\tFIXED%\tUNRESOLVED%\tOPEN%\tFIRST-TRY%\tAVG ATTEMPTS")
		for _, r := range results {
			fmt.Fprintf(w, "%s\t%d\t%.1f\t%.1f\t%.1f\t%.1f\t%.1f\n",
				r.Category, r.Total, r.Fixed, r.Unresolved, r.StillOpen, r.FirstAttempt, r.AvgAttempts)
		}
		return nil
	}),
}

var analyticsVisionCmd = &cobra.Command{
	Use:   "vision",
	Short: "Vision model reliability and latency per backend",
	RunE: withAnalytics(func(cmd *cobra.Command, d *db.DB, since string, w *tabwriter.Writer) error {
		results, err := analytics.QueryVisionReliability(d, since)
		if err != nil {
			return err
		}
		if jsonFormat(cmd) {
			return writeJSON(cmd, results)
		}
		fmt.Fprintln(w, "BACKEND\tMODEL\tCALLS\tFAILED%\tFALLBACK%\tRETRIED%\tAVG(ms)\tP95(ms)\tBUGS")
		for _, r := range results {
			fmt.Fprintf(w, "%s\t%s\t%d\t%.1f\t%.1f\t%.1f\t%.0f\t%.0f\t%d\n",
				r.Backend, r.Model, r.Calls, r.Failed, r.Fallback, r.Retried, r.AvgMs, r.P95Ms, r.BugsFound)
		}
		return nil
	}),
}

var analyticsThroughputCmd = &cobra.Command{
	Use:   "throughput",
	Short: "Run outcomes per week",
	RunE: withAnalytics(func(cmd *cobra.Command, d *db.DB, since string, w *tabwriter.Writer) error {
		results, err := analytics.QueryRunThroughput(d, since)
		if err != nil {
			return err
		}
		if jsonFormat(cmd) {
			return writeJSON(cmd, results)
		}
		fmt.Fprintln(w, "WEEK\tRUNS\tCLEAN\tPARTIAL\tBLOCKED\tAVG CYCLES\tAVG(min)")
		for _, r := range results {
			fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%.1f\t%.1f\n",
				r.Period, r.Started, r.Clean, r.Partial, r.Blocked, r.AvgCycles, r.AvgDuration)
		}
		return nil
	}),
}

type analyticsFunc func(cmd *cobra.Command, d *db.DB, since string, w *tabwriter.Writer) error

// withAnalytics opens the event log, resolves --since and flushes the table.
func withAnalytics(fn analyticsFunc) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		raw, _ := cmd.Flags().GetString("since")
		since, err := parseSince(raw, time.Now())
		if err != nil {
			return err
		}
		cfg, err := loadConfigOrDefaults()
		if err != nil {
			return err
		}
		d, err := openEventLog(cfg)
		if err != nil {
			return err
		}
		defer d.Close()

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		if err := fn(cmd, d, since, w); err != nil {
			return err
		}
		return w.Flush()
	}
}

// parseSince turns "7d", "12h" or a date into an RFC 3339 lower bound.
// An empty value means no bound.
func parseSince(s string, now time.Time) (string, error) {
	if s == "" {
		return "", nil
	}
	if days, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil || n < 0 {
			return "", fmt.Errorf("invalid --since %q", s)
		}
		return now.UTC().AddDate(0, 0, -n).Format(time.RFC3339), nil
	}
	if d, err := time.ParseDuration(s); err == nil {
		return now.UTC().Add(-d).Format(time.RFC3339), nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC().Format(time.RFC3339), nil
		}
	}
	return "", fmt.Errorf("invalid --since %q (want 7d, 12h or YYYY-MM-DD)", s)
}

func jsonFormat(cmd *cobra.Command) bool {
	format, _ := cmd.Flags().GetString("format")
	return format == "json"
}

func init() {
	for _, c := range []*cobra.Command{
		analyticsPhaseDurationCmd,
		analyticsBugOutcomesCmd,
		analyticsVisionCmd,
		analyticsThroughputCmd,
	} {
		c.Flags().String("since", "", "only include data newer than this (7d, 12h or YYYY-MM-DD)")
		c.Flags().String("format", "text", "Output format: text or json")
		analyticsCmd.AddCommand(c)
	}
}
