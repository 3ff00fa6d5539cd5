package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var eventsCmd = &cobra.Command{
	Use:   "events [run-id]",
	Short: "Show the event log of a run (latest run by default)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfigOrDefaults()
		if err != nil {
			return err
		}
		d, err := openEventLog(cfg)
		if err != nil {
			return err
		}
		defer d.Close()

		runID := ""
		if len(args) == 1 {
			runID = args[0]
		} else if runID, err = d.LatestRunID(); err != nil {
			return err
		}
		if runID == "" {
			fmt.Fprintln(cmd.OutOrStdout(), "No runs recorded.")
			return nil
		}

		format, _ := cmd.Flags().GetString("format")
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)

		switch {
		case mustBool(cmd, "vision"):
			calls, err := d.GetVisionCalls(runID)
			if err != nil {
				return err
			}
			stats, err := d.GetVisionStats(runID)
			if err != nil {
				return err
			}
			if format == "json" {
				return writeJSON(cmd, map[string]interface{}{"calls": calls, "stats": stats})
			}
			fmt.Fprintln(w, "CYCLE\tCAPTURE\tBACKEND\tATT\tMS\tBUGS\tFALLBACK\tERROR")
			for _, c := range calls {
				fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%d\t%d\t%t\t%s\n",
					c.Cycle, c.CaptureID, c.Backend, c.Attempts, c.DurationMs, c.Bugs, c.Fallback, c.Error)
			}
			fmt.Fprintf(w, "\n%d calls, %d failed, %d fallbacks, %d retries, avg %.0fms\n",
				stats.Calls, stats.Failures, stats.Fallbacks, stats.Retries, stats.AvgMs)

		case mustBool(cmd, "bugs"):
			bugID, _ := cmd.Flags().GetString("bug")
			events, err := d.GetBugHistory(runID, bugID)
			if err != nil {
				return err
			}
			if format == "json" {
				return writeJSON(cmd, events)
			}
			fmt.Fprintln(w, "CYCLE\tBUG\tFROM\tTO\tATT\tDETAIL")
			for _, e := range events {
				from := e.FromStatus
				if from == "" {
					from = "-"
				}
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%d\t%s\n", e.Cycle, e.BugID, from, e.ToStatus, e.Attempt, e.Detail)
			}

		default:
			events, err := d.GetPipelineHistory(runID)
			if err != nil {
				return err
			}
			if format == "json" {
				return writeJSON(cmd, events)
			}
			fmt.Fprintln(w, "TIME\tCYCLE\tEVENT\tPHASE\tDETAIL")
			for _, e := range events {
				fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\n", e.Timestamp, e.Cycle, e.Event, e.Phase, e.Detail)
			}
		}
		return w.Flush()
	},
}

func init() {
	eventsCmd.Flags().Bool("bugs", false, "show bug status changes")
	eventsCmd.Flags().String("bug", "", "with --bugs, only this bug ID")
	eventsCmd.Flags().Bool("vision", false, "show vision model calls")
	eventsCmd.Flags().String("format", "text", "Output format: text or json")
}
