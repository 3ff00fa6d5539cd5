package cli

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/healfactory/internal/bugs"
	"github.com/lucasnoah/healfactory/internal/pipeline"
)

var statusCmd = &cobra.Command{
	Use:   "status [run-id|latest]",
	Short: "Show pipeline runs, or the state of one run",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfigOrDefaults()
		if err != nil {
			return err
		}
		store := pipeline.NewStore(cfg.Pipeline.OutputDir)
		format, _ := cmd.Flags().GetString("format")

		if len(args) == 0 {
			filter, _ := cmd.Flags().GetString("status")
			states, err := store.List(filter)
			if err != nil {
				return err
			}
			if format == "json" {
				return writeJSON(cmd, states)
			}
			return printRuns(cmd, states)
		}

		var st *pipeline.State
		if args[0] == "latest" {
			st, err = store.Latest()
		} else {
			st, err = store.Get(args[0])
		}
		if err != nil {
			return err
		}
		if format == "json" {
			return writeJSON(cmd, st)
		}
		return printRun(cmd, st)
	},
}

func printRuns(cmd *cobra.Command, states []pipeline.State) error {
	if len(states) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No runs found.")
		return nil
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "RUN\tSTATUS\tPHASE\tCYCLE\tOPEN\tFIXED\tUNRESOLVED\tFINAL")
	for _, st := range states {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d/%d\t%d\t%d\t%d\t%s\n",
			st.RunID, st.Status, st.Phase, st.Cycle, st.MaxCycles,
			len(st.Active), len(st.Fixed), len(st.Unresolved), st.FinalStatus)
	}
	return w.Flush()
}

func printRun(cmd *cobra.Command, st *pipeline.State) error {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Run:     %s\n", st.RunID)
	fmt.Fprintf(out, "Status:  %s\n", st.Status)
	fmt.Fprintf(out, "Phase:   %s (cycle %d/%d)\n", st.Phase, st.Cycle, st.MaxCycles)
	if st.FinalStatus != "" {
		fmt.Fprintf(out, "Final:   %s\n", st.FinalStatus)
	}
	if st.Error != "" {
		fmt.Fprintf(out, "Error:   %s\n", st.Error)
	}
	fmt.Fprintf(out, "Started: %s\n", st.StartedAt)
	fmt.Fprintf(out, "Updated: %s\n", st.UpdatedAt)

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	sections := []struct {
		title string
		list  []*bugs.Bug
	}{
		{"Active", st.Active},
		{"Fixed", st.Fixed},
		{"Unresolved", st.Unresolved},
	}
	for _, s := range sections {
		if len(s.list) == 0 {
			continue
		}
		fmt.Fprintf(w, "\n%s (%d)\n", s.title, len(s.list))
		fmt.Fprintln(w, "ID\tSEVERITY\tSTATUS\tATT\tCAPTURE\tCOMPONENT")
		for _, b := range s.list {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
				b.ID, b.Severity, b.Status, b.FixAttempts, b.CaptureID, b.Component)
		}
	}
	return w.Flush()
}

func writeJSON(cmd *cobra.Command, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal json: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return nil
}

func init() {
	statusCmd.Flags().String("format", "text", "Output format: text or json")
	statusCmd.Flags().String("status", "", "only list runs with this status (running, completed, failed)")
}
