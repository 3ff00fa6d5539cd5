package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/healfactory/internal/report"
)

var signalCmd = &cobra.Command{
	Use:   "signal",
	Short: "Tell a waiting pipeline that fixes have been applied",
	Long: `Creates the hand-off flag file the pipeline polls during its fix phase.
The fixing agent runs this once it has worked through current-bugs.json.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("file")
		if path == "" {
			cfg, err := loadConfigOrDefaults()
			if err != nil {
				return err
			}
			path = cfg.Pipeline.SignalFile
		}
		s := report.NewSignal(path)
		w := cmd.OutOrStdout()

		switch {
		case mustBool(cmd, "check"):
			if s.Present() {
				fmt.Fprintf(w, "Signal raised: %s\n", path)
			} else {
				fmt.Fprintf(w, "No signal at %s\n", path)
			}
			return nil
		case mustBool(cmd, "clear"):
			if err := s.Clear(); err != nil {
				return err
			}
			fmt.Fprintf(w, "Signal cleared: %s\n", path)
			return nil
		}

		if err := s.Raise(); err != nil {
			return err
		}
		fmt.Fprintf(w, "Signal raised: %s\n", path)
		return nil
	},
}

func mustBool(cmd *cobra.Command, name string) bool {
	v, _ := cmd.Flags().GetBool(name)
	return v
}

func init() {
	signalCmd.Flags().String("file", "", "flag file path (default: pipeline.signal_file)")
	signalCmd.Flags().Bool("clear", false, "remove the flag instead of raising it")
	signalCmd.Flags().Bool("check", false, "only report whether the flag is present")
}
