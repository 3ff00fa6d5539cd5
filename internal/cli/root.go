package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/lucasnoah/healfactory/internal/config"
)

var version = "dev"

func SetVersion(v string) {
	version = v
}

var (
	cfgFile string
	verbose bool
	logger  = zap.NewNop()
)

// ExitError carries a process exit code out of a command.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("exit status %d", e.Code)
	}
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error { return e.Err }

// Exit codes of the run command.
const (
	ExitClean    = 0
	ExitUnclean  = 1
	ExitPipeline = 2
)

var rootCmd = &cobra.Command{
	Use:   "healer",
	Short: "Visual regression self-healing pipeline",
	Long: `healer drives a web application through scripted scenarios, asks a vision
model to spot defects in the screenshots, hands the defect list to an external
fixing agent and re-verifies the fixes, cycle after cycle.

Run state, reports and the event log live in the configured output directory
(.healer/ by default). The fixing agent reads current-bugs.json and signals
completion with "healer signal".`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		l, err := newLogger(verbose)
		if err != nil {
			return fmt.Errorf("init logger: %w", err)
		}
		logger = l
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = logger.Sync()
	},
}

func Execute() error {
	return rootCmd.ExecuteContext(context.Background())
}

func newLogger(debug bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "console"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if debug {
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	return cfg.Build()
}

// loadConfig reads --config, or searches the default locations.
func loadConfig() (*config.Config, error) {
	if cfgFile != "" {
		return config.Load(cfgFile)
	}
	return config.LoadDefault()
}

// loadConfigOrDefaults is for read-only commands that can work from the
// default output directory when no config file exists.
func loadConfigOrDefaults() (*config.Config, error) {
	cfg, err := loadConfig()
	if err != nil && cfgFile == "" {
		logger.Debug("no config found, using defaults", zap.Error(err))
		return config.Defaults(), nil
	}
	return cfg, err
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "path to healer config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(signalCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(eventsCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(dbCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(analyticsCmd)
	rootCmd.AddCommand(serveCmd)
}
