package cli

import (
	"context"
	"fmt"
	"os"
	ossignal "os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lucasnoah/healfactory/internal/browser"
	"github.com/lucasnoah/healfactory/internal/bugs"
	"github.com/lucasnoah/healfactory/internal/config"
	"github.com/lucasnoah/healfactory/internal/orchestrator"
	"github.com/lucasnoah/healfactory/internal/pipeline"
	"github.com/lucasnoah/healfactory/internal/report"
	"github.com/lucasnoah/healfactory/internal/scenario"
	"github.com/lucasnoah/healfactory/internal/session"
	"github.com/lucasnoah/healfactory/internal/vision"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the self-healing pipeline until clean or out of cycles",
	Long: `Runs collect → analyze → report → fix → verify cycles.

Exit status is 0 when the final status is clean, 1 when it is partial or
blocked, and 2 when the pipeline itself failed.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return &ExitError{Code: ExitPipeline, Err: err}
		}
		applyRunFlags(cmd, cfg)
		if errs := config.Validate(cfg); len(errs) > 0 {
			for _, e := range errs {
				cmd.PrintErrf("  - %s\n", e)
			}
			return &ExitError{Code: ExitPipeline, Err: fmt.Errorf("config has %d validation error(s)", len(errs))}
		}

		ctx, stop := ossignal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		res, err := runPipeline(ctx, cmd, cfg)
		if res != nil {
			format, _ := cmd.Flags().GetString("format")
			if format == "json" {
				if werr := writeJSON(cmd, res); werr != nil {
					logger.Warn("write result", zap.Error(werr))
				}
			} else {
				printResult(cmd, res)
			}
		}
		if err != nil {
			return &ExitError{Code: ExitPipeline, Err: fmt.Errorf("pipeline failed: %w", err)}
		}
		if res.Status != report.StatusClean {
			return &ExitError{Code: ExitUnclean, Err: fmt.Errorf("pipeline finished %s", res.Status)}
		}
		return nil
	},
}

func applyRunFlags(cmd *cobra.Command, cfg *config.Config) {
	if cmd.Flags().Changed("max-cycles") {
		cfg.Pipeline.MaxCycles, _ = cmd.Flags().GetInt("max-cycles")
	}
	if cmd.Flags().Changed("fix-timeout") {
		cfg.Pipeline.FixTimeout, _ = cmd.Flags().GetString("fix-timeout")
	}
	if cmd.Flags().Changed("model") {
		cfg.Vision.Model, _ = cmd.Flags().GetString("model")
	}
}

// runPipeline wires every component from cfg and runs one pipeline.
func runPipeline(ctx context.Context, cmd *cobra.Command, cfg *config.Config) (*orchestrator.Result, error) {
	backend, err := newBackend(ctx, cfg.Vision)
	if err != nil {
		return nil, err
	}

	launcher := browser.NewLauncher(browser.Config{
		Bin:               cfg.Browser.Bin,
		DebuggerURL:       cfg.Browser.DebuggerURL,
		Headless:          cfg.Browser.IsHeadless(),
		ViewportWidth:     cfg.Browser.ViewportWidth,
		ViewportHeight:    cfg.Browser.ViewportHeight,
		NavigationTimeout: cfg.Browser.NavigationTimeoutDuration(),
		ActionTimeout:     cfg.Browser.ActionTimeoutDuration(),
	}, logger.Named("browser"))

	driver, err := scenario.NewDriver(launcher, cfg.Steps, cfg.App.EntryURL(),
		scenario.WithLogger(logger.Named("scenario")),
		scenario.WithSettleDelay(cfg.Browser.SettleDelayDuration()))
	if err != nil {
		return nil, err
	}

	runID := orchestrator.NewRunID(time.Now())
	out := cfg.Pipeline.OutputDir
	signal := report.NewSignal(cfg.Pipeline.SignalFile,
		report.WithPollInterval(cfg.Pipeline.SignalPollIntervalDuration()),
		report.WithWatch(cfg.Pipeline.SignalMode == "watch"),
		report.WithSignalLogger(logger.Named("signal")))
	emitter := report.NewEmitter(out,
		report.WithRunID(runID),
		report.WithSignalFile(cfg.Pipeline.SignalFile),
		report.WithEmitterLogger(logger.Named("report")))

	store := pipeline.NewStore(out)
	deps := orchestrator.Deps{
		Driver:  driver,
		Tracker: bugs.NewTracker(cfg.Pipeline.MaxFixAttempts),
		Emitter: emitter,
		Handoff: signal,
		Store:   store,
	}
	if ac := cfg.Pipeline.Agent; ac.Command != "" {
		agent := session.NewAgent(session.NewExecTmux(), signal, session.AgentConfig{
			Command:       ac.Command,
			Workdir:       ac.Workdir,
			Session:       ac.SessionName(),
			StartupDelay:  ac.StartupDelayDuration(),
			RunID:         runID,
			BugsPath:      emitter.CurrentBugsPath(),
			SignalCommand: fmt.Sprintf("%s signal --file %s", selfBinary(), signal.Path()),
			TemplatesDir:  cfg.Vision.TemplatesDir,
		})
		agent.SetLogger(logger.Named("agent"))
		defer stopAgent(agent, filepath.Join(store.RunDir(runID), "agent.log"))
		deps.Handoff = agent
	}
	if events, err := openEventLog(cfg); err != nil {
		logger.Warn("event log unavailable, continuing without it", zap.Error(err))
	} else {
		defer events.Close()
		deps.Events = events
	}

	var orch *orchestrator.Orchestrator
	deps.Analyzer = vision.New(backend, vision.Config{
		Model:             cfg.Vision.Model,
		Timeout:           cfg.Vision.TimeoutDuration(),
		MaxAttempts:       cfg.Vision.MaxAttempts,
		InitialBackoff:    cfg.Vision.InitialBackoffDuration(),
		BackoffMultiplier: cfg.Vision.BackoffMultiplier,
		Options:           vision.Options{Temperature: cfg.Vision.Temperature, MaxTokens: cfg.Vision.MaxTokens},
		TemplatesDir:      cfg.Vision.TemplatesDir,
	},
		vision.WithLogger(logger.Named("vision")),
		vision.WithObserver(func(c vision.Call) { orch.RecordVisionCall(c) }))

	orch = orchestrator.New(runID, orchestrator.Config{
		MaxCycles:  cfg.Pipeline.MaxCycles,
		FixTimeout: cfg.Pipeline.FixTimeoutDuration(),
	}, deps)
	orch.SetLogger(logger.Named("pipeline"))
	if quiet, _ := cmd.Flags().GetBool("quiet"); !quiet {
		orch.SetProgress(cmd.ErrOrStderr())
	}

	fmt.Fprintf(cmd.ErrOrStderr(), "Run %s: fixing agent reads %s, signals with %s\n",
		runID, emitter.CurrentBugsPath(), signal.Path())
	return orch.Run(ctx)
}

// stopAgent ends the agent session and keeps its scrollback with the run.
func stopAgent(agent *session.Agent, logPath string) {
	text, err := agent.Stop()
	if err != nil {
		logger.Warn("stop fixing agent", zap.Error(err))
	}
	if text == "" {
		return
	}
	if err := pipeline.WriteFile(logPath, []byte(text)); err != nil {
		logger.Warn("save agent log", zap.String("path", logPath), zap.Error(err))
	}
}

// selfBinary returns the path of the running healer binary, or "healer".
func selfBinary() string {
	if exe, err := os.Executable(); err == nil {
		return exe
	}
	return "healer"
}

func newBackend(ctx context.Context, v config.Vision) (vision.Backend, error) {
	switch v.Backend {
	case "gemini":
		key := os.Getenv(v.APIKeyEnv)
		if key == "" {
			return nil, fmt.Errorf("gemini backend needs an API key in $%s", v.APIKeyEnv)
		}
		return vision.NewGeminiBackend(ctx, key)
	case "ollama", "":
		return vision.NewOllamaBackend(v.URL, nil), nil
	default:
		return nil, fmt.Errorf("unknown vision backend %q", v.Backend)
	}
}

func printResult(cmd *cobra.Command, res *orchestrator.Result) {
	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "Run:    %s\n", res.RunID)
	fmt.Fprintf(w, "Status: %s\n", res.Status)
	fmt.Fprintf(w, "Cycles: %d\n", res.Cycles)
	if res.Final != nil {
		fmt.Fprintf(w, "Fixed: %d  Unresolved: %d  Still open: %d\n",
			len(res.Final.FixedBugs), len(res.Final.UnresolvedBugs), len(res.Final.SkippedBugs))
	}
}

func init() {
	runCmd.Flags().Int("max-cycles", 0, "override pipeline.max_cycles")
	runCmd.Flags().String("fix-timeout", "", "override pipeline.fix_timeout (e.g. 20m)")
	runCmd.Flags().String("model", "", "override vision.model")
	runCmd.Flags().String("format", "text", "Output format: text or json")
	runCmd.Flags().BoolP("quiet", "q", false, "suppress progress output")
}
