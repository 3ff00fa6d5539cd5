// Package session launches the fixing agent in a tmux session so a run can
// proceed without an operator starting it by hand.
package session

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/lucasnoah/healfactory/internal/prompt"
)

// Waiter is the flag-file half of the hand-off. *report.Signal implements it.
type Waiter interface {
	Clear() error
	Await(ctx context.Context, timeout time.Duration) bool
}

// AgentConfig describes how to start the fixing agent.
type AgentConfig struct {
	Command       string // shell command typed into the session, e.g. "claude"
	Workdir       string
	Session       string
	StartupDelay  time.Duration // wait between Command and the prompt paste
	RunID         string
	BugsPath      string
	SignalCommand string // what the agent runs when done
	TemplatesDir  string
}

// Agent wraps a Waiter and starts a fresh agent session at the beginning of
// every wait. It satisfies the orchestrator's hand-off interface.
type Agent struct {
	tmux     TmuxRunner
	waiter   Waiter
	cfg      AgentConfig
	logger   *zap.Logger
	sleep    func(time.Duration)
	launches int
}

// NewAgent creates an Agent.
func NewAgent(tmux TmuxRunner, waiter Waiter, cfg AgentConfig) *Agent {
	return &Agent{
		tmux:   tmux,
		waiter: waiter,
		cfg:    cfg,
		logger: zap.NewNop(),
		sleep:  time.Sleep,
	}
}

// SetLogger sets the logger.
func (a *Agent) SetLogger(l *zap.Logger) {
	if l != nil {
		a.logger = l
	}
}

// Launches returns how many sessions have been started.
func (a *Agent) Launches() int { return a.launches }

// Clear delegates to the wrapped Waiter.
func (a *Agent) Clear() error { return a.waiter.Clear() }

// Await launches the agent and then waits for its signal. A failed launch
// is logged and the wait proceeds, so an operator can still fix and signal
// by hand.
func (a *Agent) Await(ctx context.Context, timeout time.Duration) bool {
	if err := a.Launch(); err != nil {
		a.logger.Warn("fixing agent not launched, waiting for a manual signal", zap.Error(err))
	}
	return a.waiter.Await(ctx, timeout)
}

// Launch replaces any existing session with a new one running the agent
// command, then pastes the fix prompt into it.
func (a *Agent) Launch() error {
	a.launches++
	text, err := a.Prompt()
	if err != nil {
		return err
	}

	name := a.cfg.Session
	exists, err := a.tmux.HasSession(name)
	if err != nil {
		return fmt.Errorf("check session: %w", err)
	}
	if exists {
		if err := a.tmux.KillSession(name); err != nil {
			return fmt.Errorf("kill previous session: %w", err)
		}
	}

	if err := a.tmux.NewSession(name, a.cfg.Workdir); err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	if err := a.tmux.SendKeys(name, a.cfg.Command); err != nil {
		return fmt.Errorf("send agent command: %w", err)
	}
	if a.cfg.StartupDelay > 0 {
		a.sleep(a.cfg.StartupDelay)
	}
	if err := a.tmux.SendBuffer(name, text); err != nil {
		return fmt.Errorf("send prompt: %w", err)
	}

	a.logger.Info("fixing agent launched",
		zap.String("session", name),
		zap.Int("launch", a.launches))
	return nil
}

// Prompt renders the fix prompt for the current launch.
func (a *Agent) Prompt() (string, error) {
	tmpl, err := prompt.LoadTemplate(prompt.FixTemplate, a.cfg.TemplatesDir)
	if err != nil {
		return "", err
	}
	vars := prompt.Vars{
		"run_id":         a.cfg.RunID,
		"bugs_path":      a.cfg.BugsPath,
		"signal_command": a.cfg.SignalCommand,
	}
	if a.launches > 1 {
		vars["attempt"] = strconv.Itoa(a.launches)
	}
	return prompt.Render(tmpl, vars)
}

// Stop captures the session's scrollback and kills it. A session that is
// already gone yields an empty log.
func (a *Agent) Stop() (string, error) {
	name := a.cfg.Session
	exists, err := a.tmux.HasSession(name)
	if err != nil {
		return "", fmt.Errorf("check session: %w", err)
	}
	if !exists {
		return "", nil
	}
	log, err := a.tmux.CapturePane(name)
	if err != nil {
		return "", fmt.Errorf("capture pane: %w", err)
	}
	if err := a.tmux.KillSession(name); err != nil {
		return log, fmt.Errorf("kill session: %w", err)
	}
	return log, nil
}
