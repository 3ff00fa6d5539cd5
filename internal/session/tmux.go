package session

import (
	"fmt"
	"os"
	"os/exec"
	"time"
)

// TmuxRunner abstracts tmux shell commands for testability.
type TmuxRunner interface {
	NewSession(name, workdir string) error
	SendKeys(session string, keys string) error
	SendBuffer(session string, content string) error
	KillSession(name string) error
	CapturePane(name string) (string, error)
	HasSession(name string) (bool, error)
}

// ExecTmux implements TmuxRunner by shelling out to tmux.
type ExecTmux struct{}

// NewExecTmux returns a new ExecTmux.
func NewExecTmux() *ExecTmux {
	return &ExecTmux{}
}

func (e *ExecTmux) NewSession(name, workdir string) error {
	args := []string{"new-session", "-d", "-s", name}
	if workdir != "" {
		args = append(args, "-c", workdir)
	}
	if out, err := exec.Command("tmux", args...).CombinedOutput(); err != nil {
		return fmt.Errorf("new-session: %w: %s", err, out)
	}
	return nil
}

func (e *ExecTmux) SendKeys(session string, keys string) error {
	return exec.Command("tmux", "send-keys", "-t", session, keys, "Enter").Run()
}

// SendBuffer pastes content into the session through a tmux buffer and
// submits it. Multi-line prompts survive intact this way, unlike send-keys.
func (e *ExecTmux) SendBuffer(session string, content string) error {
	f, err := os.CreateTemp("", "healer-prompt-*.txt")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(f.Name())

	if _, err := f.WriteString(content); err != nil {
		f.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	f.Close()

	if err := exec.Command("tmux", "load-buffer", f.Name()).Run(); err != nil {
		return fmt.Errorf("load-buffer: %w", err)
	}
	if err := exec.Command("tmux", "paste-buffer", "-t", session).Run(); err != nil {
		return fmt.Errorf("paste-buffer: %w", err)
	}

	// Large pastes need a moment to land before Enter.
	time.Sleep(1 * time.Second)

	return exec.Command("tmux", "send-keys", "-t", session, "Enter").Run()
}

func (e *ExecTmux) KillSession(name string) error {
	return exec.Command("tmux", "kill-session", "-t", name).Run()
}

func (e *ExecTmux) CapturePane(name string) (string, error) {
	out, err := exec.Command("tmux", "capture-pane", "-t", name, "-p", "-S", "-").Output()
	if err != nil {
		return "", fmt.Errorf("capture-pane: %w", err)
	}
	return string(out), nil
}

func (e *ExecTmux) HasSession(name string) (bool, error) {
	err := exec.Command("tmux", "has-session", "-t", name).Run()
	if err == nil {
		return true, nil
	}
	if exitErr, ok := err.(*exec.ExitError); ok && exitErr.ExitCode() == 1 {
		return false, nil
	}
	return false, fmt.Errorf("has-session: %w", err)
}
