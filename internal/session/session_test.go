package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// mockTmux records calls and returns configurable results.
type mockTmux struct {
	calls       []string
	sessions    map[string]bool // live sessions
	buffers     []string
	captureText string
	newErr      error
}

func newMockTmux() *mockTmux {
	return &mockTmux{sessions: make(map[string]bool)}
}

func (m *mockTmux) NewSession(name, workdir string) error {
	m.calls = append(m.calls, fmt.Sprintf("new-session %s %s", name, workdir))
	if m.newErr != nil {
		return m.newErr
	}
	m.sessions[name] = true
	return nil
}

func (m *mockTmux) SendKeys(session string, keys string) error {
	m.calls = append(m.calls, fmt.Sprintf("send-keys %s %q", session, keys))
	return nil
}

func (m *mockTmux) SendBuffer(session string, content string) error {
	m.calls = append(m.calls, fmt.Sprintf("send-buffer %s", session))
	m.buffers = append(m.buffers, content)
	return nil
}

func (m *mockTmux) KillSession(name string) error {
	m.calls = append(m.calls, fmt.Sprintf("kill-session %s", name))
	delete(m.sessions, name)
	return nil
}

func (m *mockTmux) CapturePane(name string) (string, error) {
	m.calls = append(m.calls, fmt.Sprintf("capture-pane %s", name))
	return m.captureText, nil
}

func (m *mockTmux) HasSession(name string) (bool, error) {
	return m.sessions[name], nil
}

// mockWaiter reports a fixed Await result and counts calls.
type mockWaiter struct {
	cleared int
	awaited int
	result  bool
}

func (w *mockWaiter) Clear() error { w.cleared++; return nil }

func (w *mockWaiter) Await(ctx context.Context, timeout time.Duration) bool {
	w.awaited++
	return w.result
}

func testAgent(tmux *mockTmux, waiter *mockWaiter) (*Agent, *[]time.Duration) {
	a := NewAgent(tmux, waiter, AgentConfig{
		Command:       "claude --permission-mode acceptEdits",
		Workdir:       "/src/app",
		Session:       "healer-fix",
		StartupDelay:  3 * time.Second,
		RunID:         "20260601-100000-abcd1234",
		BugsPath:      "/src/app/.healer/current-bugs.json",
		SignalCommand: "healer signal",
	})
	var slept []time.Duration
	a.sleep = func(d time.Duration) { slept = append(slept, d) }
	return a, &slept
}

func TestLaunch_HappyPath(t *testing.T) {
	tmux := newMockTmux()
	a, slept := testAgent(tmux, &mockWaiter{})

	if err := a.Launch(); err != nil {
		t.Fatalf("Launch: %v", err)
	}

	want := []string{
		"new-session healer-fix /src/app",
		`send-keys healer-fix "claude --permission-mode acceptEdits"`,
		"send-buffer healer-fix",
	}
	if len(tmux.calls) != len(want) {
		t.Fatalf("calls = %v, want %v", tmux.calls, want)
	}
	for i := range want {
		if tmux.calls[i] != want[i] {
			t.Errorf("call[%d] = %q, want %q", i, tmux.calls[i], want[i])
		}
	}
	if len(*slept) != 1 || (*slept)[0] != 3*time.Second {
		t.Errorf("slept = %v, want [3s]", *slept)
	}

	text := tmux.buffers[0]
	for _, s := range []string{"20260601-100000-abcd1234", "/src/app/.healer/current-bugs.json", "healer signal"} {
		if !strings.Contains(text, s) {
			t.Errorf("prompt missing %q", s)
		}
	}
	if strings.Contains(text, "fix round") {
		t.Error("first launch should not mention earlier rounds")
	}
}

func TestLaunch_ReplacesExistingSession(t *testing.T) {
	tmux := newMockTmux()
	tmux.sessions["healer-fix"] = true
	a, _ := testAgent(tmux, &mockWaiter{})

	if err := a.Launch(); err != nil {
		t.Fatalf("Launch: %v", err)
	}
	if tmux.calls[0] != "kill-session healer-fix" {
		t.Errorf("first call = %q, want kill-session", tmux.calls[0])
	}
}

func TestLaunch_SecondRoundMentionsAttempt(t *testing.T) {
	tmux := newMockTmux()
	a, _ := testAgent(tmux, &mockWaiter{})

	_ = a.Launch()
	_ = a.Launch()

	if a.Launches() != 2 {
		t.Errorf("Launches = %d, want 2", a.Launches())
	}
	if !strings.Contains(tmux.buffers[1], "fix round 2") {
		t.Errorf("second prompt should mention round 2:\n%s", tmux.buffers[1])
	}
}

func TestLaunch_NoDelay(t *testing.T) {
	tmux := newMockTmux()
	a, slept := testAgent(tmux, &mockWaiter{})
	a.cfg.StartupDelay = 0

	if err := a.Launch(); err != nil {
		t.Fatalf("Launch: %v", err)
	}
	if len(*slept) != 0 {
		t.Errorf("slept = %v, want none", *slept)
	}
}

func TestAwait_LaunchesThenWaits(t *testing.T) {
	tmux := newMockTmux()
	waiter := &mockWaiter{result: true}
	a, _ := testAgent(tmux, waiter)

	if !a.Await(context.Background(), time.Minute) {
		t.Error("Await should return the waiter's result")
	}
	if waiter.awaited != 1 {
		t.Errorf("awaited = %d, want 1", waiter.awaited)
	}
	if !tmux.sessions["healer-fix"] {
		t.Error("agent session not started")
	}
}

func TestAwait_LaunchFailureStillWaits(t *testing.T) {
	tmux := newMockTmux()
	tmux.newErr = errors.New("no server")
	waiter := &mockWaiter{result: false}
	a, _ := testAgent(tmux, waiter)

	if a.Await(context.Background(), time.Minute) {
		t.Error("Await should return false from the waiter")
	}
	if waiter.awaited != 1 {
		t.Errorf("awaited = %d, want 1 even after a failed launch", waiter.awaited)
	}
}

func TestClear_Delegates(t *testing.T) {
	waiter := &mockWaiter{}
	a, _ := testAgent(newMockTmux(), waiter)
	if err := a.Clear(); err != nil {
		t.Fatal(err)
	}
	if waiter.cleared != 1 {
		t.Errorf("cleared = %d, want 1", waiter.cleared)
	}
}

func TestStop_CapturesAndKills(t *testing.T) {
	tmux := newMockTmux()
	tmux.captureText = "fixed 2 bugs\n"
	a, _ := testAgent(tmux, &mockWaiter{})
	_ = a.Launch()
	tmux.calls = nil

	log, err := a.Stop()
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if log != "fixed 2 bugs\n" {
		t.Errorf("log = %q", log)
	}
	if len(tmux.calls) != 2 || tmux.calls[1] != "kill-session healer-fix" {
		t.Errorf("calls = %v", tmux.calls)
	}
}

func TestStop_NoSession(t *testing.T) {
	tmux := newMockTmux()
	a, _ := testAgent(tmux, &mockWaiter{})

	log, err := a.Stop()
	if err != nil || log != "" {
		t.Errorf("Stop on missing session = %q, %v", log, err)
	}
	if len(tmux.calls) != 0 {
		t.Errorf("unexpected calls: %v", tmux.calls)
	}
}

func TestPrompt_TemplateOverride(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "fix.md"), []byte("fix {{run_id}} then {{signal_command}}"), 0o644); err != nil {
		t.Fatal(err)
	}
	a, _ := testAgent(newMockTmux(), &mockWaiter{})
	a.cfg.TemplatesDir = dir

	got, err := a.Prompt()
	if err != nil {
		t.Fatal(err)
	}
	if got != "fix 20260601-100000-abcd1234 then healer signal" {
		t.Errorf("Prompt = %q", got)
	}
}

