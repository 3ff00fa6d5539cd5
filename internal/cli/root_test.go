package cli

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/lucasnoah/healfactory/internal/db"
	"github.com/lucasnoah/healfactory/internal/pipeline"
)

// resetFlags restores every flag to its default so commands can run
// repeatedly within one test binary.
func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		_ = f.Value.Set(f.DefValue)
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, c := range cmd.Commands() {
		resetFlags(c)
	}
}

func executeCommand(args ...string) (string, error) {
	resetFlags(rootCmd)
	buf := new(bytes.Buffer)
	rootCmd.SetOut(buf)
	rootCmd.SetErr(buf)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return buf.String(), err
}

func writeConfig(t *testing.T, dir, extra string) string {
	t.Helper()
	content := `app:
  base_url: http://localhost:3000
vision:
  model: llava
pipeline:
  output_dir: ` + filepath.Join(dir, "out") + `
database:
  dsn: ` + filepath.Join(dir, "out", "healer.db") + `
steps:
  - id: home
    actions:
      - type: navigate
        path: /
` + extra
	path := filepath.Join(dir, "healer.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestVersionCommand(t *testing.T) {
	SetVersion("test-version")
	out, err := executeCommand("version")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out, "test-version") {
		t.Errorf("expected version output to contain 'test-version', got: %s", out)
	}
}

func TestRootHelp(t *testing.T) {
	out, err := executeCommand("--help")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	expectedSubcommands := []string{
		"run", "signal", "status", "events", "config", "db", "init", "version",
		"analytics", "serve",
	}
	for _, sub := range expectedSubcommands {
		if !strings.Contains(out, sub) {
			t.Errorf("help output missing subcommand %q", sub)
		}
	}
}

func TestConfigSubcommands(t *testing.T) {
	for _, sub := range []string{"validate", "show"} {
		out, err := executeCommand("config", sub, "--help")
		if err != nil {
			t.Errorf("config %s --help failed: %v", sub, err)
		}
		if out == "" {
			t.Errorf("config %s --help produced no output", sub)
		}
	}
}

func TestInitWritesValidSampleConfig(t *testing.T) {
	dir := t.TempDir()
	out, err := executeCommand("init", "--dir", dir)
	if err != nil {
		t.Fatalf("init: %v\n%s", err, out)
	}
	path := filepath.Join(dir, "healer.yaml")
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("healer.yaml not written: %v", err)
	}
	for _, name := range []string{"capture.md", "sync.md"} {
		if _, err := os.Stat(filepath.Join(dir, ".healer", "templates", name)); err != nil {
			t.Errorf("template %s not installed: %v", name, err)
		}
	}

	out, err = executeCommand("config", "validate", "-c", path)
	if err != nil {
		t.Fatalf("sample config should validate: %v\n%s", err, out)
	}
	if !strings.Contains(out, "Configuration is valid (3 steps)") {
		t.Errorf("unexpected output: %s", out)
	}

	// Second init keeps the existing file.
	if err := os.WriteFile(path, []byte("custom"), 0o644); err != nil {
		t.Fatal(err)
	}
	out, err = executeCommand("init", "--dir", dir)
	if err != nil {
		t.Fatalf("second init: %v", err)
	}
	if !strings.Contains(out, "leaving it alone") {
		t.Errorf("expected init to keep existing config, got: %s", out)
	}
	data, _ := os.ReadFile(path)
	if string(data) != "custom" {
		t.Errorf("existing config overwritten")
	}
}

func TestConfigValidateReportsErrors(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	bad := `app:
  base_url: not-a-url
steps:
  - id: a
    prerequisites: [b]
    actions:
      - type: teleport
`
	if err := os.WriteFile(path, []byte(bad), 0o644); err != nil {
		t.Fatal(err)
	}
	out, err := executeCommand("config", "validate", "-c", path)
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"app.base_url", "vision.model", "steps[0].prerequisites", "unknown action type"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestConfigShow(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "")
	out, err := executeCommand("config", "show", "-c", path)
	if err != nil {
		t.Fatalf("config show: %v", err)
	}
	// defaults are merged in
	for _, want := range []string{"max_cycles: 5", "backend: ollama", "signal_mode: poll"} {
		if !strings.Contains(out, want) {
			t.Errorf("config show missing %q:\n%s", want, out)
		}
	}
}

func TestSignalRaiseCheckClear(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".fixes-applied")

	if _, err := executeCommand("signal", "--file", path); err != nil {
		t.Fatalf("raise: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("flag not created: %v", err)
	}

	out, err := executeCommand("signal", "--file", path, "--check")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !strings.Contains(out, "Signal raised") {
		t.Errorf("check output: %s", out)
	}

	if _, err := executeCommand("signal", "--file", path, "--clear"); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("flag should be removed, stat err = %v", err)
	}
}

func TestSignalUsesConfiguredPath(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "")
	if _, err := executeCommand("signal", "-c", path); err != nil {
		t.Fatalf("signal: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "out", ".fixes-applied")); err != nil {
		t.Errorf("flag not created at default path: %v", err)
	}
}

func TestStatus(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "")

	out, err := executeCommand("status", "-c", path)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !strings.Contains(out, "No runs found.") {
		t.Errorf("expected empty listing, got: %s", out)
	}

	store := pipeline.NewStore(filepath.Join(dir, "out"))
	if _, err := store.Create("20260101-000000-abcd1234", 5); err != nil {
		t.Fatalf("create run: %v", err)
	}

	out, err = executeCommand("status", "-c", path)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !strings.Contains(out, "20260101-000000-abcd1234") || !strings.Contains(out, "running") {
		t.Errorf("listing missing run: %s", out)
	}

	out, err = executeCommand("status", "latest", "-c", path, "--format", "json")
	if err != nil {
		t.Fatalf("status latest: %v", err)
	}
	if !strings.Contains(out, `"run_id": "20260101-000000-abcd1234"`) {
		t.Errorf("json output: %s", out)
	}

	if _, err := executeCommand("status", "missing", "-c", path); err == nil {
		t.Error("expected error for unknown run")
	}
}

func TestEvents(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "")

	out, err := executeCommand("events", "-c", path)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if !strings.Contains(out, "No runs recorded.") {
		t.Errorf("expected no runs, got: %s", out)
	}

	d, err := db.Open(filepath.Join(dir, "out", "healer.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := d.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	_ = d.StartRun("run-1", time.Now())
	_ = d.LogPipelineEvent("run-1", 1, "phase_started", "collect", "1 steps")
	_ = d.LogBugEvent(db.BugEvent{RunID: "run-1", Cycle: 1, BugID: "BUG-DATA-001", ToStatus: "open"})
	_ = d.LogVisionCall(db.VisionCall{RunID: "run-1", Cycle: 1, CaptureID: "home", Backend: "ollama", Attempts: 2, DurationMs: 40})
	d.Close()

	out, err = executeCommand("events", "-c", path)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if !strings.Contains(out, "phase_started") {
		t.Errorf("pipeline events missing: %s", out)
	}

	out, err = executeCommand("events", "run-1", "--bugs", "-c", path)
	if err != nil {
		t.Fatalf("events --bugs: %v", err)
	}
	if !strings.Contains(out, "BUG-DATA-001") {
		t.Errorf("bug events missing: %s", out)
	}

	out, err = executeCommand("events", "run-1", "--vision", "-c", path)
	if err != nil {
		t.Fatalf("events --vision: %v", err)
	}
	if !strings.Contains(out, "1 calls, 0 failed, 0 fallbacks, 1 retries") {
		t.Errorf("vision summary missing: %s", out)
	}
}

func TestRunRejectsInvalidConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "healer.yaml")
	if err := os.WriteFile(path, []byte("app:\n  base_url: http://localhost\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := executeCommand("run", "-c", path)
	var exitErr *ExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("expected ExitError, got %v", err)
	}
	if exitErr.Code != ExitPipeline {
		t.Errorf("exit code = %d, want %d", exitErr.Code, ExitPipeline)
	}
}

func TestDBResetRequiresConfirmation(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "")
	if _, err := executeCommand("db", "reset", "-c", path); err == nil {
		t.Error("expected reset without --yes to fail")
	}
	out, err := executeCommand("db", "reset", "--yes", "-c", path)
	if err != nil {
		t.Fatalf("db reset: %v", err)
	}
	if !strings.Contains(out, "Event log reset.") {
		t.Errorf("output: %s", out)
	}
}

func TestAnalyticsSubcommands(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "")
	headers := map[string]string{
		"phase-duration": "PHASE",
		"bug-outcomes":   "CATEGORY",
		"vision":         "BACKEND",
		"throughput":     "WEEK",
	}
	for sub, header := range headers {
		out, err := executeCommand("analytics", sub, "-c", path)
		if err != nil {
			t.Errorf("analytics %s: %v", sub, err)
			continue
		}
		if !strings.Contains(out, header) {
			t.Errorf("analytics %s output missing %q: %s", sub, header, out)
		}
	}

	out, err := executeCommand("analytics", "vision", "-c", path, "--format", "json")
	if err != nil {
		t.Fatalf("analytics vision json: %v", err)
	}
	if strings.TrimSpace(out) != "null" {
		t.Errorf("empty json output = %q, want null", out)
	}

	if _, err := executeCommand("analytics", "throughput", "-c", path, "--since", "last week"); err == nil {
		t.Error("expected error for invalid --since")
	}
}

func TestParseSince(t *testing.T) {
	now := time.Date(2026, 6, 10, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		in   string
		want string
	}{
		{"", ""},
		{"7d", "2026-06-03T12:00:00Z"},
		{"12h", "2026-06-10T00:00:00Z"},
		{"2026-06-01", "2026-06-01T00:00:00Z"},
		{"2026-06-01T08:30:00Z", "2026-06-01T08:30:00Z"},
	}
	for _, tt := range tests {
		got, err := parseSince(tt.in, now)
		if err != nil {
			t.Errorf("parseSince(%q): %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("parseSince(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
	for _, bad := range []string{"xd", "-3d", "soon"} {
		if _, err := parseSince(bad, now); err == nil {
			t.Errorf("parseSince(%q) should fail", bad)
		}
	}
}

func TestExitError(t *testing.T) {
	inner := errors.New("pipeline finished partial")
	err := error(&ExitError{Code: ExitUnclean, Err: inner})
	if err.Error() != "pipeline finished partial" {
		t.Errorf("Error() = %q", err.Error())
	}
	if !errors.Is(err, inner) {
		t.Error("ExitError should unwrap to its cause")
	}
	if (&ExitError{Code: 3}).Error() != "exit status 3" {
		t.Error("ExitError without cause should describe the code")
	}
}
