package pipeline

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/lucasnoah/healfactory/internal/bugs"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(t.TempDir())
}

func TestCreateAndGet(t *testing.T) {
	s := newTestStore(t)

	st, err := s.Create("20260102-030405-abcd1234", 5)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if st.RunID != "20260102-030405-abcd1234" {
		t.Errorf("RunID = %q", st.RunID)
	}
	if st.Status != StatusRunning {
		t.Errorf("Status = %q, want %q", st.Status, StatusRunning)
	}
	if st.MaxCycles != 5 {
		t.Errorf("MaxCycles = %d, want 5", st.MaxCycles)
	}
	if st.StartedAt == "" {
		t.Error("StartedAt should not be empty")
	}

	// Round-trip through disk.
	got, err := s.Get(st.RunID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.RunID != st.RunID || got.MaxCycles != 5 {
		t.Errorf("round-trip mismatch: %+v", got)
	}
	if got.Active == nil || got.Fixed == nil || got.Unresolved == nil {
		t.Error("bug lists should persist as empty arrays, not null")
	}
}

func TestCreateDuplicate(t *testing.T) {
	s := newTestStore(t)

	if _, err := s.Create("run-1", 3); err != nil {
		t.Fatalf("first Create: %v", err)
	}
	if _, err := s.Create("run-1", 3); err == nil {
		t.Fatal("expected error creating duplicate run")
	}
}

func TestGetNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Get("missing")
	if err == nil {
		t.Fatal("expected error for non-existent run")
	}
}

func TestUpdate(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Create("run-1", 3); err != nil {
		t.Fatalf("Create: %v", err)
	}

	err := s.Update("run-1", func(st *State) {
		st.Cycle = 2
		st.Phase = PhaseVerify
		st.Active = []*bugs.Bug{{ID: "BUG-LAYOUT-001", Status: bugs.StatusFixing, FixAttempts: 1}}
		st.History = append(st.History, PhaseEntry{Cycle: 2, Phase: PhaseVerify})
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}

	got, err := s.Get("run-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Cycle != 2 || got.Phase != PhaseVerify {
		t.Errorf("got cycle=%d phase=%q", got.Cycle, got.Phase)
	}
	if len(got.Active) != 1 || got.Active[0].Status != bugs.StatusFixing {
		t.Errorf("Active = %+v", got.Active)
	}
	if len(got.History) != 1 {
		t.Errorf("History has %d entries, want 1", len(got.History))
	}
}

func TestUpdateNotFound(t *testing.T) {
	s := newTestStore(t)

	err := s.Update("missing", func(st *State) {})
	if err == nil {
		t.Fatal("expected error updating non-existent run")
	}
}

func TestListWithFilter(t *testing.T) {
	s := newTestStore(t)

	for _, id := range []string{"run-a", "run-b", "run-c"} {
		if _, err := s.Create(id, 3); err != nil {
			t.Fatalf("Create %s: %v", id, err)
		}
	}
	_ = s.Update("run-b", func(st *State) { st.Status = StatusCompleted })

	all, err := s.List("")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("List returned %d runs, want 3", len(all))
	}

	done, err := s.List(StatusCompleted)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(done) != 1 || done[0].RunID != "run-b" {
		t.Errorf("filtered list = %+v", done)
	}
}

func TestListEmpty(t *testing.T) {
	s := newTestStore(t)

	runs, err := s.List("")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(runs) != 0 {
		t.Errorf("expected no runs, got %d", len(runs))
	}
	if _, err := s.Latest(); err == nil {
		t.Error("Latest should fail with no runs")
	}
}

func TestLatest(t *testing.T) {
	s := newTestStore(t)

	for _, id := range []string{"20260101-000000-aaaa", "20260101-000000-bbbb"} {
		if _, err := s.Create(id, 3); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}
	got, err := s.Latest()
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if got.RunID != "20260101-000000-bbbb" {
		t.Errorf("Latest = %q", got.RunID)
	}
}

func TestDelete(t *testing.T) {
	s := newTestStore(t)

	if _, err := s.Create("run-1", 3); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := s.Delete("run-1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Get("run-1"); err == nil {
		t.Error("run should be gone after Delete")
	}
	if err := s.Delete("run-1"); err == nil {
		t.Error("expected error deleting twice")
	}
}

func TestWriteFile_LeavesNoStagedFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "current-bugs.json")

	data := []byte(`{"bugs": []}`)
	if err := WriteFile(path, data); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := WriteFile(path, data, Durable()); err != nil {
		t.Fatalf("WriteFile durable: %v", err)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != string(data) {
		t.Errorf("file content = %q, want %q", got, data)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	for _, e := range entries {
		if e.Name() != "current-bugs.json" {
			t.Errorf("unexpected file remaining: %s", e.Name())
		}
	}
}

func TestWriteFile_Permissions(t *testing.T) {
	dir := t.TempDir()

	report := filepath.Join(dir, "report.json")
	if err := WriteFile(report, []byte("{}")); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	state := filepath.Join(dir, "state.json")
	if err := WriteFile(state, []byte("{}"), WithPerm(StatePerm)); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	tests := []struct {
		path string
		want os.FileMode
	}{
		{report, ReportPerm},
		{state, StatePerm},
	}
	for _, tt := range tests {
		info, err := os.Stat(tt.path)
		if err != nil {
			t.Fatalf("Stat: %v", err)
		}
		if got := info.Mode().Perm(); got != tt.want {
			t.Errorf("%s mode = %v, want %v", filepath.Base(tt.path), got, tt.want)
		}
	}
}

func TestStateFileIsPrivate(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Create("run-1", 3); err != nil {
		t.Fatalf("Create: %v", err)
	}
	info, err := os.Stat(filepath.Join(s.RunDir("run-1"), "state.json"))
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if got := info.Mode().Perm(); got != StatePerm {
		t.Errorf("state.json mode = %v, want %v", got, StatePerm)
	}
}

func TestReadJSON_EmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.json")
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	var v map[string]any
	err := ReadJSON(path, &v)
	if err == nil || !strings.Contains(err.Error(), "file is empty") {
		t.Errorf("ReadJSON error = %v, want empty-file error", err)
	}
}

func TestWriteAndReadJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "data.json")

	input := bugs.Bug{ID: "BUG-DATA-001", Component: "Table", Status: bugs.StatusOpen}
	if err := WriteJSON(path, &input); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}

	var output bugs.Bug
	if err := ReadJSON(path, &output); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	if output.ID != input.ID || output.Status != input.Status {
		t.Errorf("ReadJSON got %+v, want %+v", output, input)
	}
}

func TestConcurrentUpdates(t *testing.T) {
	s := newTestStore(t)

	if _, err := s.Create("run-1", 3); err != nil {
		t.Fatalf("Create: %v", err)
	}

	var wg sync.WaitGroup
	errs := make([]error, 10)
	for i := 0; i < 10; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = s.Update("run-1", func(st *State) {
				st.History = append(st.History, PhaseEntry{Cycle: i, Phase: PhaseAnalyze})
			})
		}()
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("update %d: %v", i, err)
		}
	}
	got, err := s.Get("run-1")
	if err != nil {
		t.Fatalf("Get after concurrent updates: %v", err)
	}
	if len(got.History) != 10 {
		t.Errorf("History has %d entries, want 10 (lost update)", len(got.History))
	}
}

func TestDirectoryStructure(t *testing.T) {
	s := newTestStore(t)

	_, _ = s.Create("run-1", 3)

	paths := []string{
		s.RunDir("run-1"),
		filepath.Join(s.RunDir("run-1"), "state.json"),
		filepath.Join(s.RunDir("run-1"), "captures"),
	}
	for _, p := range paths {
		if _, err := os.Stat(p); os.IsNotExist(err) {
			t.Errorf("expected path to exist: %s", p)
		}
	}
	if got := s.CaptureDir("run-1", 2); got != filepath.Join(s.RunDir("run-1"), "captures", "cycle-002") {
		t.Errorf("CaptureDir = %q", got)
	}
	if got := s.VerifyDir("run-1", 12); got != filepath.Join(s.RunDir("run-1"), "verify", "cycle-012") {
		t.Errorf("VerifyDir = %q", got)
	}
}
