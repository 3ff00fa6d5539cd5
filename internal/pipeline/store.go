package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/lucasnoah/healfactory/internal/bugs"
)

// Store manages run state on disk under <baseDir>/runs/<run-id>/.
type Store struct {
	baseDir string
	mu      sync.Mutex
}

// NewStore creates a Store rooted at baseDir.
func NewStore(baseDir string) *Store {
	return &Store{baseDir: baseDir}
}

// BaseDir returns the store's root directory.
func (s *Store) BaseDir() string {
	return s.baseDir
}

func (s *Store) runsDir() string {
	return filepath.Join(s.baseDir, "runs")
}

// RunDir returns the directory holding everything for one run.
func (s *Store) RunDir(runID string) string {
	return filepath.Join(s.runsDir(), runID)
}

func (s *Store) statePath(runID string) string {
	return filepath.Join(s.RunDir(runID), "state.json")
}

// CaptureDir returns the screenshot directory for a full collection pass.
func (s *Store) CaptureDir(runID string, cycle int) string {
	return filepath.Join(s.RunDir(runID), "captures", fmt.Sprintf("cycle-%03d", cycle))
}

// VerifyDir returns the screenshot directory for a cycle's re-verification.
func (s *Store) VerifyDir(runID string, cycle int) string {
	return filepath.Join(s.RunDir(runID), "verify", fmt.Sprintf("cycle-%03d", cycle))
}

// Create initialises a new run on disk.
func (s *Store) Create(runID string, maxCycles int) (*State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := s.RunDir(runID)
	if _, err := os.Stat(dir); err == nil {
		return nil, fmt.Errorf("run %s already exists", runID)
	}
	if err := os.MkdirAll(filepath.Join(dir, "captures"), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir captures: %w", err)
	}

	now := time.Now().UTC().Format(time.RFC3339)
	st := &State{
		RunID:      runID,
		Status:     StatusRunning,
		MaxCycles:  maxCycles,
		Active:     []*bugs.Bug{},
		Fixed:      []*bugs.Bug{},
		Unresolved: []*bugs.Bug{},
		History:    []PhaseEntry{},
		StartedAt:  now,
		UpdatedAt:  now,
	}
	if err := WriteJSON(s.statePath(runID), st, WithPerm(StatePerm), Durable()); err != nil {
		return nil, fmt.Errorf("write state.json: %w", err)
	}
	return st, nil
}

// Get reads the state of a run.
func (s *Store) Get(runID string) (*State, error) {
	var st State
	if err := ReadJSON(s.statePath(runID), &st); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("run %s not found", runID)
		}
		return nil, err
	}
	return &st, nil
}

// Update performs an atomic read-modify-write of a run's state.
func (s *Store) Update(runID string, fn func(*State)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.Get(runID)
	if err != nil {
		return err
	}
	fn(st)
	st.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
	return WriteJSON(s.statePath(runID), st, WithPerm(StatePerm), Durable())
}

// List returns all runs, oldest first, optionally filtered by status.
// Pass "" for statusFilter to return every run.
func (s *Store) List(statusFilter string) ([]State, error) {
	entries, err := os.ReadDir(s.runsDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read dir %s: %w", s.runsDir(), err)
	}

	var runs []State
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		st, err := s.Get(entry.Name())
		if err != nil {
			continue // skip broken entries
		}
		if statusFilter == "" || st.Status == statusFilter {
			runs = append(runs, *st)
		}
	}

	sort.SliceStable(runs, func(i, j int) bool {
		return runs[i].StartedAt < runs[j].StartedAt
	})
	return runs, nil
}

// Latest returns the most recently started run.
func (s *Store) Latest() (*State, error) {
	runs, err := s.List("")
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, fmt.Errorf("no runs in %s", s.runsDir())
	}
	return &runs[len(runs)-1], nil
}

// Delete removes all data for a run.
func (s *Store) Delete(runID string) error {
	dir := s.RunDir(runID)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return fmt.Errorf("run %s not found", runID)
	}
	return os.RemoveAll(dir)
}
