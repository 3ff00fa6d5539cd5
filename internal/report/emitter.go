// Package report writes cycle and final reports and manages the file-based
// hand-off signal shared with the external fixing agent.
package report

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lucasnoah/healfactory/internal/bugs"
	"github.com/lucasnoah/healfactory/internal/pipeline"
)

// Final run outcomes.
const (
	StatusClean   = "clean"
	StatusPartial = "partial"
	StatusBlocked = "blocked"
)

// CycleReport is the per-cycle JSON report.
type CycleReport struct {
	ReportID      string      `json:"report_id"`
	RunID         string      `json:"pipeline_run_id,omitempty"`
	GeneratedAt   time.Time   `json:"generated_at"`
	CycleNumber   int         `json:"cycle_number"`
	TotalCaptures int         `json:"total_captures"`
	Bugs          []*bugs.Bug `json:"bugs"`
	Summary       Summary     `json:"summary"`
}

// Summary counts a report's bugs.
type Summary struct {
	Total      int            `json:"total"`
	BySeverity map[string]int `json:"by_severity"`
	ByCategory map[string]int `json:"by_category"`
	ByStatus   map[string]int `json:"by_status"`
}

// FinalReport is written once when a run ends.
type FinalReport struct {
	RunID          string      `json:"pipeline_run_id"`
	StartedAt      time.Time   `json:"started_at"`
	CompletedAt    time.Time   `json:"completed_at"`
	TotalCycles    int         `json:"total_cycles"`
	FixedBugs      []*bugs.Bug `json:"fixed_bugs"`
	UnresolvedBugs []*bugs.Bug `json:"unresolved_bugs"`
	SkippedBugs    []*bugs.Bug `json:"skipped_bugs"`
	FinalStatus    string      `json:"final_status"`
}

// CurrentBugs is the snapshot the fixing agent reads.
type CurrentBugs struct {
	RunID      string      `json:"pipeline_run_id,omitempty"`
	Cycle      int         `json:"cycle_number"`
	UpdatedAt  time.Time   `json:"updated_at"`
	SignalFile string      `json:"signal_file,omitempty"`
	Bugs       []*bugs.Bug `json:"bugs"`
}

// Emitter writes reports for one run. current-bugs.json stays at the output
// root where the agent looks for it; cycle and final reports go in the run's
// directory so earlier runs are kept.
type Emitter struct {
	dir        string
	runID      string
	signalFile string
	logger     *zap.Logger
	now        func() time.Time
	newID      func() string
}

// EmitterOption configures an Emitter.
type EmitterOption func(*Emitter)

// WithRunID stamps reports with the pipeline run identifier.
func WithRunID(id string) EmitterOption {
	return func(e *Emitter) { e.runID = id }
}

// WithSignalFile advertises the hand-off flag path in current-bugs.json.
func WithSignalFile(path string) EmitterOption {
	return func(e *Emitter) { e.signalFile = path }
}

// WithEmitterLogger sets the logger.
func WithEmitterLogger(l *zap.Logger) EmitterOption {
	return func(e *Emitter) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithClock overrides the timestamp source (for testing).
func WithClock(now func() time.Time) EmitterOption {
	return func(e *Emitter) { e.now = now }
}

// NewEmitter creates an Emitter writing into dir.
func NewEmitter(dir string, opts ...EmitterOption) *Emitter {
	e := &Emitter{
		dir:    dir,
		logger: zap.NewNop(),
		now:    time.Now,
		newID:  func() string { return uuid.NewString() },
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// CurrentBugsPath is the always-current active defect snapshot.
func (e *Emitter) CurrentBugsPath() string {
	return filepath.Join(e.dir, "current-bugs.json")
}

// ReportDir is runs/<id> under the output root, shared with the run's state
// and captures. Without a run ID it is the output root itself.
func (e *Emitter) ReportDir() string {
	if e.runID == "" {
		return e.dir
	}
	return pipeline.NewStore(e.dir).RunDir(e.runID)
}

// CyclePath returns the JSON report path for a cycle.
func (e *Emitter) CyclePath(cycle int) string {
	return filepath.Join(e.ReportDir(), "reports", fmt.Sprintf("cycle-%03d.json", cycle))
}

// FinalPath returns the final JSON report path.
func (e *Emitter) FinalPath() string {
	return filepath.Join(e.ReportDir(), "final-report.json")
}

// Publish writes the cycle's JSON and Markdown reports and replaces the
// current-bugs snapshot.
func (e *Emitter) Publish(list []*bugs.Bug, cycle, totalCaptures int) (*CycleReport, error) {
	sorted := sortBugs(list)
	rep := &CycleReport{
		ReportID:      e.newID(),
		RunID:         e.runID,
		GeneratedAt:   e.now().UTC(),
		CycleNumber:   cycle,
		TotalCaptures: totalCaptures,
		Bugs:          sorted,
		Summary:       summarize(sorted),
	}

	jsonPath := e.CyclePath(cycle)
	if err := pipeline.WriteJSON(jsonPath, rep); err != nil {
		return nil, fmt.Errorf("write cycle report: %w", err)
	}
	mdPath := strings.TrimSuffix(jsonPath, ".json") + ".md"
	if err := pipeline.WriteFile(mdPath, []byte(cycleMarkdown(rep))); err != nil {
		return nil, fmt.Errorf("write cycle summary: %w", err)
	}

	snap := CurrentBugs{
		RunID:      e.runID,
		Cycle:      cycle,
		UpdatedAt:  rep.GeneratedAt,
		SignalFile: e.signalFile,
		Bugs:       sorted,
	}
	if err := pipeline.WriteJSON(e.CurrentBugsPath(), snap); err != nil {
		return nil, fmt.Errorf("write current bugs: %w", err)
	}

	e.logger.Info("cycle report written",
		zap.Int("cycle", cycle),
		zap.Int("bugs", len(sorted)),
		zap.String("path", jsonPath))
	return rep, nil
}

// WriteFinal writes the final JSON and Markdown reports.
func (e *Emitter) WriteFinal(rep FinalReport) error {
	rep.FixedBugs = nonNil(rep.FixedBugs)
	rep.UnresolvedBugs = nonNil(rep.UnresolvedBugs)
	rep.SkippedBugs = nonNil(rep.SkippedBugs)

	if err := pipeline.WriteJSON(e.FinalPath(), rep); err != nil {
		return fmt.Errorf("write final report: %w", err)
	}
	mdPath := strings.TrimSuffix(e.FinalPath(), ".json") + ".md"
	if err := pipeline.WriteFile(mdPath, []byte(finalMarkdown(rep))); err != nil {
		return fmt.Errorf("write final summary: %w", err)
	}
	e.logger.Info("final report written",
		zap.String("status", rep.FinalStatus),
		zap.Int("fixed", len(rep.FixedBugs)),
		zap.Int("unresolved", len(rep.UnresolvedBugs)),
		zap.Int("skipped", len(rep.SkippedBugs)))
	return nil
}

// LoadCycle reads a previously written cycle report.
func (e *Emitter) LoadCycle(cycle int) (*CycleReport, error) {
	var rep CycleReport
	if err := pipeline.ReadJSON(e.CyclePath(cycle), &rep); err != nil {
		return nil, err
	}
	return &rep, nil
}

// LoadFinal reads the final report.
func (e *Emitter) LoadFinal() (*FinalReport, error) {
	var rep FinalReport
	if err := pipeline.ReadJSON(e.FinalPath(), &rep); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("no final report in %s", e.ReportDir())
		}
		return nil, err
	}
	return &rep, nil
}

// Classify derives the final status from the run's outcome lists.
func Classify(active, fixed, unresolved []*bugs.Bug) string {
	switch {
	case len(active) == 0 && len(unresolved) == 0:
		return StatusClean
	case len(fixed) > 0:
		return StatusPartial
	default:
		return StatusBlocked
	}
}

var severityRank = map[bugs.Severity]int{
	bugs.SeverityCritical: 0,
	bugs.SeverityHigh:     1,
	bugs.SeverityMedium:   2,
	bugs.SeverityLow:      3,
}

// sortBugs orders by severity, keeping discovery order within a severity.
func sortBugs(list []*bugs.Bug) []*bugs.Bug {
	out := nonNil(append([]*bugs.Bug(nil), list...))
	sort.SliceStable(out, func(i, j int) bool {
		return severityRank[out[i].Severity] < severityRank[out[j].Severity]
	})
	return out
}

func summarize(list []*bugs.Bug) Summary {
	s := Summary{
		Total:      len(list),
		BySeverity: map[string]int{},
		ByCategory: map[string]int{},
		ByStatus:   map[string]int{},
	}
	for _, b := range list {
		s.BySeverity[string(b.Severity)]++
		s.ByCategory[string(b.Category)]++
		s.ByStatus[string(b.Status)]++
	}
	return s
}

func nonNil(list []*bugs.Bug) []*bugs.Bug {
	if list == nil {
		return []*bugs.Bug{}
	}
	return list
}
