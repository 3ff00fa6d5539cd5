package db

import (
	"database/sql"
	"fmt"
	"time"
)

// Run represents a row in the runs table.
type Run struct {
	RunID       string
	StartedAt   string
	CompletedAt string
	TotalCycles int
	FinalStatus string
}

// PipelineEvent represents a row in the pipeline_events table.
type PipelineEvent struct {
	ID        int
	RunID     string
	Cycle     int
	Event     string
	Phase     string
	Detail    string
	Timestamp string
}

// BugEvent represents a row in the bug_events table: one status change.
type BugEvent struct {
	ID         int
	RunID      string
	Cycle      int
	BugID      string
	Component  string
	Category   string
	Severity   string
	FromStatus string
	ToStatus   string
	Attempt    int
	Detail     string
	Timestamp  string
}

// VisionCall represents a row in the vision_calls table.
type VisionCall struct {
	ID         int
	RunID      string
	Cycle      int
	CaptureID  string
	Backend    string
	Model      string
	Attempts   int
	DurationMs int64
	Bugs       int
	Fallback   bool
	Error      string
	Timestamp  string
}

// VisionStats aggregates the vision calls of a run.
type VisionStats struct {
	Calls     int
	Failures  int
	Fallbacks int
	Retries   int
	AvgMs     float64
}

// StartRun records the start of a pipeline run.
func (d *DB) StartRun(runID string, startedAt time.Time) error {
	_, err := d.exec(
		`INSERT INTO runs (run_id, started_at) VALUES (?, ?)`,
		runID, startedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("start run: %w", err)
	}
	return nil
}

// FinishRun records the outcome of a pipeline run.
func (d *DB) FinishRun(runID string, completedAt time.Time, cycles int, status string) error {
	res, err := d.exec(
		`UPDATE runs SET completed_at = ?, total_cycles = ?, final_status = ? WHERE run_id = ?`,
		completedAt.UTC().Format(time.RFC3339), cycles, status, runID,
	)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("run %s not found", runID)
	}
	return nil
}

// ListRuns returns the most recent runs first. limit <= 0 returns all.
func (d *DB) ListRuns(limit int) ([]Run, error) {
	q := `SELECT run_id, started_at, completed_at, total_cycles, final_status FROM runs ORDER BY started_at DESC, run_id DESC`
	var args []any
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := d.query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		var completed, status sql.NullString
		if err := rows.Scan(&r.RunID, &r.StartedAt, &completed, &r.TotalCycles, &status); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		r.CompletedAt = completed.String
		r.FinalStatus = status.String
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// LatestRunID returns the most recently started run, or "" when none exist.
func (d *DB) LatestRunID() (string, error) {
	runs, err := d.ListRuns(1)
	if err != nil {
		return "", err
	}
	if len(runs) == 0 {
		return "", nil
	}
	return runs[0].RunID, nil
}

// LogPipelineEvent inserts a pipeline event.
func (d *DB) LogPipelineEvent(runID string, cycle int, event string, phase string, detail string) error {
	_, err := d.exec(
		`INSERT INTO pipeline_events (run_id, cycle, event, phase, detail, timestamp) VALUES (?, ?, ?, ?, ?, ?)`,
		runID, cycle, event, phase, detail, d.timestamp(),
	)
	if err != nil {
		return fmt.Errorf("log pipeline event: %w", err)
	}
	return nil
}

// GetPipelineHistory returns all pipeline events for a run, most recent first.
func (d *DB) GetPipelineHistory(runID string) ([]PipelineEvent, error) {
	rows, err := d.query(
		`SELECT id, run_id, cycle, event, phase, detail, timestamp
		 FROM pipeline_events WHERE run_id = ? ORDER BY timestamp DESC, id DESC`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("get pipeline history: %w", err)
	}
	defer rows.Close()

	var events []PipelineEvent
	for rows.Next() {
		var e PipelineEvent
		var phase, detail sql.NullString
		if err := rows.Scan(&e.ID, &e.RunID, &e.Cycle, &e.Event, &phase, &detail, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan pipeline event: %w", err)
		}
		if phase.Valid {
			e.Phase = phase.String
		}
		if detail.Valid {
			e.Detail = detail.String
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// LogBugEvent inserts a bug status change.
func (d *DB) LogBugEvent(e BugEvent) error {
	_, err := d.exec(
		`INSERT INTO bug_events (run_id, cycle, bug_id, component, category, severity, from_status, to_status, attempt, detail, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.RunID, e.Cycle, e.BugID, e.Component, e.Category, e.Severity, e.FromStatus, e.ToStatus, e.Attempt, e.Detail, d.timestamp(),
	)
	if err != nil {
		return fmt.Errorf("log bug event: %w", err)
	}
	return nil
}

// GetBugHistory returns status changes for a run in the order they happened.
// An empty bugID returns every bug's events.
func (d *DB) GetBugHistory(runID, bugID string) ([]BugEvent, error) {
	q := `SELECT id, run_id, cycle, bug_id, component, category, severity, from_status, to_status, attempt, detail, timestamp
		 FROM bug_events WHERE run_id = ?`
	args := []any{runID}
	if bugID != "" {
		q += ` AND bug_id = ?`
		args = append(args, bugID)
	}
	q += ` ORDER BY id ASC`

	rows, err := d.query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("get bug history: %w", err)
	}
	defer rows.Close()

	var events []BugEvent
	for rows.Next() {
		var e BugEvent
		var component, category, severity, from, detail sql.NullString
		if err := rows.Scan(&e.ID, &e.RunID, &e.Cycle, &e.BugID, &component, &category, &severity, &from, &e.ToStatus, &e.Attempt, &detail, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan bug event: %w", err)
		}
		e.Component = component.String
		e.Category = category.String
		e.Severity = severity.String
		e.FromStatus = from.String
		e.Detail = detail.String
		events = append(events, e)
	}
	return events, rows.Err()
}

// LogVisionCall inserts one vision model call.
func (d *DB) LogVisionCall(c VisionCall) error {
	_, err := d.exec(
		`INSERT INTO vision_calls (run_id, cycle, capture_id, backend, model, attempts, duration_ms, bugs, fallback, error, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.RunID, c.Cycle, c.CaptureID, c.Backend, c.Model, c.Attempts, c.DurationMs, c.Bugs, c.Fallback, c.Error, d.timestamp(),
	)
	if err != nil {
		return fmt.Errorf("log vision call: %w", err)
	}
	return nil
}

// GetVisionCalls returns a run's vision calls in the order they happened.
func (d *DB) GetVisionCalls(runID string) ([]VisionCall, error) {
	rows, err := d.query(
		`SELECT id, run_id, cycle, capture_id, backend, model, attempts, duration_ms, bugs, fallback, error, timestamp
		 FROM vision_calls WHERE run_id = ? ORDER BY id ASC`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("get vision calls: %w", err)
	}
	defer rows.Close()

	var calls []VisionCall
	for rows.Next() {
		var c VisionCall
		var model, errText sql.NullString
		if err := rows.Scan(&c.ID, &c.RunID, &c.Cycle, &c.CaptureID, &c.Backend, &model, &c.Attempts, &c.DurationMs, &c.Bugs, &c.Fallback, &errText, &c.Timestamp); err != nil {
			return nil, fmt.Errorf("scan vision call: %w", err)
		}
		c.Model = model.String
		c.Error = errText.String
		calls = append(calls, c)
	}
	return calls, rows.Err()
}

// GetVisionStats aggregates a run's vision calls.
func (d *DB) GetVisionStats(runID string) (*VisionStats, error) {
	calls, err := d.GetVisionCalls(runID)
	if err != nil {
		return nil, err
	}
	var s VisionStats
	var total int64
	for _, c := range calls {
		s.Calls++
		total += c.DurationMs
		if c.Error != "" {
			s.Failures++
		}
		if c.Fallback {
			s.Fallbacks++
		}
		if c.Attempts > 1 {
			s.Retries += c.Attempts - 1
		}
	}
	if s.Calls > 0 {
		s.AvgMs = float64(total) / float64(s.Calls)
	}
	return &s, nil
}
