package analytics

import (
	"database/sql"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/lucasnoah/healfactory/internal/db"
)

func testDB(t *testing.T) *db.DB {
	t.Helper()
	d, err := db.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := d.Migrate(); err != nil {
		t.Fatalf("migrate test db: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

func exec(t *testing.T, conn *sql.DB, query string, args ...interface{}) {
	t.Helper()
	if _, err := conn.Exec(query, args...); err != nil {
		t.Fatalf("exec %q: %v", query, err)
	}
}

func phaseEvent(t *testing.T, c *sql.DB, runID, event, phase, ts string) {
	t.Helper()
	exec(t, c, `INSERT INTO pipeline_events (run_id, cycle, event, phase, timestamp) VALUES (?, 1, ?, ?, ?)`,
		runID, event, phase, ts)
}

func bugEvent(t *testing.T, c *sql.DB, runID, bugID, category, from, to string, attempt int) {
	t.Helper()
	exec(t, c, `INSERT INTO bug_events (run_id, cycle, bug_id, category, from_status, to_status, attempt, timestamp)
		VALUES (?, 1, ?, ?, ?, ?, ?, '2026-06-01T10:00:00Z')`,
		runID, bugID, category, from, to, attempt)
}

// --- QueryPhaseDurations ---

func TestQueryPhaseDurations(t *testing.T) {
	d := testDB(t)
	c := d.Conn()

	// r1: collect 30s, analyze 120s, report 30s
	phaseEvent(t, c, "r1", "phase_started", "collect", "2026-06-01T10:00:00Z")
	phaseEvent(t, c, "r1", "phase_started", "analyze", "2026-06-01T10:00:30Z")
	phaseEvent(t, c, "r1", "fix_timeout", "analyze", "2026-06-01T10:01:00Z")
	phaseEvent(t, c, "r1", "phase_started", "report", "2026-06-01T10:02:30Z")
	phaseEvent(t, c, "r1", "completed", "complete", "2026-06-01T10:03:00Z")

	// r2: collect 90s, then the run fails
	phaseEvent(t, c, "r2", "phase_started", "collect", "2026-06-02T11:00:00Z")
	phaseEvent(t, c, "r2", "failed", "complete", "2026-06-02T11:01:30Z")

	results, err := QueryPhaseDurations(d, "")
	if err != nil {
		t.Fatalf("QueryPhaseDurations: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("expected 3 phases, got %d: %+v", len(results), results)
	}

	byPhase := make(map[string]PhaseDuration)
	for _, r := range results {
		byPhase[r.Phase] = r
	}
	if got := byPhase["collect"]; got.Count != 2 || got.Avg != 60 {
		t.Errorf("collect = %+v, want count 2 avg 60", got)
	}
	if got := byPhase["analyze"]; got.Count != 1 || got.Avg != 120 {
		t.Errorf("analyze = %+v, want count 1 avg 120 (fix_timeout must not end the phase)", got)
	}
	if got := byPhase["report"]; got.Avg != 30 {
		t.Errorf("report avg = %f, want 30", got.Avg)
	}
	if results[0].Phase != "analyze" {
		t.Errorf("results not sorted by phase: %+v", results)
	}
}

func TestQueryPhaseDurations_Since(t *testing.T) {
	d := testDB(t)
	c := d.Conn()

	phaseEvent(t, c, "old", "phase_started", "collect", "2026-05-01T10:00:00Z")
	phaseEvent(t, c, "old", "completed", "complete", "2026-05-01T10:10:00Z")
	phaseEvent(t, c, "new", "phase_started", "collect", "2026-06-01T10:00:00Z")
	phaseEvent(t, c, "new", "completed", "complete", "2026-06-01T10:00:10Z")

	results, err := QueryPhaseDurations(d, "2026-05-15T00:00:00Z")
	if err != nil {
		t.Fatalf("QueryPhaseDurations: %v", err)
	}
	if len(results) != 1 || results[0].Count != 1 || results[0].Avg != 10 {
		t.Errorf("results = %+v, want only the new run", results)
	}
}

func TestQueryPhaseDurations_Empty(t *testing.T) {
	d := testDB(t)
	results, err := QueryPhaseDurations(d, "")
	if err != nil {
		t.Fatalf("QueryPhaseDurations: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("expected no results, got %d", len(results))
	}
}

// --- QueryBugOutcomes ---

func TestQueryBugOutcomes(t *testing.T) {
	d := testDB(t)
	c := d.Conn()

	// fixed on the first attempt
	bugEvent(t, c, "r1", "BUG-A", "layout", "", "open", 0)
	bugEvent(t, c, "r1", "BUG-A", "layout", "open", "fixing", 1)
	bugEvent(t, c, "r1", "BUG-A", "layout", "fixing", "fixed", 1)

	// fixed on the second attempt
	bugEvent(t, c, "r1", "BUG-B", "layout", "", "open", 0)
	bugEvent(t, c, "r1", "BUG-B", "layout", "open", "fixing", 1)
	bugEvent(t, c, "r1", "BUG-B", "layout", "fixing", "open", 1)
	bugEvent(t, c, "r1", "BUG-B", "layout", "open", "fixing", 2)
	bugEvent(t, c, "r1", "BUG-B", "layout", "fixing", "fixed", 2)

	// same ID in another run is a different bug
	bugEvent(t, c, "r2", "BUG-A", "layout", "", "open", 0)

	bugEvent(t, c, "r1", "BUG-C", "data", "", "open", 0)
	bugEvent(t, c, "r1", "BUG-C", "data", "open", "unresolved", 3)
	bugEvent(t, c, "r1", "BUG-D", "data", "", "open", 0)

	results, err := QueryBugOutcomes(d, "")
	if err != nil {
		t.Fatalf("QueryBugOutcomes: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 categories, got %d", len(results))
	}

	data, layout := results[0], results[1]
	if data.Category != "data" || layout.Category != "layout" {
		t.Fatalf("unexpected order: %+v", results)
	}

	if layout.Total != 3 {
		t.Errorf("layout total = %d, want 3", layout.Total)
	}
	if layout.Fixed != 66.7 {
		t.Errorf("layout fixed = %f, want 66.7", layout.Fixed)
	}
	if layout.StillOpen != 33.3 {
		t.Errorf("layout still open = %f, want 33.3", layout.StillOpen)
	}
	if layout.FirstAttempt != 50 {
		t.Errorf("layout first attempt = %f, want 50", layout.FirstAttempt)
	}
	if layout.AvgAttempts != 1.5 {
		t.Errorf("layout avg attempts = %f, want 1.5", layout.AvgAttempts)
	}

	if data.Unresolved != 50 || data.StillOpen != 50 || data.Fixed != 0 {
		t.Errorf("data = %+v, want 50%% unresolved and 50%% open", data)
	}
	if data.AvgAttempts != 0 {
		t.Errorf("data avg attempts = %f, want 0 with nothing fixed", data.AvgAttempts)
	}
}

// --- QueryVisionReliability ---

func TestQueryVisionReliability(t *testing.T) {
	d := testDB(t)

	calls := []db.VisionCall{
		{RunID: "r1", CaptureID: "home", Backend: "ollama", Model: "llava", Attempts: 1, DurationMs: 100, Bugs: 2},
		{RunID: "r1", CaptureID: "search", Backend: "ollama", Model: "llava", Attempts: 3, DurationMs: 300, Error: "timeout"},
		{RunID: "r1", CaptureID: "stats", Backend: "ollama", Model: "llava", Attempts: 1, DurationMs: 200, Fallback: true},
		{RunID: "r2", CaptureID: "home", Backend: "gemini", Model: "flash", Attempts: 1, DurationMs: 50, Bugs: 1},
	}
	for _, vc := range calls {
		if err := d.LogVisionCall(vc); err != nil {
			t.Fatalf("LogVisionCall: %v", err)
		}
	}

	results, err := QueryVisionReliability(d, "")
	if err != nil {
		t.Fatalf("QueryVisionReliability: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 backends, got %d", len(results))
	}
	if results[0].Backend != "gemini" || results[0].Calls != 1 || results[0].AvgMs != 50 {
		t.Errorf("gemini = %+v", results[0])
	}

	o := results[1]
	if o.Backend != "ollama" || o.Model != "llava" || o.Calls != 3 {
		t.Fatalf("ollama = %+v", o)
	}
	if o.Failed != 33.3 || o.Fallback != 33.3 || o.Retried != 33.3 {
		t.Errorf("rates = failed %f fallback %f retried %f, want 33.3 each", o.Failed, o.Fallback, o.Retried)
	}
	if o.AvgMs != 200 {
		t.Errorf("avg ms = %f, want 200", o.AvgMs)
	}
	if o.P95Ms != 290 {
		t.Errorf("p95 ms = %f, want 290", o.P95Ms)
	}
	if o.BugsFound != 2 {
		t.Errorf("bugs found = %d, want 2", o.BugsFound)
	}
}

// --- QueryRunThroughput ---

func TestQueryRunThroughput(t *testing.T) {
	d := testDB(t)

	week1 := time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC) // Monday
	week2 := week1.AddDate(0, 0, 7)

	runs := []struct {
		id      string
		start   time.Time
		elapsed time.Duration
		cycles  int
		status  string
	}{
		{"r1", week1, 30 * time.Minute, 2, "clean"},
		{"r2", week1.AddDate(0, 0, 1), 60 * time.Minute, 3, "partial"},
		{"r3", week1.AddDate(0, 0, 2), 0, 0, ""},
		{"r4", week2, 10 * time.Minute, 1, "blocked"},
	}
	for _, r := range runs {
		if err := d.StartRun(r.id, r.start); err != nil {
			t.Fatalf("StartRun: %v", err)
		}
		if r.status == "" {
			continue
		}
		if err := d.FinishRun(r.id, r.start.Add(r.elapsed), r.cycles, r.status); err != nil {
			t.Fatalf("FinishRun: %v", err)
		}
	}

	results, err := QueryRunThroughput(d, "")
	if err != nil {
		t.Fatalf("QueryRunThroughput: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 weeks, got %d: %+v", len(results), results)
	}

	y, w := week2.ISOWeek()
	if want := fmt.Sprintf("%d-W%02d", y, w); results[0].Period != want {
		t.Errorf("newest period = %q, want %q", results[0].Period, want)
	}
	if results[0].Blocked != 1 || results[0].AvgDuration != 10 {
		t.Errorf("week2 = %+v", results[0])
	}

	first := results[1]
	if first.Started != 3 || first.Clean != 1 || first.Partial != 1 {
		t.Errorf("week1 counts = %+v", first)
	}
	if first.AvgCycles != 2.5 {
		t.Errorf("week1 avg cycles = %f, want 2.5 (unfinished runs excluded)", first.AvgCycles)
	}
	if first.AvgDuration != 45 {
		t.Errorf("week1 avg duration = %f, want 45", first.AvgDuration)
	}
}

func TestQueryRunThroughput_Empty(t *testing.T) {
	d := testDB(t)
	results, err := QueryRunThroughput(d, "")
	if err != nil {
		t.Fatalf("QueryRunThroughput: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("expected no results, got %d", len(results))
	}
}

// --- QueryRunTimeline ---

func TestQueryRunTimeline(t *testing.T) {
	d := testDB(t)

	base := time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)
	step := 0
	d.SetClock(func() time.Time {
		step++
		return base.Add(time.Duration(step) * time.Second)
	})

	_ = d.LogPipelineEvent("r1", 1, "phase_started", "collect", "3 steps")
	_ = d.LogVisionCall(db.VisionCall{RunID: "r1", Cycle: 1, CaptureID: "home", Backend: "ollama", Attempts: 1, DurationMs: 120, Bugs: 1})
	_ = d.LogVisionCall(db.VisionCall{RunID: "r1", Cycle: 1, CaptureID: "stats", Backend: "ollama", Attempts: 3, Error: "connection refused"})
	_ = d.LogBugEvent(db.BugEvent{RunID: "r1", Cycle: 1, BugID: "BUG-DATA-001", ToStatus: "open"})
	_ = d.LogBugEvent(db.BugEvent{RunID: "r1", Cycle: 1, BugID: "BUG-DATA-001", FromStatus: "open", ToStatus: "fixing", Attempt: 1})
	_ = d.LogPipelineEvent("r2", 1, "phase_started", "collect", "")

	events, err := QueryRunTimeline(d, "r1")
	if err != nil {
		t.Fatalf("QueryRunTimeline: %v", err)
	}
	if len(events) != 5 {
		t.Fatalf("expected 5 events, got %d: %+v", len(events), events)
	}

	wantTypes := []string{"pipeline", "vision", "vision", "bug", "bug"}
	for i, want := range wantTypes {
		if events[i].Type != want {
			t.Errorf("events[%d].Type = %q, want %q", i, events[i].Type, want)
		}
	}
	if events[0].Phase != "collect" || events[0].Detail != "3 steps" {
		t.Errorf("pipeline event = %+v", events[0])
	}
	if events[1].Detail != "1 bug(s), 1 attempt(s), 120ms" {
		t.Errorf("vision detail = %q", events[1].Detail)
	}
	if !strings.HasPrefix(events[2].Detail, "error: connection refused") {
		t.Errorf("failed vision detail = %q", events[2].Detail)
	}
	if events[4].Detail != "open -> fixing (attempt 1)" {
		t.Errorf("bug detail = %q", events[4].Detail)
	}
}

func TestQueryRunTimeline_Empty(t *testing.T) {
	d := testDB(t)
	events, err := QueryRunTimeline(d, "nope")
	if err != nil {
		t.Fatalf("QueryRunTimeline: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("expected no events, got %d", len(events))
	}
}

// --- helpers ---

func TestParseTimestamp(t *testing.T) {
	for _, s := range []string{
		"2026-06-01T10:00:00Z",
		"2026-06-01T10:00:00.123456789Z",
		"2026-06-01 10:00:00",
		"2026-06-01T10:00:00",
	} {
		if _, err := parseTimestamp(s); err != nil {
			t.Errorf("parseTimestamp(%q): %v", s, err)
		}
	}
	if _, err := parseTimestamp("yesterday"); err == nil {
		t.Error("expected error for unrecognized format")
	}
}

func TestAvg(t *testing.T) {
	if v := avg([]float64{10, 20, 30}); v != 20.0 {
		t.Errorf("avg = %f, want 20.0", v)
	}
	if v := avg(nil); v != 0.0 {
		t.Errorf("avg(nil) = %f, want 0.0", v)
	}
}

func TestPercentile(t *testing.T) {
	values := []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	p50 := percentile(values, 50)
	if p50 < 5.0 || p50 > 6.0 {
		t.Errorf("p50 = %f, expected ~5.5", p50)
	}
	p95 := percentile(values, 95)
	if p95 < 9.0 || p95 > 10.0 {
		t.Errorf("p95 = %f, expected ~9.6", p95)
	}
	if v := percentile(nil, 50); v != 0.0 {
		t.Errorf("percentile(nil, 50) = %f, want 0.0", v)
	}
}

func TestPct(t *testing.T) {
	if v := pct(1, 4); v != 25.0 {
		t.Errorf("pct(1,4) = %f, want 25.0", v)
	}
	if v := pct(0, 0); v != 0.0 {
		t.Errorf("pct(0,0) = %f, want 0.0", v)
	}
}
