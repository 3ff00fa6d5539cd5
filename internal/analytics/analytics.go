package analytics

import (
	"database/sql"
	"fmt"
	"math"
	"sort"
	"time"
)

// DB is the interface for database queries used by analytics.
type DB interface {
	Conn() *sql.DB
	Rebind(query string) string
}

func query(database DB, q string, args ...interface{}) (*sql.Rows, error) {
	return database.Conn().Query(database.Rebind(q), args...)
}

// sinceClause appends a timestamp lower bound when since is set.
func sinceClause(q, column, since string, args []interface{}) (string, []interface{}) {
	if since == "" {
		return q, args
	}
	return q + ` AND ` + column + ` >= ?`, append(args, since)
}

// timestamp formats to try when parsing timestamps from the database
var timestampFormats = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.000",
}

func parseTimestamp(s string) (time.Time, error) {
	for _, f := range timestampFormats {
		if t, err := time.Parse(f, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp format: %q", s)
}

// PhaseDuration holds duration stats for a pipeline phase.
type PhaseDuration struct {
	Phase string  `json:"phase"`
	Count int     `json:"count"`
	Avg   float64 `json:"avg_seconds"`
	P50   float64 `json:"p50_seconds"`
	P95   float64 `json:"p95_seconds"`
}

// QueryPhaseDurations returns average and percentile durations per phase.
// A phase lasts from its phase_started event to the next phase_started,
// completed or failed event of the same run. Other events in between do not
// end it.
func QueryPhaseDurations(database DB, since string) ([]PhaseDuration, error) {
	q, args := sinceClause(`
		SELECT run_id, event, phase, timestamp
		FROM pipeline_events
		WHERE event IN ('phase_started', 'completed', 'failed')`, "timestamp", since, nil)
	q += ` ORDER BY run_id, id`

	rows, err := query(database, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query phase durations: %w", err)
	}
	defer rows.Close()

	type open struct {
		phase string
		start time.Time
	}
	current := make(map[string]*open)
	phaseDurations := make(map[string][]float64)

	for rows.Next() {
		var runID, event, ts string
		var phase sql.NullString
		if err := rows.Scan(&runID, &event, &phase, &ts); err != nil {
			return nil, fmt.Errorf("scan phase event: %w", err)
		}
		at, err := parseTimestamp(ts)
		if err != nil {
			continue
		}
		if prev := current[runID]; prev != nil {
			if secs := at.Sub(prev.start).Seconds(); secs > 0 {
				phaseDurations[prev.phase] = append(phaseDurations[prev.phase], secs)
			}
			delete(current, runID)
		}
		if event == "phase_started" && phase.String != "" {
			current[runID] = &open{phase: phase.String, start: at}
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var results []PhaseDuration
	for phase, durations := range phaseDurations {
		sort.Float64s(durations)
		results = append(results, PhaseDuration{
			Phase: phase,
			Count: len(durations),
			Avg:   avg(durations),
			P50:   percentile(durations, 50),
			P95:   percentile(durations, 95),
		})
	}
	sort.Slice(results, func(i, j int) bool {
		return results[i].Phase < results[j].Phase
	})
	return results, nil
}

// BugOutcome holds how the bugs of one category ended.
type BugOutcome struct {
	Category     string  `json:"category"`
	Total        int     `json:"total"`
	Fixed        float64 `json:"fixed_pct"`
	Unresolved   float64 `json:"unresolved_pct"`
	StillOpen    float64 `json:"still_open_pct"`
	FirstAttempt float64 `json:"fixed_first_attempt_pct"`
	AvgAttempts  float64 `json:"avg_attempts_to_fix"`
}

// QueryBugOutcomes returns per-category outcomes over every bug seen. A bug's
// outcome is the last status recorded for it within its run.
func QueryBugOutcomes(database DB, since string) ([]BugOutcome, error) {
	q, args := sinceClause(`
		SELECT run_id, bug_id, category, to_status, attempt
		FROM bug_events
		WHERE 1 = 1`, "timestamp", since, nil)
	q += ` ORDER BY id`

	rows, err := query(database, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query bug outcomes: %w", err)
	}
	defer rows.Close()

	type last struct {
		category string
		status   string
		attempt  int
	}
	latest := make(map[string]*last)
	var order []string
	for rows.Next() {
		var runID, bugID, status string
		var category sql.NullString
		var attempt int
		if err := rows.Scan(&runID, &bugID, &category, &status, &attempt); err != nil {
			return nil, fmt.Errorf("scan bug event: %w", err)
		}
		key := runID + "/" + bugID
		if _, ok := latest[key]; !ok {
			order = append(order, key)
		}
		latest[key] = &last{category: category.String, status: status, attempt: attempt}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	type counts struct {
		total, fixed, unresolved, open, firstAttempt, fixAttempts int
	}
	byCategory := make(map[string]*counts)
	for _, key := range order {
		b := latest[key]
		c := byCategory[b.category]
		if c == nil {
			c = &counts{}
			byCategory[b.category] = c
		}
		c.total++
		switch b.status {
		case "fixed":
			c.fixed++
			c.fixAttempts += b.attempt
			if b.attempt <= 1 {
				c.firstAttempt++
			}
		case "unresolved":
			c.unresolved++
		default:
			c.open++
		}
	}

	var results []BugOutcome
	for category, c := range byCategory {
		o := BugOutcome{
			Category:     category,
			Total:        c.total,
			Fixed:        pct(c.fixed, c.total),
			Unresolved:   pct(c.unresolved, c.total),
			StillOpen:    pct(c.open, c.total),
			FirstAttempt: pct(c.firstAttempt, max(c.fixed, 1)),
		}
		if c.fixed > 0 {
			o.AvgAttempts = math.Round(float64(c.fixAttempts)/float64(c.fixed)*10) / 10
		}
		results = append(results, o)
	}
	sort.Slice(results, func(i, j int) bool {
		return results[i].Category < results[j].Category
	})
	return results, nil
}

// VisionReliability holds call statistics for one backend and model.
type VisionReliability struct {
	Backend   string  `json:"backend"`
	Model     string  `json:"model"`
	Calls     int     `json:"calls"`
	Failed    float64 `json:"failed_pct"`
	Fallback  float64 `json:"fallback_pct"`
	Retried   float64 `json:"retried_pct"`
	AvgMs     float64 `json:"avg_ms"`
	P95Ms     float64 `json:"p95_ms"`
	BugsFound int     `json:"bugs_found"`
}

// QueryVisionReliability returns failure, fallback and latency stats per
// backend and model.
func QueryVisionReliability(database DB, since string) ([]VisionReliability, error) {
	q, args := sinceClause(`
		SELECT backend, model, attempts, duration_ms, bugs, fallback, error
		FROM vision_calls
		WHERE 1 = 1`, "timestamp", since, nil)

	rows, err := query(database, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query vision reliability: %w", err)
	}
	defer rows.Close()

	type acc struct {
		calls, failed, fallback, retried, bugs int
		durations                              []float64
	}
	type key struct{ backend, model string }
	stats := make(map[key]*acc)
	for rows.Next() {
		var backend string
		var model, errText sql.NullString
		var attempts, bugs int
		var durationMs int64
		var fallback bool
		if err := rows.Scan(&backend, &model, &attempts, &durationMs, &bugs, &fallback, &errText); err != nil {
			return nil, fmt.Errorf("scan vision call: %w", err)
		}
		k := key{backend, model.String}
		a := stats[k]
		if a == nil {
			a = &acc{}
			stats[k] = a
		}
		a.calls++
		a.bugs += bugs
		a.durations = append(a.durations, float64(durationMs))
		if errText.String != "" {
			a.failed++
		}
		if fallback {
			a.fallback++
		}
		if attempts > 1 {
			a.retried++
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var results []VisionReliability
	for k, a := range stats {
		sort.Float64s(a.durations)
		results = append(results, VisionReliability{
			Backend:   k.backend,
			Model:     k.model,
			Calls:     a.calls,
			Failed:    pct(a.failed, a.calls),
			Fallback:  pct(a.fallback, a.calls),
			Retried:   pct(a.retried, a.calls),
			AvgMs:     avg(a.durations),
			P95Ms:     percentile(a.durations, 95),
			BugsFound: a.bugs,
		})
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Backend != results[j].Backend {
			return results[i].Backend < results[j].Backend
		}
		return results[i].Model < results[j].Model
	})
	return results, nil
}

// RunThroughput holds run outcomes for one ISO week.
type RunThroughput struct {
	Period      string  `json:"period"`
	Started     int     `json:"started"`
	Clean       int     `json:"clean"`
	Partial     int     `json:"partial"`
	Blocked     int     `json:"blocked"`
	AvgCycles   float64 `json:"avg_cycles"`
	AvgDuration float64 `json:"avg_duration_minutes"`
}

// QueryRunThroughput returns run outcomes grouped by week, newest first,
// at most ten weeks.
func QueryRunThroughput(database DB, since string) ([]RunThroughput, error) {
	q, args := sinceClause(`
		SELECT started_at, completed_at, total_cycles, final_status
		FROM runs
		WHERE 1 = 1`, "started_at", since, nil)

	rows, err := query(database, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query run throughput: %w", err)
	}
	defer rows.Close()

	type acc struct {
		RunThroughput
		finished  int
		cycles    int
		durations []float64
	}
	periods := make(map[string]*acc)
	for rows.Next() {
		var startedAt string
		var completedAt, status sql.NullString
		var cycles int
		if err := rows.Scan(&startedAt, &completedAt, &cycles, &status); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		start, err := parseTimestamp(startedAt)
		if err != nil {
			continue
		}
		year, week := start.ISOWeek()
		period := fmt.Sprintf("%d-W%02d", year, week)
		a := periods[period]
		if a == nil {
			a = &acc{RunThroughput: RunThroughput{Period: period}}
			periods[period] = a
		}
		a.Started++
		switch status.String {
		case "clean":
			a.Clean++
		case "partial":
			a.Partial++
		case "blocked":
			a.Blocked++
		}
		if !completedAt.Valid {
			continue
		}
		a.finished++
		a.cycles += cycles
		if end, err := parseTimestamp(completedAt.String); err == nil {
			a.durations = append(a.durations, end.Sub(start).Minutes())
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var results []RunThroughput
	for _, a := range periods {
		rt := a.RunThroughput
		if a.finished > 0 {
			rt.AvgCycles = math.Round(float64(a.cycles)/float64(a.finished)*10) / 10
		}
		rt.AvgDuration = avg(a.durations)
		results = append(results, rt)
	}
	sort.Slice(results, func(i, j int) bool {
		return results[i].Period > results[j].Period
	})
	if len(results) > 10 {
		results = results[:10]
	}
	return results, nil
}

// RunEvent holds a single event for the run-detail timeline.
type RunEvent struct {
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`
	Cycle     int    `json:"cycle"`
	Event     string `json:"event"`
	Phase     string `json:"phase,omitempty"`
	Detail    string `json:"detail,omitempty"`
}

// QueryRunTimeline returns pipeline, bug and vision events of one run in
// the order they happened.
func QueryRunTimeline(database DB, runID string) ([]RunEvent, error) {
	var results []RunEvent

	peRows, err := query(database,
		`SELECT timestamp, cycle, event, phase, detail
		 FROM pipeline_events WHERE run_id = ? ORDER BY timestamp, id`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("query pipeline events: %w", err)
	}
	defer peRows.Close()

	for peRows.Next() {
		var e RunEvent
		var phase, detail sql.NullString
		if err := peRows.Scan(&e.Timestamp, &e.Cycle, &e.Event, &phase, &detail); err != nil {
			return nil, fmt.Errorf("scan pipeline event: %w", err)
		}
		e.Type = "pipeline"
		e.Phase = phase.String
		e.Detail = detail.String
		results = append(results, e)
	}
	if err := peRows.Err(); err != nil {
		return nil, err
	}

	beRows, err := query(database,
		`SELECT timestamp, cycle, bug_id, from_status, to_status, attempt, detail
		 FROM bug_events WHERE run_id = ? ORDER BY timestamp, id`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("query bug events: %w", err)
	}
	defer beRows.Close()

	for beRows.Next() {
		var ts, bugID, to string
		var cycle, attempt int
		var from, detail sql.NullString
		if err := beRows.Scan(&ts, &cycle, &bugID, &from, &to, &attempt, &detail); err != nil {
			return nil, fmt.Errorf("scan bug event: %w", err)
		}
		transition := to
		if from.String != "" {
			transition = from.String + " -> " + to
		}
		d := fmt.Sprintf("%s (attempt %d)", transition, attempt)
		if detail.String != "" {
			d += ": " + detail.String
		}
		results = append(results, RunEvent{
			Timestamp: ts,
			Type:      "bug",
			Cycle:     cycle,
			Event:     bugID,
			Detail:    d,
		})
	}
	if err := beRows.Err(); err != nil {
		return nil, err
	}

	vcRows, err := query(database,
		`SELECT timestamp, cycle, capture_id, attempts, duration_ms, bugs, fallback, error
		 FROM vision_calls WHERE run_id = ? ORDER BY timestamp, id`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("query vision calls: %w", err)
	}
	defer vcRows.Close()

	for vcRows.Next() {
		var ts, captureID string
		var cycle, attempts, bugs int
		var durationMs int64
		var fallback bool
		var errText sql.NullString
		if err := vcRows.Scan(&ts, &cycle, &captureID, &attempts, &durationMs, &bugs, &fallback, &errText); err != nil {
			return nil, fmt.Errorf("scan vision call: %w", err)
		}
		d := fmt.Sprintf("%d bug(s), %d attempt(s), %dms", bugs, attempts, durationMs)
		if fallback {
			d += ", unparseable response"
		}
		if errText.String != "" {
			d = "error: " + errText.String
		}
		results = append(results, RunEvent{
			Timestamp: ts,
			Type:      "vision",
			Cycle:     cycle,
			Event:     captureID,
			Detail:    d,
		})
	}
	if err := vcRows.Err(); err != nil {
		return nil, err
	}

	// Sort all events by timestamp
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Timestamp < results[j].Timestamp
	})

	return results, nil
}

// --- helpers ---

func avg(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return math.Round(sum/float64(len(values))*10) / 10
}

func percentile(sorted []float64, p int) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := float64(p) / 100.0 * float64(len(sorted)-1)
	lower := int(math.Floor(rank))
	upper := int(math.Ceil(rank))
	if lower == upper || upper >= len(sorted) {
		return math.Round(sorted[lower]*10) / 10
	}
	weight := rank - float64(lower)
	return math.Round((sorted[lower]*(1-weight)+sorted[upper]*weight)*10) / 10
}

func pct(n, total int) float64 {
	if total == 0 {
		return 0
	}
	return math.Round(float64(n)/float64(total)*1000) / 10
}
