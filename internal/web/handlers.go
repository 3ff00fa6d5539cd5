package web

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/lucasnoah/healfactory/internal/analytics"
	"github.com/lucasnoah/healfactory/internal/bugs"
	"github.com/lucasnoah/healfactory/internal/pipeline"
)

// ---- view models ----

type DashboardData struct {
	Runs           []RunRow
	RecentActivity []ActivityRow
	Outcomes       []analytics.BugOutcome
	HasEventLog    bool
}

type RunRow struct {
	RunID       string
	Status      string
	FinalStatus string
	Phase       string
	Cycle       int
	MaxCycles   int
	Open        int
	Fixed       int
	Unresolved  int
	UpdatedAgo  string
}

type ActivityRow struct {
	RunID   string
	Cycle   int
	Event   string
	Phase   string
	TimeAgo string
}

type RunDetailData struct {
	State       *pipeline.State
	Sections    []BugSection
	Captures    []CaptureView
	Timeline    []analytics.RunEvent
	IsActive    bool
	UpdatedAgo  string
	HasEventLog bool
}

type BugSection struct {
	Title string
	Bugs  []*bugs.Bug
}

type CaptureView struct {
	ID            string
	Description   string
	HasPopout     bool
	URL           string
	URLMismatches []string
}

// AnalyticsData is the JSON body of /api/analytics.
type AnalyticsData struct {
	Phases     []analytics.PhaseDuration     `json:"phases"`
	Outcomes   []analytics.BugOutcome        `json:"bug_outcomes"`
	Vision     []analytics.VisionReliability `json:"vision"`
	Throughput []analytics.RunThroughput     `json:"throughput"`
}

// ---- helpers ----

func relTime(ts string) string {
	formats := []string{
		time.RFC3339Nano,
		"2006-01-02 15:04:05",
	}
	var t time.Time
	for _, f := range formats {
		if parsed, err := time.Parse(f, ts); err == nil {
			t = parsed
			break
		}
	}
	if t.IsZero() {
		return ts
	}
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func runRow(st pipeline.State) RunRow {
	return RunRow{
		RunID:       st.RunID,
		Status:      st.Status,
		FinalStatus: st.FinalStatus,
		Phase:       string(st.Phase),
		Cycle:       st.Cycle,
		MaxCycles:   st.MaxCycles,
		Open:        len(st.Active),
		Fixed:       len(st.Fixed),
		Unresolved:  len(st.Unresolved),
		UpdatedAgo:  relTime(st.UpdatedAt),
	}
}

// ---- Dashboard ----

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	states, err := s.store.List("")
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	// Most recently active first.
	sort.Slice(states, func(i, j int) bool {
		return states[i].UpdatedAt > states[j].UpdatedAt
	})

	data := DashboardData{HasEventLog: s.db != nil}
	for _, st := range states {
		data.Runs = append(data.Runs, runRow(st))
	}

	if s.db != nil {
		activity, err := s.recentActivity(20)
		if err != nil {
			s.logger.Warn("recent activity", zap.Error(err))
		}
		for _, e := range activity {
			data.RecentActivity = append(data.RecentActivity, ActivityRow{
				RunID:   e.RunID,
				Cycle:   e.Cycle,
				Event:   e.Event,
				Phase:   e.Phase,
				TimeAgo: relTime(e.Timestamp),
			})
		}
		if data.Outcomes, err = analytics.QueryBugOutcomes(s.db, ""); err != nil {
			s.logger.Warn("bug outcomes", zap.Error(err))
		}
	}

	if err := s.dashboardTmpl.ExecuteTemplate(w, "base", data); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// ---- Run detail ----

func (s *Server) handleRunDetail(w http.ResponseWriter, r *http.Request, runID string) {
	st, err := s.store.Get(runID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	data := RunDetailData{
		State:       st,
		IsActive:    st.Status == pipeline.StatusRunning,
		UpdatedAgo:  relTime(st.UpdatedAt),
		HasEventLog: s.db != nil,
	}
	for _, sec := range []BugSection{
		{"Active", st.Active},
		{"Fixed", st.Fixed},
		{"Unresolved", st.Unresolved},
	} {
		if len(sec.Bugs) > 0 {
			data.Sections = append(data.Sections, sec)
		}
	}
	for _, c := range st.Captures {
		data.Captures = append(data.Captures, CaptureView{
			ID:            c.ID,
			Description:   c.Description,
			HasPopout:     c.HasPopout(),
			URL:           c.URL,
			URLMismatches: c.URLMismatches,
		})
	}
	if s.db != nil {
		if data.Timeline, err = analytics.QueryRunTimeline(s.db, runID); err != nil {
			s.logger.Warn("run timeline", zap.String("run", runID), zap.Error(err))
		}
	}

	if err := s.runTmpl.ExecuteTemplate(w, "base", data); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// handleCapture serves a screenshot of the run's latest collect pass. Only
// files recorded in state.json are served; ?window=popout selects the
// secondary window.
func (s *Server) handleCapture(w http.ResponseWriter, r *http.Request, runID, captureID string) {
	st, err := s.store.Get(runID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	for _, c := range st.Captures {
		if c.ID != captureID {
			continue
		}
		path := c.Path
		if r.URL.Query().Get("window") == "popout" {
			path = c.PopoutPath
		}
		if path == "" {
			break
		}
		w.Header().Set("Content-Type", "image/png")
		http.ServeFile(w, r, path)
		return
	}
	http.NotFound(w, r)
}

// ---- JSON API ----

func (s *Server) handleAPIRuns(w http.ResponseWriter, r *http.Request) {
	states, err := s.store.List(r.URL.Query().Get("status"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	rows := make([]RunRow, 0, len(states))
	for _, st := range states {
		rows = append(rows, runRow(st))
	}
	writeJSON(w, rows)
}

func (s *Server) handleAPIRun(w http.ResponseWriter, r *http.Request, runID string) {
	st, err := s.store.Get(runID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, st)
}

func (s *Server) handleAPITimeline(w http.ResponseWriter, r *http.Request, runID string) {
	if s.db == nil {
		http.Error(w, "event log not configured", http.StatusServiceUnavailable)
		return
	}
	events, err := analytics.QueryRunTimeline(s.db, runID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if events == nil {
		events = []analytics.RunEvent{}
	}
	writeJSON(w, events)
}

func (s *Server) handleAPIAnalytics(w http.ResponseWriter, r *http.Request) {
	if s.db == nil {
		http.Error(w, "event log not configured", http.StatusServiceUnavailable)
		return
	}
	since := r.URL.Query().Get("since")

	var data AnalyticsData
	var err error
	if data.Phases, err = analytics.QueryPhaseDurations(s.db, since); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if data.Outcomes, err = analytics.QueryBugOutcomes(s.db, since); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if data.Vision, err = analytics.QueryVisionReliability(s.db, since); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if data.Throughput, err = analytics.QueryRunThroughput(s.db, since); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, data)
}
