// Package orchestrator runs the collect → analyze → report → fix → verify
// cycle until the application is clean or the cycle budget is spent.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lucasnoah/healfactory/internal/bugs"
	"github.com/lucasnoah/healfactory/internal/db"
	"github.com/lucasnoah/healfactory/internal/pipeline"
	"github.com/lucasnoah/healfactory/internal/report"
	"github.com/lucasnoah/healfactory/internal/scenario"
	"github.com/lucasnoah/healfactory/internal/vision"
)

// Analyzer turns captures into candidate defects. *vision.Client implements it.
type Analyzer interface {
	Analyze(ctx context.Context, capture scenario.Capture) (vision.Outcome, error)
	AnalyzePopout(ctx context.Context, capture scenario.Capture) (vision.Outcome, error)
	AnalyzePair(ctx context.Context, capture scenario.Capture) (vision.Outcome, error)
}

// Handoff is the synchronization point with the external fixing agent.
// *report.Signal implements it.
type Handoff interface {
	Clear() error
	Await(ctx context.Context, timeout time.Duration) bool
}

// EventLog records run history. *db.DB implements it.
type EventLog interface {
	StartRun(runID string, startedAt time.Time) error
	FinishRun(runID string, completedAt time.Time, cycles int, status string) error
	LogPipelineEvent(runID string, cycle int, event string, phase string, detail string) error
	LogBugEvent(e db.BugEvent) error
	LogVisionCall(c db.VisionCall) error
}

// Config holds the loop parameters.
type Config struct {
	MaxCycles  int
	FixTimeout time.Duration
}

// Deps are the collaborators of one run. Events may be nil.
type Deps struct {
	Driver   *scenario.Driver
	Analyzer Analyzer
	Tracker  *bugs.Tracker
	Emitter  *report.Emitter
	Handoff  Handoff
	Store    *pipeline.Store
	Events   EventLog
}

// Result describes a finished run.
type Result struct {
	RunID  string              `json:"pipeline_run_id"`
	Status string              `json:"final_status"`
	Cycles int                 `json:"total_cycles"`
	Final  *report.FinalReport `json:"final_report"`
}

// Orchestrator owns the state of exactly one pipeline run.
type Orchestrator struct {
	runID    string
	cfg      Config
	driver   *scenario.Driver
	analyzer Analyzer
	tracker  *bugs.Tracker
	emitter  *report.Emitter
	handoff  Handoff
	store    *pipeline.Store
	events   EventLog
	logger   *zap.Logger
	progress io.Writer // live progress output; nil = silent
	now      func() time.Time

	cycle int
}

// NewRunID returns a run identifier that sorts chronologically.
func NewRunID(now time.Time) string {
	return now.UTC().Format("20060102-150405") + "-" + uuid.NewString()[:8]
}

// New creates an Orchestrator for runID.
func New(runID string, cfg Config, deps Deps) *Orchestrator {
	if cfg.MaxCycles < 1 {
		cfg.MaxCycles = 1
	}
	if cfg.FixTimeout <= 0 {
		cfg.FixTimeout = 30 * time.Minute
	}
	return &Orchestrator{
		runID:    runID,
		cfg:      cfg,
		driver:   deps.Driver,
		analyzer: deps.Analyzer,
		tracker:  deps.Tracker,
		emitter:  deps.Emitter,
		handoff:  deps.Handoff,
		store:    deps.Store,
		events:   deps.Events,
		logger:   zap.NewNop(),
		now:      time.Now,
	}
}

// SetLogger sets the structured logger.
func (o *Orchestrator) SetLogger(l *zap.Logger) {
	if l != nil {
		o.logger = l
	}
}

// SetProgress sets a writer for live progress output (e.g. os.Stderr).
func (o *Orchestrator) SetProgress(w io.Writer) {
	o.progress = w
}

// SetClock overrides the time source (for testing).
func (o *Orchestrator) SetClock(now func() time.Time) {
	o.now = now
}

// RunID returns the identifier of the run.
func (o *Orchestrator) RunID() string {
	return o.runID
}

// logf prints a progress line if a progress writer is configured.
func (o *Orchestrator) logf(format string, args ...interface{}) {
	if o.progress != nil {
		fmt.Fprintf(o.progress, "  → "+format+"\n", args...)
	}
}

// RecordVisionCall stores one vision call in the event log under the
// current cycle. Wire it with vision.WithObserver.
func (o *Orchestrator) RecordVisionCall(c vision.Call) {
	if o.events == nil {
		return
	}
	vc := db.VisionCall{
		RunID:      o.runID,
		Cycle:      o.cycle,
		CaptureID:  c.CaptureID,
		Backend:    c.Backend,
		Model:      c.Model,
		Attempts:   c.Attempts,
		DurationMs: c.Duration.Milliseconds(),
		Bugs:       c.Bugs,
		Fallback:   c.Fallback,
	}
	if c.Err != nil {
		vc.Error = c.Err.Error()
	}
	o.record("vision call", o.events.LogVisionCall(vc))
}

// Run executes cycles until nothing is left to fix or MaxCycles is reached.
// A final report is written on every path. Errors returned here are fatal to
// the run; everything else is logged and absorbed.
func (o *Orchestrator) Run(ctx context.Context) (*Result, error) {
	started := o.now().UTC()
	if _, err := o.store.Create(o.runID, o.cfg.MaxCycles); err != nil {
		return nil, fmt.Errorf("create run state: %w", err)
	}
	if o.events != nil {
		o.record("start run", o.events.StartRun(o.runID, started))
	}
	o.logger.Info("pipeline started", zap.String("run", o.runID), zap.Int("max_cycles", o.cfg.MaxCycles))
	o.logf("run %s: up to %d cycles", o.runID, o.cfg.MaxCycles)

	var runErr error
	for o.cycle = 1; o.cycle <= o.cfg.MaxCycles; o.cycle++ {
		done, err := o.runCycle(ctx)
		if err != nil {
			runErr = err
			break
		}
		if done {
			break
		}
	}
	cycles := min(o.cycle, o.cfg.MaxCycles)

	res, err := o.finish(started, cycles, runErr)
	if runErr != nil {
		return res, runErr
	}
	return res, err
}

func (o *Orchestrator) finish(started time.Time, cycles int, runErr error) (*Result, error) {
	active, fixed, unresolved := o.tracker.Active(), o.tracker.Fixed(), o.tracker.Unresolved()
	status := report.Classify(active, fixed, unresolved)
	if runErr != nil {
		status = report.StatusBlocked
	}
	final := report.FinalReport{
		RunID:          o.runID,
		StartedAt:      started,
		CompletedAt:    o.now().UTC(),
		TotalCycles:    cycles,
		FixedBugs:      fixed,
		UnresolvedBugs: unresolved,
		SkippedBugs:    active,
		FinalStatus:    status,
	}
	writeErr := o.emitter.WriteFinal(final)

	_ = o.store.Update(o.runID, func(st *pipeline.State) {
		o.snapshot(st)
		st.Phase = pipeline.PhaseComplete
		st.FinalStatus = status
		st.Status = pipeline.StatusCompleted
		if runErr != nil {
			st.Status = pipeline.StatusFailed
			st.Error = runErr.Error()
		}
		st.History = append(st.History, pipeline.PhaseEntry{
			Cycle: cycles, Phase: pipeline.PhaseComplete, Detail: status, At: o.stamp(),
		})
	})
	if o.events != nil {
		event := "completed"
		if runErr != nil {
			event = "failed"
		}
		o.record("pipeline event", o.events.LogPipelineEvent(o.runID, cycles, event, string(pipeline.PhaseComplete), status))
		o.record("finish run", o.events.FinishRun(o.runID, final.CompletedAt, cycles, status))
	}

	o.logger.Info("pipeline finished",
		zap.String("run", o.runID),
		zap.String("status", status),
		zap.Int("cycles", cycles),
		zap.Int("fixed", len(fixed)),
		zap.Int("unresolved", len(unresolved)),
		zap.Int("open", len(active)))
	o.logf("finished: %s after %d cycle(s), %d fixed, %d unresolved, %d still open",
		status, cycles, len(fixed), len(unresolved), len(active))

	res := &Result{RunID: o.runID, Status: status, Cycles: cycles, Final: &final}
	if writeErr != nil {
		return res, fmt.Errorf("write final report: %w", writeErr)
	}
	return res, nil
}

// runCycle executes one cycle and reports whether the run is done.
func (o *Orchestrator) runCycle(ctx context.Context) (bool, error) {
	n := o.cycle
	o.logf("cycle %d/%d", n, o.cfg.MaxCycles)

	// collect
	o.enterPhase(pipeline.PhaseCollect, fmt.Sprintf("%d steps", len(o.driver.Steps())))
	captures, err := o.driver.RunAll(ctx, o.store.CaptureDir(o.runID, n))
	if err != nil {
		return false, fmt.Errorf("collect: %w", err)
	}
	o.logf("captured %d/%d steps", len(captures), len(o.driver.Steps()))
	_ = o.store.Update(o.runID, func(st *pipeline.State) {
		st.Captures = captures
	})

	// analyze
	o.enterPhase(pipeline.PhaseAnalyze, fmt.Sprintf("%d captures", len(captures)))
	var candidates []bugs.Candidate
	for _, c := range captures {
		found, _, err := o.analyzeCapture(ctx, c)
		if err != nil {
			o.logger.Warn("capture analysis incomplete", zap.String("capture", c.ID), zap.Error(err))
		}
		candidates = append(candidates, found...)
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	merged := o.tracker.Merge(candidates)
	for _, b := range merged.Created {
		o.bugEvent(b, "", "")
	}
	for _, b := range merged.Resolved {
		o.bugEvent(b, bugs.StatusFixing, "not observed in full pass")
	}
	o.logf("analysis: %d candidate(s), %d new, %d resolved", len(candidates), len(merged.Created), len(merged.Resolved))

	// report
	o.enterPhase(pipeline.PhaseReport, "")
	// The agent may raise the flag as soon as current-bugs.json appears.
	if err := o.handoff.Clear(); err != nil {
		o.logger.Warn("clear hand-off signal", zap.Error(err))
	}
	active := o.tracker.Active()
	if _, err := o.emitter.Publish(active, n, len(captures)); err != nil {
		return false, fmt.Errorf("publish report: %w", err)
	}
	o.saveState()

	// Bugs left in fixing by a timed-out hand-off do not keep the loop going.
	open := o.tracker.WithStatus(bugs.StatusOpen)
	if len(open) == 0 {
		o.logf("no open defects")
		return true, nil
	}

	// fix
	promoted := o.tracker.BeginFix()
	for _, b := range promoted {
		o.bugEvent(b, bugs.StatusOpen, "")
	}
	for _, b := range open {
		if b.Status == bugs.StatusUnresolved {
			o.bugEvent(b, bugs.StatusOpen, "attempt limit reached")
		}
	}
	o.enterPhase(pipeline.PhaseFix, fmt.Sprintf("%d defect(s) handed off", len(o.tracker.WithStatus(bugs.StatusFixing))))
	o.logf("waiting up to %s for fixes", o.cfg.FixTimeout)
	if !o.handoff.Await(ctx, o.cfg.FixTimeout) {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		o.logger.Info("fix hand-off timed out", zap.Int("cycle", n))
		o.logf("no fixes reported before timeout, starting next cycle")
		o.pipelineEvent("fix_timeout", pipeline.PhaseFix, o.cfg.FixTimeout.String())
		o.saveState()
		return false, nil
	}
	o.tracker.MarkFixApplied()
	o.pipelineEvent("fix_applied", pipeline.PhaseFix, "")

	// verify
	if err := o.verify(ctx); err != nil {
		return false, err
	}
	o.saveState()

	if len(o.tracker.Active()) == 0 {
		o.logf("no active defects remain")
		return true, nil
	}
	return false, nil
}

// verify re-captures each affected step once and re-checks the fixing
// defects observed on it.
func (o *Orchestrator) verify(ctx context.Context) error {
	fixing := o.tracker.WithStatus(bugs.StatusFixing)
	groups := bugs.GroupByStep(fixing)
	o.enterPhase(pipeline.PhaseVerify, fmt.Sprintf("%d defect(s) across %d step(s)", len(fixing), len(groups)))

	batch, err := o.driver.OpenBatch(ctx)
	if err != nil {
		return fmt.Errorf("verify: %w", err)
	}
	defer batch.Close()

	dir := o.store.VerifyDir(o.runID, o.cycle)
	var results []bugs.Verification
	for _, g := range groups {
		results = append(results, o.verifyGroup(ctx, batch, dir, g)...)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	byID := make(map[string]bugs.Verification, len(results))
	for _, r := range results {
		byID[r.BugID] = r
	}
	o.tracker.ApplyVerification(results)
	passed := 0
	for _, b := range fixing {
		r := byID[b.ID]
		if r.Passed {
			passed++
		}
		o.bugEvent(b, bugs.StatusFixing, r.Error)
	}

	before := make(map[string]bugs.Status)
	for _, b := range o.tracker.Active() {
		before[b.ID] = b.Status
	}
	for _, b := range o.tracker.EnforceAttemptLimit() {
		o.bugEvent(b, before[b.ID], "attempt limit reached")
	}
	o.logf("verification: %d/%d fixed", passed, len(fixing))
	return nil
}

func (o *Orchestrator) verifyGroup(ctx context.Context, batch *scenario.Batch, dir string, g bugs.Group) []bugs.Verification {
	fail := func(msg string) []bugs.Verification {
		out := make([]bugs.Verification, 0, len(g.Bugs))
		for _, b := range g.Bugs {
			out = append(out, bugs.Verification{BugID: b.ID, Error: msg})
		}
		return out
	}

	c := batch.RunOne(ctx, dir, g.StepID)
	if c == nil {
		return fail(fmt.Sprintf("step %s could not be re-captured", g.StepID))
	}
	candidates, failed, err := o.analyzeCapture(ctx, *c)
	if err != nil && len(failed) == len(o.analysesOf(*c)) {
		return fail(fmt.Sprintf("re-analysis of %s failed: %v", g.StepID, err))
	}

	out := make([]bugs.Verification, 0, len(g.Bugs))
	for _, b := range g.Bugs {
		// A bug seen on an analysis that failed this time was never re-checked.
		if ferr, ok := failed[b.CaptureID]; ok {
			out = append(out, bugs.Verification{
				BugID: b.ID,
				Error: fmt.Sprintf("re-analysis of %s failed: %v", b.CaptureID, ferr),
			})
			continue
		}
		out = append(out, bugs.Verify(b, candidates))
	}
	return out
}

type analysis struct {
	id   string
	call func(context.Context, scenario.Capture) (vision.Outcome, error)
}

// analysesOf lists the analyses a capture supports, keyed by the capture ID
// their findings carry: the capture itself, its pop-out and the pair.
func (o *Orchestrator) analysesOf(c scenario.Capture) []analysis {
	analyses := []analysis{{c.ID, o.analyzer.Analyze}}
	if c.HasPopout() {
		analyses = append(analyses,
			analysis{scenario.PopoutID(c.StepID), o.analyzer.AnalyzePopout},
			analysis{scenario.SyncID(c.StepID), o.analyzer.AnalyzePair})
	}
	return analyses
}

// analyzeCapture runs every analysis a capture supports. Individual failures
// are keyed by analysis ID and joined into the returned error alongside
// whatever was found.
func (o *Orchestrator) analyzeCapture(ctx context.Context, c scenario.Capture) ([]bugs.Candidate, map[string]error, error) {
	var found []bugs.Candidate
	var errs []error
	failed := make(map[string]error)
	for _, a := range o.analysesOf(c) {
		out, err := a.call(ctx, c)
		if err != nil {
			failed[a.id] = err
			errs = append(errs, err)
			continue
		}
		found = append(found, out.Result().Bugs...)
	}
	return found, failed, errors.Join(errs...)
}

func (o *Orchestrator) enterPhase(phase pipeline.Phase, detail string) {
	o.logger.Debug("phase", zap.Int("cycle", o.cycle), zap.String("phase", string(phase)), zap.String("detail", detail))
	_ = o.store.Update(o.runID, func(st *pipeline.State) {
		st.Phase = phase
		st.Cycle = o.cycle
		st.History = append(st.History, pipeline.PhaseEntry{Cycle: o.cycle, Phase: phase, Detail: detail, At: o.stamp()})
	})
	o.pipelineEvent("phase_started", phase, detail)
}

func (o *Orchestrator) saveState() {
	if err := o.store.Update(o.runID, o.snapshot); err != nil {
		o.logger.Warn("save run state", zap.Error(err))
	}
}

func (o *Orchestrator) snapshot(st *pipeline.State) {
	st.Cycle = o.cycle
	st.Active = o.tracker.Active()
	st.Fixed = o.tracker.Fixed()
	st.Unresolved = o.tracker.Unresolved()
}

func (o *Orchestrator) pipelineEvent(event string, phase pipeline.Phase, detail string) {
	if o.events == nil {
		return
	}
	o.record("pipeline event", o.events.LogPipelineEvent(o.runID, o.cycle, event, string(phase), detail))
}

func (o *Orchestrator) bugEvent(b *bugs.Bug, from bugs.Status, detail string) {
	o.logger.Debug("bug status",
		zap.String("bug", b.ID),
		zap.String("from", string(from)),
		zap.String("to", string(b.Status)),
		zap.Int("attempts", b.FixAttempts))
	if o.events == nil {
		return
	}
	o.record("bug event", o.events.LogBugEvent(db.BugEvent{
		RunID:      o.runID,
		Cycle:      o.cycle,
		BugID:      b.ID,
		Component:  b.Component,
		Category:   string(b.Category),
		Severity:   string(b.Severity),
		FromStatus: string(from),
		ToStatus:   string(b.Status),
		Attempt:    b.FixAttempts,
		Detail:     detail,
	}))
}

func (o *Orchestrator) record(what string, err error) {
	if err != nil {
		o.logger.Warn("event log write failed", zap.String("what", what), zap.Error(err))
	}
}

func (o *Orchestrator) stamp() string {
	return o.now().UTC().Format(time.RFC3339)
}
