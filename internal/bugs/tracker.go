package bugs

import (
	"fmt"
	"time"

	"github.com/lucasnoah/healfactory/internal/scenario"
)

// Tracker owns the active, fixed and unresolved defect lists of one run.
// The active list never holds a bug in a terminal status.
type Tracker struct {
	maxAttempts int
	active      []*Bug
	fixed       []*Bug
	unresolved  []*Bug
	ids         map[string]bool
	now         func() time.Time
}

// NewTracker creates a Tracker that forces bugs to unresolved once they
// reach maxAttempts fix attempts.
func NewTracker(maxAttempts int) *Tracker {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Tracker{
		maxAttempts: maxAttempts,
		ids:         make(map[string]bool),
		now:         time.Now,
	}
}

// SetClock overrides the history timestamp source (for testing).
func (t *Tracker) SetClock(now func() time.Time) {
	t.now = now
}

// MaxAttempts returns the configured attempt ceiling.
func (t *Tracker) MaxAttempts() int { return t.maxAttempts }

// Active returns the non-terminal bugs in creation order.
func (t *Tracker) Active() []*Bug { return append([]*Bug(nil), t.active...) }

// Fixed returns bugs that reached fixed.
func (t *Tracker) Fixed() []*Bug { return append([]*Bug(nil), t.fixed...) }

// Unresolved returns bugs forced to unresolved.
func (t *Tracker) Unresolved() []*Bug { return append([]*Bug(nil), t.unresolved...) }

// WithStatus returns the active bugs currently in status s.
func (t *Tracker) WithStatus(s Status) []*Bug {
	var out []*Bug
	for _, b := range t.active {
		if b.Status == s {
			out = append(out, b)
		}
	}
	return out
}

// MergeResult describes what one analysis pass changed.
type MergeResult struct {
	Created  []*Bug
	Resolved []*Bug
}

// Merge folds one full analysis pass into the active set using
// discovery-phase identity. Candidates matching an active or unresolved bug
// are dropped; the rest become new open bugs. Fixing bugs that no candidate
// matches are marked fixed.
func (t *Tracker) Merge(candidates []Candidate) MergeResult {
	var res MergeResult
	seen := make(map[Key]bool, len(candidates))

	for _, c := range candidates {
		k := c.Key()
		seen[k] = true
		if t.tracked(k) {
			continue
		}
		b := &Bug{
			ID:           t.uniqueID(c.ID),
			Severity:     c.Severity,
			Category:     c.Category,
			Component:    c.Component,
			Description:  c.Description,
			Expected:     c.Expected,
			Actual:       c.Actual,
			CaptureID:    c.CaptureID,
			Screenshot:   c.Screenshot,
			SuggestedFix: c.SuggestedFix,
			Status:       StatusOpen,
			History:      []FixAttempt{},
		}
		t.active = append(t.active, b)
		res.Created = append(res.Created, b)
	}

	for _, b := range t.WithStatus(StatusFixing) {
		if seen[b.Key()] {
			continue
		}
		if a := b.lastAttempt(); a != nil {
			passed := true
			a.Passed = &passed
		}
		t.move(b, StatusFixed)
		res.Resolved = append(res.Resolved, b)
	}
	return res
}

func (t *Tracker) tracked(k Key) bool {
	for _, b := range t.active {
		if SameDefect(b.Key(), k) {
			return true
		}
	}
	for _, b := range t.unresolved {
		if SameDefect(b.Key(), k) {
			return true
		}
	}
	return false
}

func (t *Tracker) uniqueID(id string) string {
	if id == "" {
		id = "BUG"
	}
	if !t.ids[id] {
		t.ids[id] = true
		return id
	}
	for n := 2; ; n++ {
		next := fmt.Sprintf("%s-%d", id, n)
		if !t.ids[next] {
			t.ids[next] = true
			return next
		}
	}
}

// BeginFix promotes every open bug to fixing, increments its attempt counter
// and opens a history entry. It returns the promoted bugs.
func (t *Tracker) BeginFix() []*Bug {
	var promoted []*Bug
	for _, b := range t.WithStatus(StatusOpen) {
		if b.FixAttempts >= t.maxAttempts {
			t.move(b, StatusUnresolved)
			continue
		}
		b.FixAttempts++
		b.Status = StatusFixing
		b.History = append(b.History, FixAttempt{Attempt: b.FixAttempts, Timestamp: t.now().UTC()})
		promoted = append(promoted, b)
	}
	return promoted
}

// MarkFixApplied records that the external agent reported fixes for every
// bug currently fixing.
func (t *Tracker) MarkFixApplied() {
	for _, b := range t.WithStatus(StatusFixing) {
		if a := b.lastAttempt(); a != nil {
			a.FixApplied = true
		}
	}
}

// Verify applies re-verification identity to one fixing bug against the
// candidates of a fresh analysis of its step.
func Verify(b *Bug, candidates []Candidate) Verification {
	c, score, present := StillPresent(b, candidates)
	if !present {
		return Verification{BugID: b.ID, Passed: true}
	}
	return Verification{
		BugID: b.ID,
		Error: fmt.Sprintf("still present as %s (similarity %.2f)", c.ID, score),
	}
}

// ApplyVerification moves passing fixing bugs to fixed and reverts failing
// ones to open. Results for unknown or non-fixing bugs are ignored.
func (t *Tracker) ApplyVerification(results []Verification) {
	byID := make(map[string]*Bug, len(t.active))
	for _, b := range t.active {
		byID[b.ID] = b
	}
	for _, r := range results {
		b, ok := byID[r.BugID]
		if !ok || b.Status != StatusFixing {
			continue
		}
		if a := b.lastAttempt(); a != nil {
			passed := r.Passed
			a.Passed = &passed
			a.Error = r.Error
		}
		if r.Passed {
			t.move(b, StatusFixed)
		} else {
			b.Status = StatusOpen
		}
	}
}

// EnforceAttemptLimit forces every active bug that has used all of its fix
// attempts to unresolved and returns them.
func (t *Tracker) EnforceAttemptLimit() []*Bug {
	var forced []*Bug
	for _, b := range t.Active() {
		if b.FixAttempts >= t.maxAttempts {
			t.move(b, StatusUnresolved)
			forced = append(forced, b)
		}
	}
	return forced
}

func (t *Tracker) move(b *Bug, s Status) {
	b.Status = s
	for i, x := range t.active {
		if x == b {
			t.active = append(t.active[:i], t.active[i+1:]...)
			break
		}
	}
	switch s {
	case StatusFixed:
		t.fixed = append(t.fixed, b)
	case StatusUnresolved:
		t.unresolved = append(t.unresolved, b)
	}
}

// Group is the set of bugs observed on one scenario step.
type Group struct {
	StepID string
	Bugs   []*Bug
}

// GroupByStep groups bugs by their underlying step, stripping secondary
// window suffixes from capture identifiers. Groups keep first-seen order.
func GroupByStep(list []*Bug) []Group {
	var groups []Group
	idx := make(map[string]int)
	for _, b := range list {
		step := scenario.StepIDFromCapture(b.CaptureID)
		i, ok := idx[step]
		if !ok {
			i = len(groups)
			idx[step] = i
			groups = append(groups, Group{StepID: step})
		}
		groups[i].Bugs = append(groups[i].Bugs, b)
	}
	return groups
}
