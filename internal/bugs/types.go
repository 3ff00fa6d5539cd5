// Package bugs holds the defect entity, its identity rules and its
// open → fixing → fixed/unresolved lifecycle.
package bugs

import "time"

// Severity of a defect.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// Category of a defect.
type Category string

const (
	CategoryLayout Category = "layout"
	CategoryState  Category = "state"
	CategoryData   Category = "data"
	CategoryVisual Category = "visual"
	CategorySync   Category = "sync"
)

// Status is a defect's lifecycle state.
type Status string

const (
	StatusOpen       Status = "open"
	StatusFixing     Status = "fixing"
	StatusFixed      Status = "fixed"
	StatusUnresolved Status = "unresolved"
)

// Terminal reports whether s ends the lifecycle.
func (s Status) Terminal() bool {
	return s == StatusFixed || s == StatusUnresolved
}

// ParseSeverity normalizes a model-supplied severity, defaulting to medium.
func ParseSeverity(s string) Severity {
	switch Severity(s) {
	case SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow:
		return Severity(s)
	}
	return SeverityMedium
}

// ParseCategory normalizes a model-supplied category, defaulting to visual.
func ParseCategory(s string) Category {
	switch Category(s) {
	case CategoryLayout, CategoryState, CategoryData, CategoryVisual, CategorySync:
		return Category(s)
	}
	return CategoryVisual
}

// FixAttempt records one pass through the fix phase.
type FixAttempt struct {
	Attempt    int       `json:"attempt"`
	Timestamp  time.Time `json:"timestamp"`
	FixApplied bool      `json:"fix_applied"`
	Passed     *bool     `json:"passed,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// Candidate is a defect as reported by one analysis pass, before tracking.
type Candidate struct {
	ID           string   `json:"id"`
	Severity     Severity `json:"severity"`
	Category     Category `json:"category"`
	Component    string   `json:"component"`
	Description  string   `json:"description"`
	Expected     string   `json:"expected"`
	Actual       string   `json:"actual"`
	CaptureID    string   `json:"screenshot_id"`
	Screenshot   string   `json:"screenshot_path"`
	SuggestedFix string   `json:"suggested_fix,omitempty"`
}

// Bug is a tracked defect.
type Bug struct {
	ID           string       `json:"id"`
	Severity     Severity     `json:"severity"`
	Category     Category     `json:"category"`
	Component    string       `json:"component"`
	Description  string       `json:"description"`
	Expected     string       `json:"expected_behavior"`
	Actual       string       `json:"actual_behavior"`
	CaptureID    string       `json:"screenshot_id"`
	Screenshot   string       `json:"screenshot_path"`
	SuggestedFix string       `json:"suggested_fix,omitempty"`
	FixAttempts  int          `json:"fix_attempts"`
	Status       Status       `json:"status"`
	History      []FixAttempt `json:"fix_history"`
}

// Verification is the result of re-checking one fixing bug.
type Verification struct {
	BugID  string `json:"bug_id"`
	Passed bool   `json:"passed"`
	Error  string `json:"error,omitempty"`
}

// Key is the discovery-phase identity of a defect.
type Key struct {
	Component string
	Category  Category
	CaptureID string
}

// Key returns the bug's discovery identity.
func (b *Bug) Key() Key {
	return Key{Component: b.Component, Category: b.Category, CaptureID: b.CaptureID}
}

// Key returns the candidate's discovery identity.
func (c Candidate) Key() Key {
	return Key{Component: c.Component, Category: c.Category, CaptureID: c.CaptureID}
}

func (b *Bug) lastAttempt() *FixAttempt {
	if len(b.History) == 0 {
		return nil
	}
	return &b.History[len(b.History)-1]
}
