package pipeline

import (
	"github.com/lucasnoah/healfactory/internal/bugs"
	"github.com/lucasnoah/healfactory/internal/scenario"
)

// Phase names one step of a cycle.
type Phase string

const (
	PhaseCollect  Phase = "collect"
	PhaseAnalyze  Phase = "analyze"
	PhaseReport   Phase = "report"
	PhaseFix      Phase = "fix"
	PhaseVerify   Phase = "verify"
	PhaseComplete Phase = "complete"
)

// Run status values.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// State is the persisted state of one pipeline run.
type State struct {
	RunID       string             `json:"run_id"`
	Status      string             `json:"status"` // "running", "completed", "failed"
	Phase       Phase              `json:"phase"`
	Cycle       int                `json:"cycle"`
	MaxCycles   int                `json:"max_cycles"`
	FinalStatus string             `json:"final_status,omitempty"`
	Active      []*bugs.Bug        `json:"active_bugs"`
	Fixed       []*bugs.Bug        `json:"fixed_bugs"`
	Unresolved  []*bugs.Bug        `json:"unresolved_bugs"`
	Captures    []scenario.Capture `json:"captures"`
	History     []PhaseEntry       `json:"phase_history"`
	Error       string             `json:"error,omitempty"`
	StartedAt   string             `json:"started_at"`
	UpdatedAt   string             `json:"updated_at"`
}

// PhaseEntry records one phase transition.
type PhaseEntry struct {
	Cycle  int    `json:"cycle"`
	Phase  Phase  `json:"phase"`
	Detail string `json:"detail,omitempty"`
	At     string `json:"at"`
}
