package scenario

import (
	"fmt"
	"strings"
	"time"
)

// Action types understood by the driver.
const (
	ActionNavigate = "navigate"
	ActionClick    = "click"
	ActionFill     = "fill"
	ActionWait     = "wait"
	ActionSleep    = "sleep"
	ActionPopout   = "popout"
)

// TargetPopout routes an action to the secondary window.
const TargetPopout = "popout"

// Capture identifier suffixes for secondary-window analyses.
const (
	PopoutSuffix = "-popout"
	SyncSuffix   = "-sync"
)

var validActions = map[string]bool{
	ActionNavigate: true,
	ActionClick:    true,
	ActionFill:     true,
	ActionWait:     true,
	ActionSleep:    true,
	ActionPopout:   true,
}

// Range is an inclusive integer range.
type Range struct {
	Min int `yaml:"min" json:"min"`
	Max int `yaml:"max" json:"max"`
}

// Expected describes the application state a step should produce.
type Expected struct {
	Panels      []string          `yaml:"panels" json:"panels,omitempty"`
	URLParams   map[string]string `yaml:"url_params" json:"url_params,omitempty"`
	ResultCount *Range            `yaml:"result_count" json:"result_count,omitempty"`
	FilterChips []string          `yaml:"filter_chips" json:"filter_chips,omitempty"`
}

// Action is a single browser interaction within a step.
type Action struct {
	Type     string `yaml:"type"`
	Selector string `yaml:"selector,omitempty"`
	Value    string `yaml:"value,omitempty"`
	Path     string `yaml:"path,omitempty"`
	Target   string `yaml:"target,omitempty"`
	Duration string `yaml:"duration,omitempty"`
}

// Step is a named, ordered unit of interaction. Steps are loaded once from
// configuration and never mutated.
type Step struct {
	ID            string   `yaml:"id"`
	Description   string   `yaml:"description"`
	Popout        bool     `yaml:"popout"`
	Expected      Expected `yaml:"expected"`
	Prerequisites []string `yaml:"prerequisites"`
	Actions       []Action `yaml:"actions"`
}

// Capture is the output of executing one step.
type Capture struct {
	ID            string    `json:"id"`
	StepID        string    `json:"step_id"`
	Description   string    `json:"description"`
	Path          string    `json:"path"`
	PopoutPath    string    `json:"popout_path,omitempty"`
	URL           string    `json:"url"`
	PopoutURL     string    `json:"popout_url,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
	Expected      Expected  `json:"expected"`
	URLMismatches []string  `json:"url_mismatches,omitempty"`
}

// HasPopout reports whether a secondary-window artifact was captured.
func (c Capture) HasPopout() bool {
	return c.PopoutPath != ""
}

// PopoutID returns the capture identifier for a step's secondary window.
func PopoutID(stepID string) string {
	return stepID + PopoutSuffix
}

// SyncID returns the capture identifier for a primary/secondary comparison.
func SyncID(stepID string) string {
	return stepID + SyncSuffix
}

// StepIDFromCapture strips secondary-window suffixes from a capture identifier.
func StepIDFromCapture(captureID string) string {
	for _, suffix := range []string{PopoutSuffix, SyncSuffix} {
		if strings.HasSuffix(captureID, suffix) {
			return strings.TrimSuffix(captureID, suffix)
		}
	}
	return captureID
}

// StepError describes one problem in a step list.
type StepError struct {
	Index   int
	Field   string
	Message string
}

func (e StepError) Error() string {
	return fmt.Sprintf("steps[%d].%s: %s", e.Index, e.Field, e.Message)
}

// Validate checks a step list for duplicate IDs, bad prerequisite references
// and malformed actions. Prerequisites must name steps declared earlier.
func Validate(steps []Step) []StepError {
	var errs []StepError
	seen := make(map[string]bool)

	for i, s := range steps {
		if s.ID == "" {
			errs = append(errs, StepError{Index: i, Field: "id", Message: "is required"})
		} else if seen[s.ID] {
			errs = append(errs, StepError{Index: i, Field: "id", Message: fmt.Sprintf("duplicate step ID %q", s.ID)})
		} else if strings.HasSuffix(s.ID, PopoutSuffix) || strings.HasSuffix(s.ID, SyncSuffix) {
			errs = append(errs, StepError{Index: i, Field: "id", Message: fmt.Sprintf("step ID %q uses a reserved suffix", s.ID)})
		}

		for _, p := range s.Prerequisites {
			switch {
			case p == s.ID:
				errs = append(errs, StepError{Index: i, Field: "prerequisites", Message: "step cannot require itself"})
			case !seen[p]:
				errs = append(errs, StepError{Index: i, Field: "prerequisites", Message: fmt.Sprintf("references undeclared or later step %q", p)})
			}
		}

		if len(s.Actions) == 0 {
			errs = append(errs, StepError{Index: i, Field: "actions", Message: "at least one action is required"})
		}
		for j, a := range s.Actions {
			if msg := validateAction(a); msg != "" {
				errs = append(errs, StepError{Index: i, Field: fmt.Sprintf("actions[%d]", j), Message: msg})
			}
		}

		if s.Expected.ResultCount != nil && s.Expected.ResultCount.Min > s.Expected.ResultCount.Max {
			errs = append(errs, StepError{Index: i, Field: "expected.result_count", Message: "min exceeds max"})
		}

		if s.ID != "" {
			seen[s.ID] = true
		}
	}
	return errs
}

func validateAction(a Action) string {
	if !validActions[a.Type] {
		return fmt.Sprintf("unknown action type %q", a.Type)
	}
	if a.Target != "" && a.Target != TargetPopout {
		return fmt.Sprintf("unknown target %q", a.Target)
	}
	switch a.Type {
	case ActionNavigate:
		if a.Path == "" {
			return "navigate requires a path"
		}
	case ActionClick, ActionFill, ActionWait, ActionPopout:
		if a.Selector == "" {
			return a.Type + " requires a selector"
		}
	case ActionSleep:
		if d, err := time.ParseDuration(a.Duration); err != nil || d <= 0 {
			return fmt.Sprintf("sleep requires a positive duration, got %q", a.Duration)
		}
	}
	if a.Type == ActionPopout && a.Target == TargetPopout {
		return "popout must be triggered from the primary window"
	}
	return ""
}
