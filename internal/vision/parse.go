package vision

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/lucasnoah/healfactory/internal/bugs"
)

// Analysis is the typed result of analyzing one capture.
type Analysis struct {
	CaptureID    string           `json:"capture_id"`
	Bugs         []bugs.Candidate `json:"bugs"`
	Observations []string         `json:"observations"`
}

// Outcome is either Parsed or Fallback.
type Outcome interface {
	// Result returns the analysis to merge. For a Fallback it holds no
	// defects and one observation describing the parse failure.
	Result() Analysis
	outcome()
}

// Parsed is a reply that decoded into an analysis.
type Parsed struct {
	Analysis Analysis
}

func (p Parsed) Result() Analysis { return p.Analysis }
func (Parsed) outcome()           {}

// Fallback is a reply that could not be decoded.
type Fallback struct {
	CaptureID string
	Reason    string
	Raw       string
}

func (f Fallback) Result() Analysis {
	return Analysis{
		CaptureID:    f.CaptureID,
		Bugs:         []bugs.Candidate{},
		Observations: []string{fmt.Sprintf("vision reply could not be parsed: %s", f.Reason)},
	}
}
func (Fallback) outcome() {}

var (
	fencedObject  = regexp.MustCompile("(?s)```(?:json|JSON)?\\s*\\n?(\\{.*\\})\\s*```")
	trailingComma = regexp.MustCompile(`,\s*([}\]])`)
)

// extractJSON strips code fences, falls back to the outermost braces and
// removes trailing commas. It returns "" when no object is present.
func extractJSON(reply string) string {
	var raw string
	if m := fencedObject.FindStringSubmatch(reply); len(m) > 1 {
		raw = m[1]
	} else {
		start := strings.Index(reply, "{")
		end := strings.LastIndex(reply, "}")
		if start == -1 || end <= start {
			return ""
		}
		raw = reply[start : end+1]
	}
	return trailingComma.ReplaceAllString(raw, "$1")
}

// stringList decodes either a string or an array of strings.
type stringList []string

func (s *stringList) UnmarshalJSON(data []byte) error {
	var one string
	if err := json.Unmarshal(data, &one); err == nil {
		if one != "" {
			*s = stringList{one}
		}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return err
	}
	*s = many
	return nil
}

type replyBug struct {
	ID               string `json:"id"`
	Severity         string `json:"severity"`
	Category         string `json:"category"`
	Component        string `json:"component"`
	Description      string `json:"description"`
	Expected         string `json:"expected"`
	ExpectedBehavior string `json:"expected_behavior"`
	Actual           string `json:"actual"`
	ActualBehavior   string `json:"actual_behavior"`
	SuggestedFix     string `json:"suggested_fix"`
}

type reply struct {
	Bugs         []replyBug `json:"bugs"`
	Observations stringList `json:"observations"`
}

// Parse decodes a model reply. It never fails: anything that does not
// decode becomes a Fallback carrying the reason and the raw reply.
func Parse(captureID, text string) Outcome {
	body := extractJSON(text)
	if body == "" {
		return Fallback{CaptureID: captureID, Reason: "no JSON object in reply", Raw: text}
	}
	var r reply
	if err := json.Unmarshal([]byte(body), &r); err != nil {
		return Fallback{CaptureID: captureID, Reason: fmt.Sprintf("invalid JSON: %v", err), Raw: text}
	}

	a := Analysis{
		CaptureID:    captureID,
		Bugs:         make([]bugs.Candidate, 0, len(r.Bugs)),
		Observations: []string(r.Observations),
	}
	if a.Observations == nil {
		a.Observations = []string{}
	}
	for _, b := range r.Bugs {
		a.Bugs = append(a.Bugs, bugs.Candidate{
			ID:           strings.TrimSpace(b.ID),
			Severity:     bugs.ParseSeverity(strings.ToLower(strings.TrimSpace(b.Severity))),
			Category:     bugs.ParseCategory(strings.ToLower(strings.TrimSpace(b.Category))),
			Component:    strings.TrimSpace(b.Component),
			Description:  b.Description,
			Expected:     firstNonEmpty(b.Expected, b.ExpectedBehavior),
			Actual:       firstNonEmpty(b.Actual, b.ActualBehavior),
			CaptureID:    captureID,
			SuggestedFix: b.SuggestedFix,
		})
	}
	return Parsed{Analysis: a}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// wellFormedID matches identifiers such as BUG-LAYOUT-001. Template
// placeholders like BUG-<CATEGORY>-NNN never match.
var wellFormedID = regexp.MustCompile(`^BUG-[A-Z]+-[0-9]+$`)
