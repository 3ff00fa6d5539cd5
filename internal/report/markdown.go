package report

import (
	"fmt"
	"strings"
	"time"

	"github.com/lucasnoah/healfactory/internal/bugs"
)

func cycleMarkdown(rep *CycleReport) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Visual Regression Report: Cycle %d\n\n", rep.CycleNumber)
	fmt.Fprintf(&b, "Generated: %s\n", rep.GeneratedAt.Format("2006-01-02 15:04:05 UTC"))
	fmt.Fprintf(&b, "Captures analyzed: %d\n", rep.TotalCaptures)
	fmt.Fprintf(&b, "Open defects: %d\n\n", rep.Summary.Total)

	if len(rep.Bugs) == 0 {
		b.WriteString("No defects found.\n")
		return b.String()
	}

	b.WriteString("## Summary\n\n")
	b.WriteString("| Severity | Count |\n|---|---|\n")
	for _, sev := range []bugs.Severity{bugs.SeverityCritical, bugs.SeverityHigh, bugs.SeverityMedium, bugs.SeverityLow} {
		if n := rep.Summary.BySeverity[string(sev)]; n > 0 {
			fmt.Fprintf(&b, "| %s | %d |\n", sev, n)
		}
	}
	b.WriteString("\n## Defects\n")
	for _, bug := range rep.Bugs {
		writeBug(&b, bug)
	}
	return b.String()
}

func writeBug(b *strings.Builder, bug *bugs.Bug) {
	fmt.Fprintf(b, "\n### %s: %s (%s)\n\n", bug.ID, bug.Component, bug.Severity)
	fmt.Fprintf(b, "- Category: %s\n", bug.Category)
	fmt.Fprintf(b, "- Status: %s (attempt %d)\n", bug.Status, bug.FixAttempts)
	fmt.Fprintf(b, "- Capture: %s\n", bug.CaptureID)
	if bug.Screenshot != "" {
		fmt.Fprintf(b, "- Screenshot: `%s`\n", bug.Screenshot)
	}
	fmt.Fprintf(b, "\n%s\n", bug.Description)
	if bug.Expected != "" {
		fmt.Fprintf(b, "\n**Expected:** %s\n", bug.Expected)
	}
	if bug.Actual != "" {
		fmt.Fprintf(b, "\n**Actual:** %s\n", bug.Actual)
	}
	if bug.SuggestedFix != "" {
		fmt.Fprintf(b, "\n**Suggested fix:** %s\n", bug.SuggestedFix)
	}
	if n := len(bug.History); n > 0 {
		if last := bug.History[n-1]; last.Error != "" {
			fmt.Fprintf(b, "\n**Last verification:** %s\n", last.Error)
		}
	}
}

func finalMarkdown(rep FinalReport) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Pipeline Run %s\n\n", rep.RunID)
	fmt.Fprintf(&b, "Final status: **%s**\n\n", strings.ToUpper(rep.FinalStatus))
	fmt.Fprintf(&b, "- Started: %s\n", rep.StartedAt.Format("2006-01-02 15:04:05 UTC"))
	fmt.Fprintf(&b, "- Completed: %s\n", rep.CompletedAt.Format("2006-01-02 15:04:05 UTC"))
	fmt.Fprintf(&b, "- Duration: %s\n", rep.CompletedAt.Sub(rep.StartedAt).Round(time.Second))
	fmt.Fprintf(&b, "- Cycles: %d\n", rep.TotalCycles)
	fmt.Fprintf(&b, "- Fixed: %d, Unresolved: %d, Still open: %d\n", len(rep.FixedBugs), len(rep.UnresolvedBugs), len(rep.SkippedBugs))

	section := func(title string, list []*bugs.Bug) {
		if len(list) == 0 {
			return
		}
		fmt.Fprintf(&b, "\n## %s\n\n", title)
		b.WriteString("| ID | Severity | Component | Attempts | Description |\n|---|---|---|---|---|\n")
		for _, bug := range list {
			fmt.Fprintf(&b, "| %s | %s | %s | %d | %s |\n",
				bug.ID, bug.Severity, bug.Component, bug.FixAttempts, tableCell(bug.Description))
		}
	}
	section("Fixed", rep.FixedBugs)
	section("Unresolved", rep.UnresolvedBugs)
	section("Still Open", rep.SkippedBugs)
	return b.String()
}

func tableCell(s string) string {
	s = strings.ReplaceAll(s, "|", `\|`)
	return strings.Join(strings.Fields(s), " ")
}
