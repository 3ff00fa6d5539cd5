package prompt

const (
	// CaptureTemplate analyzes a single capture.
	CaptureTemplate = "capture.md"
	// SyncTemplate compares a primary capture with its pop-out window.
	SyncTemplate = "sync.md"
	// FixTemplate is pasted into a launched fixing agent session.
	FixTemplate = "fix.md"
)

// builtinTemplates maps template filename to content.
var builtinTemplates = map[string]string{
	CaptureTemplate: captureTemplate,
	SyncTemplate:    syncTemplate,
	FixTemplate:     fixTemplate,
}

const responseFormat = `## Response Format
Reply with a single JSON object and nothing else:

` + "```" + `json
{
  "bugs": [
    {
      "id": "BUG-<CATEGORY>-NNN",
      "severity": "critical | high | medium | low",
      "category": "layout | state | data | visual | sync",
      "component": "name of the affected UI component",
      "description": "what is wrong",
      "expected": "what should be shown",
      "actual": "what is shown",
      "suggested_fix": "where and how to fix it"
    }
  ],
  "observations": ["anything notable that is not a defect"]
}
` + "```" + `

If the screen matches the expected state, return an empty "bugs" array.
`

const captureTemplate = `# Visual Check: {{step_id}}

You are reviewing a screenshot of a web application taken after a scripted
user interaction. Decide whether the screen matches the expected state.

## Step
{{description}}

Capture: {{capture_id}}
URL at capture time: {{url}}

{{#if expected_panels}}
## Panels That Must Be Visible
{{expected_panels}}
{{/if}}

{{#if expected_params}}
## Expected URL Parameters
{{expected_params}}
{{/if}}

{{#if expected_count}}
## Expected Result Count
{{expected_count}}
{{/if}}

{{#if expected_chips}}
## Filter Chips That Must Be Shown
{{expected_chips}}
{{/if}}

{{#if url_mismatches}}
## URL Mismatches Already Detected
The URL did not carry these expected parameters. Confirm whether the screen
reflects the problem:
{{url_mismatches}}
{{/if}}

## Instructions
1. Compare the screenshot against every expectation above
2. Report layout breakage, missing or stale data, wrong UI state, and visual glitches
3. Report one entry per distinct defect; do not repeat the same defect in different words
4. Use the component name shown on screen when there is one
5. Use "{{capture_id}}" as the capture for every defect

` + responseFormat

const syncTemplate = `# Window Sync Check: {{step_id}}

You are given two screenshots of the same web application. The FIRST image is
the main window. The SECOND image is a pop-out window that must show the same
filters, selection and data as the main window.

## Step
{{description}}

Main window URL: {{url}}
{{#if popout_url}}
Pop-out window URL: {{popout_url}}
{{/if}}

{{#if expected_chips}}
## Filter Chips Expected In Both Windows
{{expected_chips}}
{{/if}}

{{#if expected_count}}
## Expected Result Count
{{expected_count}}
{{/if}}

## Instructions
1. Compare the two windows and report every difference in state or data
2. Use category "sync" for values that differ between the windows
3. Ignore differences in size and position that follow from the window size
4. Use "{{capture_id}}" as the capture for every defect

` + responseFormat

const fixTemplate = `# Fix Visual Regressions: run {{run_id}}

A visual check of the application found defects. The current list is in:

    {{bugs_path}}

Each entry has an id, severity, category, component, the expected and actual
behavior, a suggested fix and the screenshot it was seen in.
{{#if attempt}}
This is fix round {{attempt}}. Earlier fixes did not clear every defect.
{{/if}}

## Instructions
1. Fix every bug with status "open" or "fixing", most severe first
2. Do not change tests or fixtures to hide a defect
3. Leave the bug file alone; the pipeline updates it
4. When you are done with all fixes, signal the pipeline by running:

    {{signal_command}}

The pipeline re-checks each fixed screen after the signal. Bugs that are still
present come back in the next cycle.
`
