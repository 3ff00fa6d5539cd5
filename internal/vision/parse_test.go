package vision

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lucasnoah/healfactory/internal/bugs"
)

func TestParse_FencedJSON(t *testing.T) {
	reply := "Here is my analysis:\n```json\n" + `{
  "bugs": [
    {
      "id": "BUG-LAYOUT-001",
      "severity": "HIGH",
      "category": "layout",
      "component": "Header",
      "description": "Logo overlaps the navigation menu",
      "expected": "Logo left of the menu",
      "actual": "Logo on top of the menu",
      "suggested_fix": "Add a flex gap in header.css",
    },
  ],
  "observations": ["Page otherwise renders"]
}` + "\n```\nLet me know if you need more."

	out := Parse("home", reply)
	parsed, ok := out.(Parsed)
	require.True(t, ok, "expected Parsed, got %T", out)

	a := parsed.Result()
	assert.Equal(t, "home", a.CaptureID)
	require.Len(t, a.Bugs, 1)
	b := a.Bugs[0]
	assert.Equal(t, "BUG-LAYOUT-001", b.ID)
	assert.Equal(t, bugs.SeverityHigh, b.Severity)
	assert.Equal(t, bugs.CategoryLayout, b.Category)
	assert.Equal(t, "Header", b.Component)
	assert.Equal(t, "home", b.CaptureID)
	assert.Equal(t, "Logo on top of the menu", b.Actual)
	assert.Equal(t, []string{"Page otherwise renders"}, a.Observations)
}

func TestParse_Variants(t *testing.T) {
	tests := []struct {
		name      string
		reply     string
		wantBugs  int
		wantNotes int
	}{
		{"bare object", `{"bugs": [], "observations": []}`, 0, 0},
		{"fence without tag", "```\n{\"bugs\": [{\"component\": \"Chart\"}]}\n```", 1, 0},
		{"prose around object", `Sure. {"bugs": [{"component": "Map"}], "observations": "all good"} Done.`, 1, 1},
		{"behavior aliases", `{"bugs": [{"component": "Map", "expected_behavior": "x", "actual_behavior": "y"}]}`, 1, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := Parse("cap", tt.reply)
			require.IsType(t, Parsed{}, out)
			a := out.Result()
			assert.Len(t, a.Bugs, tt.wantBugs)
			assert.Len(t, a.Observations, tt.wantNotes)
		})
	}
}

func TestParse_BehaviorAliases(t *testing.T) {
	out := Parse("cap", `{"bugs": [{"component": "Map", "expected_behavior": "pins", "actual_behavior": "blank"}]}`)
	b := out.Result().Bugs[0]
	assert.Equal(t, "pins", b.Expected)
	assert.Equal(t, "blank", b.Actual)
}

func TestParse_UnknownEnumsNormalized(t *testing.T) {
	out := Parse("cap", `{"bugs": [{"severity": "urgent", "category": "Layout", "component": "Grid"}]}`)
	b := out.Result().Bugs[0]
	assert.Equal(t, bugs.SeverityMedium, b.Severity)
	assert.Equal(t, bugs.CategoryLayout, b.Category)
}

func TestParse_Fallback(t *testing.T) {
	tests := []struct {
		name  string
		reply string
	}{
		{"no object", "I could not see the screenshot."},
		{"broken object", `{"bugs": [{"component": "Header"`},
		{"wrong shape", `{"bugs": "none"}`},
		{"empty", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := Parse("home", tt.reply)
			fb, ok := out.(Fallback)
			require.True(t, ok, "expected Fallback, got %T", out)
			assert.NotEmpty(t, fb.Reason)
			assert.Equal(t, tt.reply, fb.Raw)

			a := out.Result()
			assert.Equal(t, "home", a.CaptureID)
			assert.Empty(t, a.Bugs)
			require.Len(t, a.Observations, 1)
			assert.Contains(t, a.Observations[0], "could not be parsed")
		})
	}
}

func TestExtractJSON_TrailingCommas(t *testing.T) {
	got := extractJSON(`{"a": [1, 2, ], "b": {"c": 1, }, }`)
	assert.Equal(t, `{"a": [1, 2], "b": {"c": 1}}`, got)
}

func TestWellFormedID(t *testing.T) {
	valid := []string{"BUG-LAYOUT-001", "BUG-SYNC-12"}
	invalid := []string{"", "BUG-<CATEGORY>-NNN", "BUG-{category}-001", "BUG-DATA-XXX", "layout bug", "BUG-001"}
	for _, id := range valid {
		assert.True(t, wellFormedID.MatchString(id), id)
	}
	for _, id := range invalid {
		assert.False(t, wellFormedID.MatchString(id), id)
	}
}
