// Package prompt renders the instructions sent to the vision model.
package prompt

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

// tagRe matches the three tag forms a prompt may use: {{#if name}},
// {{/if}} and {{name}}. Anything else between braces is plain text.
var tagRe = regexp.MustCompile(`\{\{(?:#if\s+([a-zA-Z_][a-zA-Z0-9_]*)\s*|(/if)|([a-zA-Z_][a-zA-Z0-9_]*))\}\}`)

// Vars maps prompt placeholders to their values.
type Vars map[string]string

// Render fills a prompt template in a single left-to-right pass.
//
// {{name}} is replaced by its value; every referenced name must be present
// in vars. A {{#if name}}...{{/if}} section is kept only when name has a
// non-empty value, and names used inside a dropped section are not
// required. Sections nest. Values are inserted verbatim and never scanned
// for tags.
func Render(tmpl string, vars Vars) (string, error) {
	var (
		out     strings.Builder
		open    []string // names of the enclosing sections
		dropped int      // depth at which output was switched off, 0 if on
		missing []string
		seen    = map[string]bool{}
	)
	emit := func() bool { return dropped == 0 }

	pos := 0
	for _, m := range tagRe.FindAllStringSubmatchIndex(tmpl, -1) {
		if emit() {
			out.WriteString(tmpl[pos:m[0]])
		}
		pos = m[1]

		switch {
		case m[2] >= 0:
			name := tmpl[m[2]:m[3]]
			open = append(open, name)
			if emit() && vars[name] == "" {
				dropped = len(open)
			}
		case m[4] >= 0:
			if len(open) == 0 {
				return "", fmt.Errorf("{{/if}} at offset %d has no matching {{#if}}", m[0])
			}
			if dropped == len(open) {
				dropped = 0
			}
			open = open[:len(open)-1]
		default:
			if !emit() {
				continue
			}
			name := tmpl[m[6]:m[7]]
			val, ok := vars[name]
			if !ok {
				if !seen[name] {
					seen[name] = true
					missing = append(missing, name)
				}
				continue
			}
			out.WriteString(val)
		}
	}
	if emit() {
		out.WriteString(tmpl[pos:])
	}

	if len(open) > 0 {
		return "", fmt.Errorf("unclosed {{#if %s}}", open[len(open)-1])
	}
	if len(missing) > 0 {
		return "", fmt.Errorf("missing template variables: %s", strings.Join(missing, ", "))
	}
	return out.String(), nil
}

// LoadTemplate returns the named template. A file of the same name in dir
// overrides the built-in version.
func LoadTemplate(name string, dir string) (string, error) {
	if dir != "" {
		path := filepath.Join(dir, name)
		// Prevent path traversal: resolved path must be within dir
		absPath, err := filepath.Abs(path)
		if err == nil {
			absDir, err2 := filepath.Abs(dir)
			if err2 == nil && !strings.HasPrefix(absPath, absDir+string(filepath.Separator)) {
				return "", fmt.Errorf("template path %q escapes %s", name, dir)
			}
		}
		if data, err := os.ReadFile(path); err == nil {
			return string(data), nil
		}
	}

	content, ok := builtinTemplates[name]
	if !ok {
		return "", fmt.Errorf("template %q not found", name)
	}
	return content, nil
}

// InstallBuiltinTemplates writes the built-in templates into dir so they can
// be edited. Existing files are left alone.
func InstallBuiltinTemplates(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create templates dir: %w", err)
	}

	for name, content := range builtinTemplates {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err == nil {
			continue // don't overwrite existing
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			return fmt.Errorf("write template %q: %w", name, err)
		}
	}
	return nil
}

// Names returns the built-in template names in sorted order.
func Names() []string {
	names := make([]string, 0, len(builtinTemplates))
	for name := range builtinTemplates {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
