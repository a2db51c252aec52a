package prompt

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

var (
	varRe      = regexp.MustCompile(`\{\{([a-zA-Z_][a-zA-Z0-9_]*)\}\}`)
	ifOpenRe   = regexp.MustCompile(`\{\{#if\s+([a-zA-Z_][a-zA-Z0-9_]*)\s*\}\}`)
	ifCloseStr = "{{/if}}"
)

// UserMarker separates the system part of a stage template from the user part.
const UserMarker = "---user---"

// Vars is a map of variable names to values for template rendering.
type Vars map[string]string

// Render expands a template string with the given variables.
// {{variable}} is replaced with its value. Missing required variables cause an error.
// {{#if variable}}...{{/if}} blocks are included only if the variable is non-empty.
// Values are inserted literally and never re-expanded.
func Render(tmpl string, vars Vars) (string, error) {
	result, err := processConditionals(tmpl, vars)
	if err != nil {
		return "", err
	}

	var missing []string
	expanded := varRe.ReplaceAllStringFunc(result, func(match string) string {
		name := varRe.FindStringSubmatch(match)[1]
		if val, ok := vars[name]; ok {
			return val
		}
		missing = append(missing, name)
		return match
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("missing template variables: %s", strings.Join(missing, ", "))
	}
	return expanded, nil
}

// processConditionals resolves {{#if var}}...{{/if}} blocks innermost first,
// pairing each {{/if}} with the last opening tag before it.
func processConditionals(tmpl string, vars Vars) (string, error) {
	result := tmpl
	for {
		closeIdx := strings.Index(result, ifCloseStr)
		if closeIdx == -1 {
			break
		}
		openLocs := ifOpenRe.FindAllStringSubmatchIndex(result[:closeIdx], -1)
		if openLocs == nil {
			return "", fmt.Errorf("dangling {{/if}} without matching {{#if}}")
		}
		last := openLocs[len(openLocs)-1]
		openStart, openEnd := last[0], last[1]
		name := result[last[2]:last[3]]

		var body string
		if val, ok := vars[name]; ok && val != "" {
			body = result[openEnd:closeIdx]
		}
		result = result[:openStart] + body + result[closeIdx+len(ifCloseStr):]
	}

	if loc := ifOpenRe.FindString(result); loc != "" {
		return "", fmt.Errorf("unclosed conditional block: %s", loc)
	}
	return result, nil
}

// Split divides a rendered stage prompt into its system and user parts. A
// prompt without the marker is all user content.
func Split(rendered string) (system, user string) {
	before, after, found := strings.Cut(rendered, "\n"+UserMarker+"\n")
	if !found {
		return "", strings.TrimSpace(rendered)
	}
	return strings.TrimSpace(before), strings.TrimSpace(after)
}

// Loader resolves stage templates. Lookup order: OverrideDir (per project),
// Dir (installed templates, ~/.storyfactory/templates), then the built-in set.
type Loader struct {
	OverrideDir string
	Dir         string
}

// NewLoader creates a Loader using the installed template directory.
func NewLoader(overrideDir string) *Loader {
	return &Loader{OverrideDir: overrideDir, Dir: DefaultDir()}
}

// Load returns the template named name, e.g. "coding.md".
func (l *Loader) Load(name string) (string, error) {
	if filepath.IsAbs(name) || strings.Contains(filepath.ToSlash(name), "..") {
		return "", fmt.Errorf("template path %q escapes template dir", name)
	}
	for _, dir := range []string{l.OverrideDir, l.Dir} {
		if dir == "" {
			continue
		}
		if data, err := os.ReadFile(filepath.Join(dir, name)); err == nil {
			return string(data), nil
		}
	}
	if t, ok := builtinTemplates[name]; ok {
		return t, nil
	}
	return "", fmt.Errorf("template %q not found", name)
}

// DefaultDir returns ~/.storyfactory/templates, or "" if home is unknown.
func DefaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".storyfactory", "templates")
}

// InstallBuiltinTemplates writes the built-in templates to dir if they don't
// already exist and returns the names written.
func InstallBuiltinTemplates(dir string) ([]string, error) {
	if dir == "" {
		return nil, fmt.Errorf("no template directory")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create templates dir: %w", err)
	}

	var written []string
	for _, name := range BuiltinNames() {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err == nil {
			continue // don't overwrite existing
		}
		if err := os.WriteFile(path, []byte(builtinTemplates[name]), 0o644); err != nil {
			return written, fmt.Errorf("write template %q: %w", name, err)
		}
		written = append(written, name)
	}
	return written, nil
}
