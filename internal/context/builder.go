package context

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/lucasnoah/storyfactory/internal/pipeline"
	"github.com/lucasnoah/storyfactory/internal/prompt"
)

// FidelityMode controls how much of the accumulated state is included.
type FidelityMode string

const (
	ModeFull         FidelityMode = "full"
	ModeFindingsOnly FidelityMode = "findings_only"
	ModeMinimal      FidelityMode = "minimal"
)

// ValidModes lists all valid fidelity modes.
var ValidModes = []FidelityMode{ModeFull, ModeFindingsOnly, ModeMinimal}

// IsValidMode checks whether a string is a valid fidelity mode.
func IsValidMode(s string) bool {
	for _, m := range ValidModes {
		if string(m) == s {
			return true
		}
	}
	return false
}

// artifactVars are cleared outside full mode.
var artifactVars = []string{"tasks", "risks", "approach", "effort", "total_effort", "solution_design", "change_set", "delivery", "test_plan", "images"}

// Builder assembles prompt variables for a stage from pipeline state.
type Builder struct {
	units pipeline.EffortUnits
}

// NewBuilder creates a Builder that formats effort with the given units.
func NewBuilder(units pipeline.EffortUnits) *Builder {
	return &Builder{units: units}
}

// BuildOpts configures what context to build.
type BuildOpts struct {
	Stage    pipeline.StageName
	Mode     string
	Feedback string
	// Findings are deterministic check results shown to the Supervisor.
	Findings []string
	// ExistingFiles holds current repository content for files a stage may modify.
	ExistingFiles map[string]*string
	// Vars override everything computed.
	Vars map[string]string
}

// Build returns template variables for a stage based on its fidelity mode.
func (b *Builder) Build(st *pipeline.PipelineState, opts BuildOpts) (prompt.Vars, error) {
	mode := FidelityMode(opts.Mode)
	if mode == "" {
		mode = ModeFull
	}
	if !IsValidMode(string(mode)) {
		return nil, fmt.Errorf("invalid context_mode %q for stage %q", mode, opts.Stage)
	}

	requirement := st.RawRequest
	if st.EnrichedRequirement != nil {
		requirement = *st.EnrichedRequirement
	}
	projectCtx, err := json.Marshal(st.Context)
	if err != nil {
		return nil, fmt.Errorf("marshal project context: %w", err)
	}

	vars := prompt.Vars{
		"stage":               string(opts.Stage),
		"revision":            strconv.Itoa(st.RevisionCounts[opts.Stage]),
		"issue_id":            st.IssueID,
		"story":               st.RawRequest,
		"requirement":         requirement,
		"project_context":     string(projectCtx),
		"acceptance_criteria": bullets(st.AcceptanceCriteria),
		"feedback":            opts.Feedback,
		"findings":            bullets(opts.Findings),
		"existing_files":      formatFiles(opts.ExistingFiles),
		"tasks":               formatTasks(st.Decomposition),
		"risks":               "",
		"approach":            "",
		"effort":              "",
		"total_effort":        FormatHours(st.Estimation.Total()),
		"effort_units":        fmt.Sprintf("1d = %sh, 1 story point = %sh", trimFloat(b.units.HoursPerDay), trimFloat(b.units.HoursPerPoint)),
		"solution_design":     formatDesign(st.SolutionDesign),
		"change_set":          formatChanges(st.CodeChangeSet),
		"delivery":            formatDelivery(st.Delivery),
		"test_plan":           formatTestPlan(st.TestPlan),
		"images":              formatImages(st.Images),
	}
	if st.Decomposition != nil {
		vars["risks"] = bullets(st.Decomposition.Risks)
	}
	if st.Estimation != nil {
		vars["approach"] = st.Estimation.Approach
		vars["effort"] = formatEffort(st.Estimation)
	}

	switch mode {
	case ModeFindingsOnly:
		for _, k := range artifactVars {
			vars[k] = ""
		}
	case ModeMinimal:
		for _, k := range artifactVars {
			vars[k] = ""
		}
		vars["acceptance_criteria"] = ""
		vars["findings"] = ""
	}

	for k, v := range opts.Vars {
		vars[k] = v
	}
	return vars, nil
}

// FormatHours renders a duration as hours, e.g. "12.5h".
func FormatHours(d time.Duration) string {
	return strconv.FormatFloat(d.Hours(), 'f', -1, 64) + "h"
}

// FormatTask renders one task the way every stage prompt lists them.
func FormatTask(t pipeline.TypedTask) string {
	s := fmt.Sprintf("- [%s] %s", t.Type, t.Summary)
	if t.SolutionApproach != "" {
		s += ":\n  Solution approach: " + t.SolutionApproach
	}
	return s
}

func trimFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func bullets(items []string) string {
	if len(items) == 0 {
		return ""
	}
	return "- " + strings.Join(items, "\n- ")
}

func formatTasks(d *pipeline.Decomposition) string {
	tasks := d.AllTasks()
	lines := make([]string, len(tasks))
	for i, t := range tasks {
		lines[i] = FormatTask(t)
	}
	return strings.Join(lines, "\n")
}

func formatEffort(e *pipeline.Estimation) string {
	var lines []string
	for _, track := range pipeline.Tracks {
		if d, ok := e.EffortByTrack[track]; ok {
			lines = append(lines, fmt.Sprintf("- %s: %s", track, FormatHours(time.Duration(d))))
		}
	}
	return strings.Join(lines, "\n")
}

func formatDesign(d *pipeline.SolutionDesign) string {
	if d == nil {
		return ""
	}
	s := d.Title + "\n" + d.Body
	if d.DiagramSpec != "" {
		s += "\n\nDiagram (" + d.DiagramType + "):\n" + d.DiagramSpec
	}
	if d.PageURL != "" {
		s += "\n\nPage: " + d.PageURL
	}
	return s
}

func formatChanges(changes []pipeline.FileChange) string {
	lines := make([]string, len(changes))
	for i, c := range changes {
		lines[i] = fmt.Sprintf("- %s %s", c.Action, c.Path)
	}
	return strings.Join(lines, "\n")
}

func formatDelivery(d *pipeline.Delivery) string {
	if d == nil || !d.Committed {
		return ""
	}
	s := "branch " + d.Branch
	if d.PullRequestURL != "" {
		s += ", pull request " + d.PullRequestURL
	}
	return s
}

func formatTestPlan(plan []pipeline.TestScenario) string {
	var sb strings.Builder
	for _, sc := range plan {
		fmt.Fprintf(&sb, "- %s\n", sc.Title)
		for _, step := range sc.Steps {
			fmt.Fprintf(&sb, "    %s\n", step)
		}
	}
	return strings.TrimRight(sb.String(), "\n")
}

func formatImages(images []pipeline.Image) string {
	lines := make([]string, len(images))
	for i, img := range images {
		name := img.Filename
		if name == "" {
			name = "image"
		}
		lines[i] = fmt.Sprintf("Image %d: %s (%s)", i+1, name, img.URL)
	}
	return strings.Join(lines, "\n")
}

func formatFiles(files map[string]*string) string {
	paths := make([]string, 0, len(files))
	for p, c := range files {
		if c != nil {
			paths = append(paths, p)
		}
	}
	sort.Strings(paths)
	var sb strings.Builder
	for _, p := range paths {
		fmt.Fprintf(&sb, "### %s\n```\n%s\n```\n", p, *files[p])
	}
	return strings.TrimRight(sb.String(), "\n")
}
