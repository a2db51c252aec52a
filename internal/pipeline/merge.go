package pipeline

import (
	"errors"
	"fmt"
	"path"
	"strings"
)

// FieldRevisionCounts is owned by the executor; stages may not write it.
const FieldRevisionCounts Field = "revisionCounts"

// Patch is a partial state update returned by a stage. Nil pointers and
// empty maps mean "not present"; everything not present is retained.
type Patch struct {
	EnrichedRequirement *string
	AcceptanceCriteria  *[]string
	Decomposition       *Decomposition
	Estimation          *Estimation
	SolutionDesign      *SolutionDesign
	CodeChangeSet       *[]FileChange
	Delivery            *Delivery
	TestPlan            *[]TestScenario
	SupervisorDecision  *SupervisorDecision

	// Feedback entries replace the stored guidance key by key.
	Feedback map[StageName]string
	// RevisionCounts holds increments, not absolute values.
	RevisionCounts map[StageName]int

	ValidationNotes []string
	Logs            []string
}

// Fields lists the declared fields present in the patch.
func (p Patch) Fields() []Field {
	var out []Field
	if p.EnrichedRequirement != nil {
		out = append(out, FieldEnrichedRequirement)
	}
	if p.AcceptanceCriteria != nil {
		out = append(out, FieldAcceptanceCriteria)
	}
	if p.Decomposition != nil {
		out = append(out, FieldDecomposition)
	}
	if p.Estimation != nil {
		out = append(out, FieldEstimation)
	}
	if p.SolutionDesign != nil {
		out = append(out, FieldSolutionDesign)
	}
	if p.CodeChangeSet != nil {
		out = append(out, FieldCodeChangeSet)
	}
	if p.Delivery != nil {
		out = append(out, FieldDelivery)
	}
	if p.TestPlan != nil {
		out = append(out, FieldTestPlan)
	}
	if p.SupervisorDecision != nil {
		out = append(out, FieldSupervisorDecision)
	}
	if len(p.Feedback) > 0 {
		out = append(out, FieldFeedback)
	}
	if len(p.RevisionCounts) > 0 {
		out = append(out, FieldRevisionCounts)
	}
	return out
}

// IsEmpty reports whether the patch carries nothing at all.
func (p Patch) IsEmpty() bool {
	return len(p.Fields()) == 0 && len(p.ValidationNotes) == 0 && len(p.Logs) == 0
}

// Restrict drops every field not in allowed and returns the names dropped.
// Logs and validation notes always pass through.
func (p Patch) Restrict(allowed []Field) (Patch, []Field) {
	ok := make(map[Field]bool, len(allowed))
	for _, f := range allowed {
		ok[f] = true
	}
	var dropped []Field
	for _, f := range p.Fields() {
		if ok[f] {
			continue
		}
		dropped = append(dropped, f)
		switch f {
		case FieldEnrichedRequirement:
			p.EnrichedRequirement = nil
		case FieldAcceptanceCriteria:
			p.AcceptanceCriteria = nil
		case FieldDecomposition:
			p.Decomposition = nil
		case FieldEstimation:
			p.Estimation = nil
		case FieldSolutionDesign:
			p.SolutionDesign = nil
		case FieldCodeChangeSet:
			p.CodeChangeSet = nil
		case FieldDelivery:
			p.Delivery = nil
		case FieldTestPlan:
			p.TestPlan = nil
		case FieldSupervisorDecision:
			p.SupervisorDecision = nil
		case FieldFeedback:
			p.Feedback = nil
		case FieldRevisionCounts:
			p.RevisionCounts = nil
		}
	}
	return p, dropped
}

// Merge applies p to current and returns the next state. current is never
// modified. A field whose value fails validation keeps its previous value,
// or takes its declared default if it was never set, and the rejection is
// recorded in the logs.
func Merge(current *PipelineState, p Patch) *PipelineState {
	next := current.Clone()
	if p.IsEmpty() {
		return next
	}

	reject := func(f Field, err error) {
		next.Logs = append(next.Logs, fmt.Sprintf("merge:rejected:%s:%v", f, err))
		if current.IsSet(f) {
			return
		}
		applyDefault(next, f)
	}

	if p.EnrichedRequirement != nil {
		if err := validateRequirement(*p.EnrichedRequirement); err != nil {
			reject(FieldEnrichedRequirement, err)
		} else {
			v := *p.EnrichedRequirement
			next.EnrichedRequirement = &v
		}
	}
	if p.AcceptanceCriteria != nil {
		if err := validateCriteria(*p.AcceptanceCriteria); err != nil {
			reject(FieldAcceptanceCriteria, err)
		} else {
			next.AcceptanceCriteria = append([]string{}, *p.AcceptanceCriteria...)
			next.MarkSet(FieldAcceptanceCriteria)
		}
	}
	if p.Decomposition != nil {
		if err := ValidateDecomposition(p.Decomposition); err != nil {
			reject(FieldDecomposition, err)
		} else {
			next.Decomposition = normalizeDecomposition(cloneDecomposition(p.Decomposition))
		}
	}
	if p.Estimation != nil {
		if err := ValidateEstimation(p.Estimation); err != nil {
			reject(FieldEstimation, err)
		} else {
			e := cloneEstimation(p.Estimation)
			if e.EffortByTrack == nil {
				e.EffortByTrack = map[Track]Duration{}
			}
			next.Estimation = e
		}
	}
	if p.SolutionDesign != nil {
		if err := ValidateSolutionDesign(p.SolutionDesign); err != nil {
			reject(FieldSolutionDesign, err)
		} else {
			v := *p.SolutionDesign
			next.SolutionDesign = &v
		}
	}
	if p.CodeChangeSet != nil {
		if err := ValidateChangeSet(*p.CodeChangeSet); err != nil {
			reject(FieldCodeChangeSet, err)
		} else {
			next.CodeChangeSet = append([]FileChange{}, *p.CodeChangeSet...)
			next.MarkSet(FieldCodeChangeSet)
		}
	}
	if p.Delivery != nil {
		v := *p.Delivery
		next.Delivery = &v
	}
	if p.TestPlan != nil {
		if err := ValidateTestPlan(*p.TestPlan); err != nil {
			reject(FieldTestPlan, err)
		} else {
			next.TestPlan = normalizeTestPlan(cloneTestPlan(*p.TestPlan))
			next.MarkSet(FieldTestPlan)
		}
	}
	if p.SupervisorDecision != nil {
		if err := ValidateDecision(p.SupervisorDecision); err != nil {
			reject(FieldSupervisorDecision, err)
		} else {
			next.SupervisorDecision = cloneDecision(p.SupervisorDecision)
		}
	}
	for stage, text := range p.Feedback {
		next.Feedback[stage] = text
	}
	for stage, inc := range p.RevisionCounts {
		if inc < 0 {
			next.Logs = append(next.Logs, fmt.Sprintf("merge:rejected:%s:%s:negative increment %d", FieldRevisionCounts, stage, inc))
			continue
		}
		next.RevisionCounts[stage] += inc
	}

	next.ValidationNotes = append(next.ValidationNotes, p.ValidationNotes...)
	next.Logs = append(next.Logs, p.Logs...)
	next.Version++
	return next
}

// applyDefault writes the declared default for a field that has none yet.
func applyDefault(s *PipelineState, f Field) {
	switch f {
	case FieldEnrichedRequirement:
		v := s.RawRequest
		s.EnrichedRequirement = &v
	case FieldAcceptanceCriteria:
		s.AcceptanceCriteria = []string{}
		s.MarkSet(f)
	case FieldDecomposition:
		s.Decomposition = DefaultDecomposition()
	case FieldEstimation:
		s.Estimation = DefaultEstimation()
	case FieldSolutionDesign:
		s.SolutionDesign = &SolutionDesign{Title: "Solution design unavailable"}
	case FieldCodeChangeSet:
		s.CodeChangeSet = []FileChange{}
		s.MarkSet(f)
	case FieldTestPlan:
		s.TestPlan = []TestScenario{}
		s.MarkSet(f)
	case FieldSupervisorDecision:
		s.SupervisorDecision = &SupervisorDecision{
			Status:         DecisionError,
			Missing:        []StageName{},
			RevisionNeeded: []StageName{},
			Feedback:       Feedback{General: "supervisor decision failed validation"},
		}
	}
}

// DefaultDecomposition is the empty decomposition used when none could be produced.
func DefaultDecomposition() *Decomposition {
	return &Decomposition{FETasks: []Task{}, BETasks: []Task{}, SharedTasks: []Task{}, Risks: []string{}}
}

// DefaultEstimation is the estimate used when none could be produced.
func DefaultEstimation() *Estimation {
	return &Estimation{
		Approach:      "Failed to generate detailed approach. Manual review needed.",
		EffortByTrack: map[Track]Duration{},
	}
}

func validateRequirement(s string) error {
	if strings.TrimSpace(s) == "" {
		return errors.New("requirement is empty")
	}
	return nil
}

func validateCriteria(c []string) error {
	for i, s := range c {
		if strings.TrimSpace(s) == "" {
			return fmt.Errorf("criterion %d is empty", i)
		}
	}
	return nil
}

// ValidateDecomposition checks every task carries a summary.
func ValidateDecomposition(d *Decomposition) error {
	for _, t := range d.AllTasks() {
		if strings.TrimSpace(t.Summary) == "" {
			return fmt.Errorf("%s task without summary", t.Type)
		}
	}
	for i, r := range d.Risks {
		if strings.TrimSpace(r) == "" {
			return fmt.Errorf("risk %d is empty", i)
		}
	}
	return nil
}

// ValidateEstimation checks tracks are known and effort is non-negative.
func ValidateEstimation(e *Estimation) error {
	for track, d := range e.EffortByTrack {
		if !knownTrack(track) {
			return fmt.Errorf("unknown track %q", track)
		}
		if d < 0 {
			return fmt.Errorf("negative effort for %s", track)
		}
	}
	return nil
}

func knownTrack(t Track) bool {
	for _, k := range Tracks {
		if k == t {
			return true
		}
	}
	return false
}

// ValidateSolutionDesign requires a title.
func ValidateSolutionDesign(d *SolutionDesign) error {
	if strings.TrimSpace(d.Title) == "" {
		return errors.New("solution design without title")
	}
	return nil
}

// ValidateChangeSet checks paths are relative, unique and actions well formed.
func ValidateChangeSet(changes []FileChange) error {
	seen := make(map[string]bool, len(changes))
	for _, c := range changes {
		if err := validateChangePath(c.Path); err != nil {
			return err
		}
		if seen[c.Path] {
			return fmt.Errorf("duplicate change for %s", c.Path)
		}
		seen[c.Path] = true
		switch c.Action {
		case ActionCreate, ActionDelete:
		case ActionModify:
			if c.Content == "" {
				return fmt.Errorf("modify of %s without content", c.Path)
			}
		default:
			return fmt.Errorf("invalid action %q for %s", c.Action, c.Path)
		}
	}
	return nil
}

func validateChangePath(p string) error {
	if strings.TrimSpace(p) == "" {
		return errors.New("change without path")
	}
	if strings.HasPrefix(p, "/") {
		return fmt.Errorf("absolute path %s", p)
	}
	clean := path.Clean(p)
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return fmt.Errorf("path %s escapes the repository", p)
	}
	return nil
}

// ValidateTestPlan requires every scenario to be titled.
func ValidateTestPlan(plan []TestScenario) error {
	for i, sc := range plan {
		if strings.TrimSpace(sc.Title) == "" {
			return fmt.Errorf("scenario %d without title", i)
		}
	}
	return nil
}

// ValidateDecision checks the verdict status is one of the known values.
func ValidateDecision(d *SupervisorDecision) error {
	switch d.Status {
	case DecisionOK, DecisionNeedsRevision, DecisionError:
		return nil
	}
	return fmt.Errorf("unknown supervisor status %q", d.Status)
}

func normalizeDecomposition(d *Decomposition) *Decomposition {
	if d.FETasks == nil {
		d.FETasks = []Task{}
	}
	if d.BETasks == nil {
		d.BETasks = []Task{}
	}
	if d.SharedTasks == nil {
		d.SharedTasks = []Task{}
	}
	if d.Risks == nil {
		d.Risks = []string{}
	}
	return d
}

func normalizeTestPlan(p []TestScenario) []TestScenario {
	for i := range p {
		if p[i].Steps == nil {
			p[i].Steps = []string{}
		}
	}
	return p
}
