package pipeline

import (
	"strings"
	"time"
)

// StageName identifies a registered pipeline stage.
type StageName string

const (
	StageEnrichment     StageName = "enrichment"
	StageDecomposition  StageName = "decomposition"
	StageEstimation     StageName = "estimation"
	StageSolutionDesign StageName = "solution_design"
	StageCoding         StageName = "coding"
	StageTesting        StageName = "testing"
	StageSupervisor     StageName = "supervisor"
)

// AllStages lists every stage in default execution order.
var AllStages = []StageName{
	StageEnrichment,
	StageDecomposition,
	StageEstimation,
	StageSolutionDesign,
	StageCoding,
	StageTesting,
	StageSupervisor,
}

// stageAliases maps spellings seen in inference output to canonical names.
var stageAliases = map[string]StageName{
	"solutiondesign":    StageSolutionDesign,
	"solution-design":   StageSolutionDesign,
	"solutionarchitect": StageSolutionDesign,
	"design":            StageSolutionDesign,
	"tests":             StageTesting,
	"test":              StageTesting,
	"code":              StageCoding,
	"git":               StageCoding,
	"enrich":            StageEnrichment,
	"estimate":          StageEstimation,
	"decompose":         StageDecomposition,
}

// ParseStageName resolves a stage name or one of its aliases.
func ParseStageName(s string) (StageName, bool) {
	for _, n := range AllStages {
		if string(n) == s {
			return n, true
		}
	}
	key := strings.ToLower(strings.TrimSpace(s))
	for _, n := range AllStages {
		if string(n) == key {
			return n, true
		}
	}
	if n, ok := stageAliases[key]; ok {
		return n, true
	}
	return "", false
}

// Field names a mergeable PipelineState field.
type Field string

const (
	FieldEnrichedRequirement Field = "enrichedRequirement"
	FieldAcceptanceCriteria  Field = "acceptanceCriteria"
	FieldDecomposition       Field = "decomposition"
	FieldEstimation          Field = "estimation"
	FieldSolutionDesign      Field = "solutionDesign"
	FieldCodeChangeSet       Field = "codeChangeSet"
	FieldDelivery            Field = "delivery"
	FieldTestPlan            Field = "testPlan"
	FieldSupervisorDecision  Field = "supervisorDecision"
	FieldFeedback            Field = "feedback"
)

// Track is an effort estimation track.
type Track string

const (
	TrackFE     Track = "FE"
	TrackBE     Track = "BE"
	TrackQA     Track = "QA"
	TrackReview Track = "Review"
)

// Tracks lists the known estimation tracks.
var Tracks = []Track{TrackFE, TrackBE, TrackQA, TrackReview}

// FileAction is the operation a code change performs on a path.
type FileAction string

const (
	ActionCreate FileAction = "create"
	ActionModify FileAction = "modify"
	ActionDelete FileAction = "delete"
)

// Image is a visual reference attached to the incoming request.
type Image struct {
	URL      string `json:"url"`
	Base64   string `json:"base64,omitempty"`
	Filename string `json:"filename,omitempty"`
}

// RequestContext carries caller-supplied project hints.
type RequestContext struct {
	RepoOwner   string   `json:"repoOwner,omitempty"`
	RepoName    string   `json:"repoName,omitempty"`
	ProjectKey  string   `json:"projectKey,omitempty"`
	TechStack   []string `json:"techStack,omitempty"`
	Constraints []string `json:"constraints,omitempty"`
}

// Task is a single decomposed unit of work.
type Task struct {
	Summary          string `json:"summary"`
	SolutionApproach string `json:"solutionApproach"`
}

// Decomposition splits the requirement into frontend, backend and shared work.
type Decomposition struct {
	FETasks     []Task   `json:"feTasks"`
	BETasks     []Task   `json:"beTasks"`
	SharedTasks []Task   `json:"sharedTasks"`
	Risks       []string `json:"risks"`
}

// TaskCount returns the number of tasks across all sections.
func (d *Decomposition) TaskCount() int {
	if d == nil {
		return 0
	}
	return len(d.FETasks) + len(d.BETasks) + len(d.SharedTasks)
}

// TypedTask is a Task labelled with the section it came from.
type TypedTask struct {
	Type string
	Task
}

// AllTasks flattens the decomposition in FE, BE, Shared order.
func (d *Decomposition) AllTasks() []TypedTask {
	if d == nil {
		return nil
	}
	out := make([]TypedTask, 0, d.TaskCount())
	for _, t := range d.FETasks {
		out = append(out, TypedTask{Type: "FE", Task: t})
	}
	for _, t := range d.BETasks {
		out = append(out, TypedTask{Type: "BE", Task: t})
	}
	for _, t := range d.SharedTasks {
		out = append(out, TypedTask{Type: "Shared", Task: t})
	}
	return out
}

// Estimation is the effort estimate and implementation approach.
type Estimation struct {
	Approach      string             `json:"approach"`
	EffortByTrack map[Track]Duration `json:"effortByTrack"`
}

// Total sums effort across all tracks.
func (e *Estimation) Total() time.Duration {
	if e == nil {
		return 0
	}
	var total time.Duration
	for _, d := range e.EffortByTrack {
		total += time.Duration(d)
	}
	return total
}

// SolutionDesign is produced only when the effort threshold is exceeded.
type SolutionDesign struct {
	Title       string `json:"title"`
	Body        string `json:"body"`
	DiagramSpec string `json:"diagramSpec,omitempty"`
	DiagramType string `json:"diagramType,omitempty"`
	PageID      string `json:"pageId,omitempty"`
	PageURL     string `json:"pageUrl,omitempty"`
}

// FileChange is one proposed change to the target repository.
type FileChange struct {
	Path    string     `json:"path"`
	Action  FileAction `json:"action"`
	Content string     `json:"content,omitempty"`
}

// Delivery records where the code change set was pushed.
type Delivery struct {
	Branch         string `json:"branch,omitempty"`
	PullRequestURL string `json:"pullRequestUrl,omitempty"`
	Committed      bool   `json:"committed"`
}

// TestScenario is a titled sequence of test steps.
type TestScenario struct {
	Title string   `json:"title"`
	Steps []string `json:"steps"`
}

// DecisionStatus is the Supervisor's verdict.
type DecisionStatus string

const (
	DecisionOK            DecisionStatus = "ok"
	DecisionNeedsRevision DecisionStatus = "needs_revision"
	DecisionError         DecisionStatus = "error"
)

// SupervisorDecision is the Supervisor's classification of the accumulated artifacts.
type SupervisorDecision struct {
	Status         DecisionStatus `json:"status"`
	Missing        []StageName    `json:"missing"`
	RevisionNeeded []StageName    `json:"revisionNeeded"`
	Feedback       Feedback       `json:"feedback"`
}

// PipelineState is threaded through every stage of a single run.
type PipelineState struct {
	RequestID  string         `json:"requestId"`
	IssueID    string         `json:"issueId,omitempty"`
	RawRequest string         `json:"rawRequest"`
	Images     []Image        `json:"images,omitempty"`
	Context    RequestContext `json:"context"`

	EnrichedRequirement *string             `json:"enrichedRequirement,omitempty"`
	AcceptanceCriteria  []string            `json:"acceptanceCriteria"`
	Decomposition       *Decomposition      `json:"decomposition,omitempty"`
	Estimation          *Estimation         `json:"estimation,omitempty"`
	SolutionDesign      *SolutionDesign     `json:"solutionDesign,omitempty"`
	CodeChangeSet       []FileChange        `json:"codeChangeSet"`
	Delivery            *Delivery           `json:"delivery,omitempty"`
	TestPlan            []TestScenario      `json:"testPlan"`
	SupervisorDecision  *SupervisorDecision `json:"supervisorDecision,omitempty"`

	Feedback        map[StageName]string `json:"feedback"`
	RevisionCounts  map[StageName]int    `json:"revisionCounts"`
	ValidationNotes []string             `json:"validationNotes"`
	Logs            []string             `json:"logs"`
	Version         int                  `json:"version"`

	// Produced tracks sequence-valued fields written by a stage, since an
	// empty slice is a legitimate stage output.
	Produced map[Field]bool `json:"produced,omitempty"`
}

// New creates the initial state for a request.
func New(requestID, issueID, rawRequest string) *PipelineState {
	return &PipelineState{
		RequestID:          requestID,
		IssueID:            issueID,
		RawRequest:         rawRequest,
		AcceptanceCriteria: []string{},
		CodeChangeSet:      []FileChange{},
		TestPlan:           []TestScenario{},
		Feedback:           map[StageName]string{},
		RevisionCounts:     map[StageName]int{},
		ValidationNotes:    []string{},
		Logs:               []string{},
		Produced:           map[Field]bool{},
	}
}

// IsSet reports whether a field has been produced by some stage.
func (s *PipelineState) IsSet(f Field) bool {
	switch f {
	case FieldEnrichedRequirement:
		return s.EnrichedRequirement != nil
	case FieldDecomposition:
		return s.Decomposition != nil
	case FieldEstimation:
		return s.Estimation != nil
	case FieldSolutionDesign:
		return s.SolutionDesign != nil
	case FieldDelivery:
		return s.Delivery != nil
	case FieldSupervisorDecision:
		return s.SupervisorDecision != nil
	case FieldFeedback:
		return len(s.Feedback) > 0
	}
	return s.Produced[f]
}

// MarkSet records a sequence-valued field as produced. Used when seeding
// state from request input.
func (s *PipelineState) MarkSet(f Field) {
	if s.Produced == nil {
		s.Produced = map[Field]bool{}
	}
	s.Produced[f] = true
}

// Clone returns a deep copy so stages receive a read-only view.
func (s *PipelineState) Clone() *PipelineState {
	c := *s
	c.Images = append([]Image(nil), s.Images...)
	c.Context.TechStack = append([]string(nil), s.Context.TechStack...)
	c.Context.Constraints = append([]string(nil), s.Context.Constraints...)
	if s.EnrichedRequirement != nil {
		v := *s.EnrichedRequirement
		c.EnrichedRequirement = &v
	}
	c.AcceptanceCriteria = append([]string{}, s.AcceptanceCriteria...)
	c.Decomposition = cloneDecomposition(s.Decomposition)
	c.Estimation = cloneEstimation(s.Estimation)
	if s.SolutionDesign != nil {
		v := *s.SolutionDesign
		c.SolutionDesign = &v
	}
	c.CodeChangeSet = append([]FileChange{}, s.CodeChangeSet...)
	if s.Delivery != nil {
		v := *s.Delivery
		c.Delivery = &v
	}
	c.TestPlan = cloneTestPlan(s.TestPlan)
	c.SupervisorDecision = cloneDecision(s.SupervisorDecision)
	c.Feedback = make(map[StageName]string, len(s.Feedback))
	for k, v := range s.Feedback {
		c.Feedback[k] = v
	}
	c.RevisionCounts = make(map[StageName]int, len(s.RevisionCounts))
	for k, v := range s.RevisionCounts {
		c.RevisionCounts[k] = v
	}
	c.ValidationNotes = append([]string{}, s.ValidationNotes...)
	c.Logs = append([]string{}, s.Logs...)
	c.Produced = make(map[Field]bool, len(s.Produced))
	for k, v := range s.Produced {
		c.Produced[k] = v
	}
	return &c
}

func cloneDecomposition(d *Decomposition) *Decomposition {
	if d == nil {
		return nil
	}
	return &Decomposition{
		FETasks:     append([]Task{}, d.FETasks...),
		BETasks:     append([]Task{}, d.BETasks...),
		SharedTasks: append([]Task{}, d.SharedTasks...),
		Risks:       append([]string{}, d.Risks...),
	}
}

func cloneEstimation(e *Estimation) *Estimation {
	if e == nil {
		return nil
	}
	c := &Estimation{Approach: e.Approach, EffortByTrack: make(map[Track]Duration, len(e.EffortByTrack))}
	for k, v := range e.EffortByTrack {
		c.EffortByTrack[k] = v
	}
	return c
}

func cloneTestPlan(p []TestScenario) []TestScenario {
	out := make([]TestScenario, len(p))
	for i, sc := range p {
		out[i] = TestScenario{Title: sc.Title, Steps: append([]string{}, sc.Steps...)}
	}
	return out
}

func cloneDecision(d *SupervisorDecision) *SupervisorDecision {
	if d == nil {
		return nil
	}
	c := *d
	c.Missing = append([]StageName{}, d.Missing...)
	c.RevisionNeeded = append([]StageName{}, d.RevisionNeeded...)
	c.Feedback = d.Feedback.clone()
	return &c
}
