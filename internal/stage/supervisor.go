package stage

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/lucasnoah/storyfactory/internal/collab"
	appctx "github.com/lucasnoah/storyfactory/internal/context"
	"github.com/lucasnoah/storyfactory/internal/pipeline"
)

var supervisorSchema = collab.Schema{
	Name:        "SupervisorDecision",
	Description: "Verdict on the accumulated artifacts and the stages that must be revised",
	Required:    []string{"status"},
}

// ParseFailureFeedback is the feedback recorded when the verdict cannot be parsed.
const ParseFailureFeedback = "Supervisor failed to parse LLM response"

type supervisorOutput struct {
	Status         string            `json:"status"`
	Missing        []string          `json:"missing"`
	RevisionNeeded []string          `json:"revisionNeeded"`
	Feedback       pipeline.Feedback `json:"feedback"`
}

func (o *supervisorOutput) Validate() error {
	if _, ok := parseStatus(o.Status); !ok {
		return fmt.Errorf("unknown status %q", o.Status)
	}
	return nil
}

func parseStatus(s string) (pipeline.DecisionStatus, bool) {
	switch strings.ToLower(strings.NewReplacer(" ", "_", "-", "_").Replace(strings.TrimSpace(s))) {
	case "ok", "approved", "accept", "accepted":
		return pipeline.DecisionOK, true
	case "needs_revision", "revise", "revision_needed":
		return pipeline.DecisionNeedsRevision, true
	case "error":
		return pipeline.DecisionError, true
	}
	return "", false
}

// Finding is a deterministic artifact check failure attributed to a stage.
type Finding struct {
	Stage   pipeline.StageName
	Message string
}

func (f Finding) String() string {
	return fmt.Sprintf("%s: %s", f.Stage, f.Message)
}

// ArtifactFindings runs the deterministic presence and shape checks.
func ArtifactFindings(st *pipeline.PipelineState) []Finding {
	var out []Finding
	tasks := st.Decomposition.TaskCount()
	if tasks == 0 {
		out = append(out, Finding{pipeline.StageDecomposition, "decomposition has no tasks"})
	}
	if st.Estimation.Total() <= 0 {
		out = append(out, Finding{pipeline.StageEstimation, "estimation has no positive effort"})
	}
	switch sections := taskSections(st.Decomposition); {
	case tasks > 0 && len(st.CodeChangeSet) == 0:
		out = append(out, Finding{pipeline.StageCoding, fmt.Sprintf("no code changes for %d tasks", tasks)})
	case len(st.CodeChangeSet) < sections:
		out = append(out, Finding{pipeline.StageCoding, fmt.Sprintf("%d code changes for %d task sections", len(st.CodeChangeSet), sections)})
	}
	if n := len(st.AcceptanceCriteria); n > 0 {
		switch {
		case len(st.TestPlan) == 0:
			out = append(out, Finding{pipeline.StageTesting, fmt.Sprintf("no test scenarios for %d acceptance criteria", n)})
		case referencedCriteria(st) == 0:
			out = append(out, Finding{pipeline.StageTesting, "test plan references none of the acceptance criteria"})
		}
	}
	return out
}

// taskSections counts the non-empty FE, BE and shared task lists.
func taskSections(d *pipeline.Decomposition) int {
	if d == nil {
		return 0
	}
	n := 0
	for _, ts := range [][]pipeline.Task{d.FETasks, d.BETasks, d.SharedTasks} {
		if len(ts) > 0 {
			n++
		}
	}
	return n
}

// referencedCriteria counts criteria whose text appears in some scenario.
func referencedCriteria(st *pipeline.PipelineState) int {
	var corpus strings.Builder
	for _, sc := range st.TestPlan {
		corpus.WriteString(strings.ToLower(sc.Title))
		corpus.WriteString("\n")
		for _, step := range sc.Steps {
			corpus.WriteString(strings.ToLower(step))
			corpus.WriteString("\n")
		}
	}
	text := corpus.String()
	n := 0
	for _, ac := range st.AcceptanceCriteria {
		if strings.Contains(text, strings.ToLower(strings.TrimSpace(ac))) {
			n++
		}
	}
	return n
}

// Supervisor classifies the accumulated artifacts and names stages to revise.
type Supervisor struct{ env *Env }

// NewSupervisor creates the supervisor stage.
func NewSupervisor(env *Env) *Supervisor { return &Supervisor{env: env} }

func (s *Supervisor) Name() pipeline.StageName { return pipeline.StageSupervisor }

func (s *Supervisor) Run(ctx context.Context, in Input) pipeline.StageResult {
	st := in.State
	findings := ArtifactFindings(st)
	lines := make([]string, len(findings))
	for i, f := range findings {
		lines[i] = f.String()
	}

	raw, fatal, err := s.env.infer(ctx, s.Name(), st, appctx.BuildOpts{Findings: lines}, supervisorSchema)
	if fatal != nil {
		return *fatal
	}
	var out supervisorOutput
	if err == nil {
		out, err = ParseOrDefault(raw, supervisorSchema, supervisorOutput{})
	}
	if err != nil {
		// Not retried: an unreadable verdict ends the run as degraded.
		decision := &pipeline.SupervisorDecision{
			Status:         pipeline.DecisionError,
			Missing:        []pipeline.StageName{},
			RevisionNeeded: []pipeline.StageName{},
			Feedback:       pipeline.Feedback{General: ParseFailureFeedback},
		}
		return pipeline.Degraded(pipeline.Patch{
			SupervisorDecision: decision,
			Logs:               []string{"supervisor:parse_failed", "supervisor:status:error"},
		}, failureNote("supervisor", failureKind(err), err))
	}

	decision, logs := s.decide(out, findings)
	logs = append(logs, "supervisor:status:"+string(decision.Status))
	s.env.logger().Info("supervisor verdict",
		zap.String("status", string(decision.Status)),
		zap.Int("findings", len(findings)),
		zap.Any("revision_needed", decision.RevisionNeeded))
	return pipeline.Success(pipeline.Patch{SupervisorDecision: decision, Logs: logs})
}

// decide converts the parsed verdict into a typed decision. Unrecognized
// stage names are logged and dropped. With artifact checks enforced,
// findings are unioned in and turn an ok verdict into needs_revision.
func (s *Supervisor) decide(out supervisorOutput, findings []Finding) (*pipeline.SupervisorDecision, []string) {
	status, _ := parseStatus(out.Status)
	var logs []string
	names := func(raw []string) []pipeline.StageName {
		res := []pipeline.StageName{}
		for _, r := range raw {
			n, ok := pipeline.ParseStageName(r)
			if !ok {
				logs = append(logs, "supervisor:unknown_target:"+r)
				continue
			}
			res = appendUnique(res, n)
		}
		return res
	}

	d := &pipeline.SupervisorDecision{
		Status:         status,
		Missing:        names(out.Missing),
		RevisionNeeded: names(out.RevisionNeeded),
		Feedback:       out.Feedback,
	}

	if s.env.EnforceArtifactChecks && len(findings) > 0 {
		for _, f := range findings {
			d.Missing = appendUnique(d.Missing, f.Stage)
			d.RevisionNeeded = appendUnique(d.RevisionNeeded, f.Stage)
			if d.Feedback.PerStage == nil {
				d.Feedback.PerStage = map[pipeline.StageName]string{}
			}
			if d.Feedback.PerStage[f.Stage] == "" {
				d.Feedback.PerStage[f.Stage] = f.Message
			}
		}
		if d.Status == pipeline.DecisionOK {
			d.Status = pipeline.DecisionNeedsRevision
			logs = append(logs, "supervisor:checks_overrode_ok")
		}
	}
	return d, logs
}

func appendUnique(list []pipeline.StageName, n pipeline.StageName) []pipeline.StageName {
	for _, x := range list {
		if x == n {
			return list
		}
	}
	return append(list, n)
}
