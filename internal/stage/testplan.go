package stage

import (
	"context"
	"errors"
	"strings"

	"github.com/lucasnoah/storyfactory/internal/collab"
	appctx "github.com/lucasnoah/storyfactory/internal/context"
	"github.com/lucasnoah/storyfactory/internal/pipeline"
)

var testingSchema = collab.Schema{
	Name:        "TestingOutput",
	Description: "Test scenarios with Gherkin steps",
	Required:    []string{"testScenarios"},
}

type wireScenario struct {
	ScenarioTitle string   `json:"scenarioTitle"`
	Title         string   `json:"title"`
	GherkinSteps  []string `json:"gherkinSteps"`
	Steps         []string `json:"steps"`
}

type testingOutput struct {
	TestScenarios []wireScenario `json:"testScenarios"`
}

func (o *testingOutput) plan() []pipeline.TestScenario {
	out := make([]pipeline.TestScenario, len(o.TestScenarios))
	for i, w := range o.TestScenarios {
		title := w.ScenarioTitle
		if title == "" {
			title = w.Title
		}
		steps := w.GherkinSteps
		if len(steps) == 0 {
			steps = w.Steps
		}
		out[i] = pipeline.TestScenario{Title: strings.TrimSpace(title), Steps: compact(steps)}
	}
	return out
}

func (o *testingOutput) Validate() error {
	for _, sc := range o.plan() {
		if sc.Title == "" {
			return errors.New("scenario without title")
		}
	}
	return nil
}

// Testing generates a test plan covering criteria, risks and tasks.
type Testing struct{ env *Env }

// NewTesting creates the testing stage.
func NewTesting(env *Env) *Testing { return &Testing{env: env} }

func (s *Testing) Name() pipeline.StageName { return pipeline.StageTesting }

func (s *Testing) Run(ctx context.Context, in Input) pipeline.StageResult {
	st := in.State
	raw, fatal, err := s.env.infer(ctx, s.Name(), st, appctx.BuildOpts{Feedback: in.Feedback}, testingSchema)
	if fatal != nil {
		return *fatal
	}
	var out testingOutput
	if err == nil {
		out, err = ParseOrDefault(raw, testingSchema, testingOutput{})
	}
	if err != nil {
		p := pipeline.Patch{}
		if !st.IsSet(pipeline.FieldTestPlan) {
			p.TestPlan = &[]pipeline.TestScenario{}
		}
		return pipeline.Degraded(p, failureNote("testing", failureKind(err), err))
	}

	plan := out.plan()
	p := pipeline.Patch{TestPlan: &plan, Logs: []string{"testing:generated"}}
	if st.IssueID != "" && s.env.Tracker != nil && len(plan) > 0 {
		if st.RevisionCounts[s.Name()] > 0 {
			p.Logs = append(p.Logs, "testing:resubmitted:duplicate_subtasks_possible")
		}
		tasks := make([]collab.SubTask, len(plan))
		for i, sc := range plan {
			tasks[i] = collab.SubTask{Title: "Test Scenario: " + sc.Title, Description: strings.Join(sc.Steps, "\n")}
		}
		if _, err := s.env.Tracker.CreateSubTasks(ctx, st.IssueID, tasks); err != nil {
			p.ValidationNotes = append(p.ValidationNotes, s.env.externalNote(s.Name(), "create test sub-tasks", err))
		}
	}
	return pipeline.Success(p)
}
