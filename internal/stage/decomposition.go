package stage

import (
	"context"
	"fmt"
	"strings"

	"github.com/lucasnoah/storyfactory/internal/collab"
	appctx "github.com/lucasnoah/storyfactory/internal/context"
	"github.com/lucasnoah/storyfactory/internal/pipeline"
)

var decompositionSchema = collab.Schema{
	Name:        "DecompositionOutput",
	Description: "Frontend, backend and shared subtasks with solution approaches, plus risks",
	Required:    []string{"feTasks", "beTasks", "sharedTasks", "risks"},
}

// wireTask accepts both {summary, solutionApproach} and {task, solution}.
type wireTask struct {
	Summary          string `json:"summary"`
	Task             string `json:"task"`
	SolutionApproach string `json:"solutionApproach"`
	Solution         string `json:"solution"`
}

func (w wireTask) task() pipeline.Task {
	t := pipeline.Task{Summary: w.Summary, SolutionApproach: w.SolutionApproach}
	if t.Summary == "" {
		t.Summary = w.Task
	}
	if t.SolutionApproach == "" {
		t.SolutionApproach = w.Solution
	}
	t.Summary = strings.TrimSpace(t.Summary)
	return t
}

type decompositionOutput struct {
	FETasks     []wireTask `json:"feTasks"`
	BETasks     []wireTask `json:"beTasks"`
	SharedTasks []wireTask `json:"sharedTasks"`
	Risks       []string   `json:"risks"`
}

func (o *decompositionOutput) decomposition() *pipeline.Decomposition {
	conv := func(ws []wireTask) []pipeline.Task {
		out := make([]pipeline.Task, len(ws))
		for i, w := range ws {
			out[i] = w.task()
		}
		return out
	}
	return &pipeline.Decomposition{
		FETasks:     conv(o.FETasks),
		BETasks:     conv(o.BETasks),
		SharedTasks: conv(o.SharedTasks),
		Risks:       compact(o.Risks),
	}
}

func (o *decompositionOutput) Validate() error {
	return pipeline.ValidateDecomposition(o.decomposition())
}

// Decomposition splits the requirement into typed technical tasks.
type Decomposition struct{ env *Env }

// NewDecomposition creates the decomposition stage.
func NewDecomposition(env *Env) *Decomposition { return &Decomposition{env: env} }

func (s *Decomposition) Name() pipeline.StageName { return pipeline.StageDecomposition }

func (s *Decomposition) Run(ctx context.Context, in Input) pipeline.StageResult {
	st := in.State
	raw, fatal, err := s.env.infer(ctx, s.Name(), st, appctx.BuildOpts{Feedback: in.Feedback}, decompositionSchema)
	if fatal != nil {
		return *fatal
	}
	var out decompositionOutput
	if err == nil {
		out, err = ParseOrDefault(raw, decompositionSchema, decompositionOutput{})
	}
	if err != nil {
		p := pipeline.Patch{}
		if !st.IsSet(pipeline.FieldDecomposition) {
			p.Decomposition = pipeline.DefaultDecomposition()
		}
		return pipeline.Degraded(p, failureNote("decomposition", failureKind(err), err))
	}

	d := out.decomposition()
	p := pipeline.Patch{Decomposition: d, Logs: []string{"decomposition:done"}}
	if st.IssueID != "" && s.env.Tracker != nil && d.TaskCount() > 0 {
		if st.RevisionCounts[s.Name()] > 0 {
			p.Logs = append(p.Logs, "decomposition:resubmitted:duplicate_subtasks_possible")
		}
		if _, err := s.env.Tracker.CreateSubTasks(ctx, st.IssueID, subTasksFor(d)); err != nil {
			p.ValidationNotes = append(p.ValidationNotes, s.env.externalNote(s.Name(), "create sub-tasks", err))
		}
	}
	return pipeline.Success(p)
}

func subTasksFor(d *pipeline.Decomposition) []collab.SubTask {
	tasks := d.AllTasks()
	out := make([]collab.SubTask, len(tasks))
	for i, t := range tasks {
		out[i] = collab.SubTask{
			Title:       fmt.Sprintf("[%s] %s", t.Type, t.Summary),
			Description: fmt.Sprintf("Type: %s\n\nSolution approach:\n%s", t.Type, t.SolutionApproach),
		}
	}
	return out
}
