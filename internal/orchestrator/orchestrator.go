// Package orchestrator drives a pipeline run: it invokes stages one at a
// time, merges their patches, and follows the router until the run halts.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lucasnoah/storyfactory/internal/collab"
	"github.com/lucasnoah/storyfactory/internal/db"
	"github.com/lucasnoah/storyfactory/internal/logging"
	"github.com/lucasnoah/storyfactory/internal/metrics"
	"github.com/lucasnoah/storyfactory/internal/pipeline"
	"github.com/lucasnoah/storyfactory/internal/router"
	"github.com/lucasnoah/storyfactory/internal/stage"
)

// ErrEmptyStory is returned when a request has neither a story nor an issue to fetch one from.
var ErrEmptyStory = errors.New("request has no story and no issue to fetch")

// EventLog receives run and stage events. *db.DB implements it.
type EventLog interface {
	LogPipelineEvent(ctx context.Context, requestID, event, stage string, invocation int, detail string) error
	LogStageRun(ctx context.Context, r db.StageRun) error
}

// Deps are the components an Orchestrator composes. Registry and Router are
// required; the rest may be nil.
type Deps struct {
	Registry *stage.Registry
	Router   *router.Router
	Store    *pipeline.Store
	Events   EventLog
	// Tracker fetches the story when a request names only an issue.
	Tracker collab.IssueTracker
	Metrics *metrics.Metrics
	Logger  *zap.Logger
}

// Options bound a single run.
type Options struct {
	// MaxInvocations is the session-wide stage invocation ceiling.
	MaxInvocations int
	// Timeout, when positive, is applied as a deadline to every run.
	Timeout time.Duration
}

// Orchestrator executes pipeline runs. It holds no per-run state and is safe
// for concurrent use by independent runs.
type Orchestrator struct {
	deps Deps
	opts Options
}

// NewOrchestrator creates an Orchestrator.
func NewOrchestrator(deps Deps, opts Options) *Orchestrator {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if opts.MaxInvocations <= 0 {
		opts.MaxInvocations = 40
	}
	return &Orchestrator{deps: deps, opts: opts}
}

// Request is the pipeline entry contract.
type Request struct {
	RequestID string                  `json:"requestId,omitempty"`
	IssueID   string                  `json:"issueId,omitempty"`
	Story     string                  `json:"story"`
	Images    []pipeline.Image        `json:"images,omitempty"`
	Context   pipeline.RequestContext `json:"context"`
}

// Artifacts is the caller-facing projection of PipelineState.
type Artifacts struct {
	EnrichedRequirement string                       `json:"enrichedRequirement,omitempty"`
	AcceptanceCriteria  []string                     `json:"acceptanceCriteria"`
	Decomposition       *pipeline.Decomposition      `json:"decomposition,omitempty"`
	Estimation          *pipeline.Estimation         `json:"estimation,omitempty"`
	TotalEffort         pipeline.Duration            `json:"totalEffort"`
	SolutionDesign      *pipeline.SolutionDesign     `json:"solutionDesign,omitempty"`
	CodeChangeSet       []pipeline.FileChange        `json:"codeChangeSet"`
	Delivery            *pipeline.Delivery           `json:"delivery,omitempty"`
	TestPlan            []pipeline.TestScenario      `json:"testPlan"`
	SupervisorDecision  *pipeline.SupervisorDecision `json:"supervisorDecision,omitempty"`
	RevisionCounts      map[pipeline.StageName]int   `json:"revisionCounts"`
}

// Result is the pipeline result contract. It is returned for every outcome,
// including aborted and fatal runs.
type Result struct {
	RequestID       string             `json:"requestId"`
	IssueID         string             `json:"issueId,omitempty"`
	Status          pipeline.RunStatus `json:"status"`
	Reason          string             `json:"reason,omitempty"`
	Error           string             `json:"error,omitempty"`
	Invocations     int                `json:"invocations"`
	Artifacts       Artifacts          `json:"artifacts"`
	ValidationNotes []string           `json:"validationNotes"`
	Logs            []string           `json:"logs"`

	// State is the final pipeline state.
	State *pipeline.PipelineState `json:"-"`
	// Err is the fatal error, if any.
	Err error `json:"-"`
}

func project(st *pipeline.PipelineState) Artifacts {
	a := Artifacts{
		AcceptanceCriteria: st.AcceptanceCriteria,
		Decomposition:      st.Decomposition,
		Estimation:         st.Estimation,
		TotalEffort:        pipeline.Duration(st.Estimation.Total()),
		SolutionDesign:     st.SolutionDesign,
		CodeChangeSet:      st.CodeChangeSet,
		Delivery:           st.Delivery,
		TestPlan:           st.TestPlan,
		SupervisorDecision: st.SupervisorDecision,
		RevisionCounts:     st.RevisionCounts,
	}
	if st.EnrichedRequirement != nil {
		a.EnrichedRequirement = *st.EnrichedRequirement
	}
	return a
}

// stageOutput is what gets persisted per stage invocation.
type stageOutput struct {
	Stage      pipeline.StageName  `json:"stage"`
	Invocation int                 `json:"invocation"`
	Revision   int                 `json:"revision"`
	Kind       pipeline.ResultKind `json:"kind"`
	Notes      []string            `json:"notes,omitempty"`
	Error      string              `json:"error,omitempty"`
	Fields     []pipeline.Field    `json:"fields,omitempty"`
	Dropped    []pipeline.Field    `json:"dropped,omitempty"`
	DurationMs int64               `json:"durationMs"`
}

// run is the mutable state of one execution.
type run struct {
	st          *pipeline.PipelineState
	invocations int
	log         *zap.Logger
}

// Prepare builds the initial state for req. When the story is empty and an
// issue is named, the story and acceptance criteria are fetched from the tracker.
func (o *Orchestrator) Prepare(ctx context.Context, req Request) (*pipeline.PipelineState, error) {
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	story := strings.TrimSpace(req.Story)
	var criteria []string
	if story == "" {
		if req.IssueID == "" || o.deps.Tracker == nil {
			return nil, ErrEmptyStory
		}
		issue, err := o.deps.Tracker.FetchIssue(ctx, req.IssueID)
		if err != nil {
			return nil, fmt.Errorf("fetch issue %s: %w", req.IssueID, err)
		}
		story = issue.Story()
		criteria = issue.Criteria
	}

	st := pipeline.New(req.RequestID, req.IssueID, story)
	st.Images = append([]pipeline.Image(nil), req.Images...)
	st.Context = req.Context
	if len(criteria) > 0 {
		st.AcceptanceCriteria = append([]string{}, criteria...)
		st.MarkSet(pipeline.FieldAcceptanceCriteria)
	}
	return st, nil
}

// Run executes a pipeline for req. The error is non-nil only when the run
// could not start; every started run yields a Result.
func (o *Orchestrator) Run(ctx context.Context, req Request) (*Result, error) {
	st, err := o.Prepare(ctx, req)
	if err != nil {
		return nil, err
	}
	return o.Execute(ctx, st)
}

// Execute drives an already prepared state from the entry stage to a halt.
func (o *Orchestrator) Execute(ctx context.Context, st *pipeline.PipelineState) (*Result, error) {
	reg := o.deps.Registry
	entry := reg.Entry()

	if o.deps.Store != nil {
		if _, err := o.deps.Store.Create(st, entry); err != nil {
			return nil, fmt.Errorf("create run: %w", err)
		}
	}
	if o.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.opts.Timeout)
		defer cancel()
	}

	r := &run{st: st, log: logging.ForRun(o.deps.Logger, st.RequestID, st.IssueID)}
	o.deps.Metrics.RunStarted()
	o.event(ctx, r, "created", string(entry), "")
	r.log.Info("pipeline started", zap.String("stage", string(entry)))

	current := entry
	feedback := ""
	for {
		if err := ctx.Err(); err != nil {
			return o.finish(ctx, r, pipeline.RunAborted, "deadline: "+err.Error(), nil), nil
		}
		if r.invocations >= o.opts.MaxInvocations {
			return o.finish(ctx, r, pipeline.RunAborted, fmt.Sprintf("max invocations: %d stage invocations reached", r.invocations), nil), nil
		}

		registration, ok := reg.Lookup(current)
		if !ok {
			return o.finish(ctx, r, pipeline.RunFatal, "", fmt.Errorf("%w: %s", stage.ErrUnknownStage, current)), nil
		}
		missing, err := reg.MissingPrerequisites(current, r.st)
		if err != nil {
			return o.finish(ctx, r, pipeline.RunFatal, "", err), nil
		}
		if len(missing) > 0 {
			return o.finish(ctx, r, pipeline.RunFatal, "", fmt.Errorf("%w: %s needs %v", stage.ErrMissingPrerequisites, current, missing)), nil
		}

		res := o.invoke(ctx, r, registration, feedback)
		if res.Kind == pipeline.ResultFatal {
			r.st = pipeline.Merge(r.st, pipeline.Patch{Logs: []string{fmt.Sprintf("%s:fatal:%v", current, res.Err)}})
			return o.finish(ctx, r, pipeline.RunFatal, "", fmt.Errorf("stage %s: %w", current, res.Err)), nil
		}
		o.saveState(r)
		if err := ctx.Err(); err != nil {
			return o.finish(ctx, r, pipeline.RunAborted, "deadline: "+err.Error(), nil), nil
		}

		d := o.deps.Router.Next(current, r.st)
		switch d.Action {
		case router.ActionHalt, router.ActionAbort:
			return o.finish(ctx, r, d.Status, d.Reason, nil), nil
		}

		feedback = ""
		if d.Revision {
			n := r.st.RevisionCounts[d.Stage] + 1
			r.st = pipeline.Merge(r.st, pipeline.Patch{
				RevisionCounts: map[pipeline.StageName]int{d.Stage: 1},
				Feedback:       map[pipeline.StageName]string{d.Stage: d.Feedback},
				Logs:           []string{fmt.Sprintf("router:revision:%s:%d", d.Stage, n)},
			})
			feedback = d.Feedback
			o.deps.Metrics.Revision(string(d.Stage))
			o.event(ctx, r, "revision", string(d.Stage), fmt.Sprintf("revision=%d", n))
			r.log.Info("revision requested", zap.String("stage", string(d.Stage)), zap.Int("revision", n))
		}
		current = d.Stage
	}
}

// invoke runs one stage and merges its restricted patch into the run state.
func (o *Orchestrator) invoke(ctx context.Context, r *run, reg stage.Registration, feedback string) pipeline.StageResult {
	name := reg.Stage.Name()
	r.invocations++
	revision := r.st.RevisionCounts[name]
	log := r.log.With(zap.String("stage", string(name)), zap.Int("invocation", r.invocations))
	log.Debug("stage started")

	start := time.Now()
	res := safeRun(ctx, reg.Stage, stage.Input{State: r.st.Clone(), Feedback: feedback})
	elapsed := time.Since(start)

	out := stageOutput{
		Stage:      name,
		Invocation: r.invocations,
		Revision:   revision,
		Kind:       res.Kind,
		Notes:      res.Notes,
		DurationMs: elapsed.Milliseconds(),
	}
	if res.Err != nil {
		out.Error = res.Err.Error()
	}

	if res.Kind != pipeline.ResultFatal {
		patch, dropped := res.Patch.Restrict(reg.Outputs)
		for _, f := range dropped {
			patch.Logs = append(patch.Logs, fmt.Sprintf("merge:undeclared:%s:%s", name, f))
		}
		patch.Logs = append(patch.Logs, res.Notes...)
		patch.Logs = append(patch.Logs, fmt.Sprintf("%s:completed", name))
		r.st = pipeline.Merge(r.st, patch)
		out.Fields = patch.Fields()
		out.Dropped = dropped
	}

	if o.deps.Store != nil {
		if err := o.deps.Store.SaveStageOutput(r.st.RequestID, name, r.invocations, out); err != nil {
			log.Warn("save stage output", zap.Error(err))
		}
	}
	o.deps.Metrics.ObserveStage(string(name), string(res.Kind), elapsed, externalFailures(res.Patch.ValidationNotes))
	if o.deps.Events != nil {
		_ = o.deps.Events.LogStageRun(ctx, db.StageRun{
			RequestID:  r.st.RequestID,
			Stage:      string(name),
			Invocation: r.invocations,
			Revision:   revision,
			Result:     string(res.Kind),
			DurationMs: out.DurationMs,
			Notes:      res.Notes,
		})
	}
	o.event(ctx, r, "stage_completed", string(name), string(res.Kind))

	fields := []zap.Field{zap.String("result", string(res.Kind)), zap.Duration("duration", elapsed)}
	switch res.Kind {
	case pipeline.ResultFatal:
		log.Error("stage failed", append(fields, zap.Error(res.Err))...)
	case pipeline.ResultDegraded:
		log.Warn("stage degraded", append(fields, zap.Strings("notes", res.Notes))...)
	default:
		log.Info("stage completed", fields...)
	}
	return res
}

// safeRun converts a panicking stage into a Fatal result.
func safeRun(ctx context.Context, s stage.Stage, in stage.Input) (res pipeline.StageResult) {
	defer func() {
		if p := recover(); p != nil {
			res = pipeline.Fatal(fmt.Errorf("stage %s panicked: %v", s.Name(), p))
		}
	}()
	return s.Run(ctx, in)
}

// finish records the terminal status and builds the Result.
func (o *Orchestrator) finish(ctx context.Context, r *run, status pipeline.RunStatus, reason string, err error) *Result {
	if err != nil && reason == "" {
		reason = err.Error()
	}
	entry := fmt.Sprintf("pipeline:%s", status)
	if reason != "" {
		entry += ":" + reason
	}
	r.st = pipeline.Merge(r.st, pipeline.Patch{Logs: []string{entry}})

	res := &Result{
		RequestID:       r.st.RequestID,
		IssueID:         r.st.IssueID,
		Status:          status,
		Reason:          reason,
		Invocations:     r.invocations,
		Artifacts:       project(r.st),
		ValidationNotes: r.st.ValidationNotes,
		Logs:            r.st.Logs,
		State:           r.st,
		Err:             err,
	}
	if err != nil {
		res.Error = err.Error()
	}

	o.saveState(r)
	if store := o.deps.Store; store != nil {
		if serr := store.SaveResult(r.st.RequestID, res); serr != nil {
			r.log.Warn("save result", zap.Error(serr))
		}
		_ = store.Update(r.st.RequestID, func(rec *pipeline.RunRecord) {
			rec.Status = string(status)
			rec.Reason = reason
			rec.Invocations = r.invocations
			rec.Stage = lastStage(r.st)
		})
	}
	// The run context may already be expired; the final event still goes out.
	o.event(context.WithoutCancel(ctx), r, string(status), lastStage(r.st), reason)
	o.deps.Metrics.RunFinished(string(status))

	fields := []zap.Field{zap.String("status", string(status)), zap.String("reason", reason), zap.Int("invocations", r.invocations)}
	if err != nil {
		r.log.Error("pipeline finished", append(fields, zap.Error(err))...)
	} else {
		r.log.Info("pipeline finished", fields...)
	}
	return res
}

func (o *Orchestrator) saveState(r *run) {
	if o.deps.Store == nil {
		return
	}
	if err := o.deps.Store.SaveState(r.st); err != nil {
		r.log.Warn("save state", zap.Error(err))
	}
}

func (o *Orchestrator) event(ctx context.Context, r *run, event, stageName, detail string) {
	if o.deps.Events == nil {
		return
	}
	_ = o.deps.Events.LogPipelineEvent(ctx, r.st.RequestID, event, stageName, r.invocations, detail)
}

// externalFailures counts collaborator failures reported as validation notes.
func externalFailures(notes []string) int {
	n := 0
	for _, note := range notes {
		if strings.Contains(note, " failed: ") {
			n++
		}
	}
	return n
}

// lastStage returns the most recently completed stage according to the logs.
func lastStage(st *pipeline.PipelineState) string {
	for i := len(st.Logs) - 1; i >= 0; i-- {
		for _, n := range pipeline.AllStages {
			if st.Logs[i] == string(n)+":completed" {
				return string(n)
			}
		}
	}
	return ""
}
