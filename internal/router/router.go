// Package router decides which stage runs next. It is a pure function of the
// pipeline state and never performs I/O.
package router

import (
	"fmt"
	"strings"
	"time"

	"github.com/lucasnoah/storyfactory/internal/config"
	"github.com/lucasnoah/storyfactory/internal/pipeline"
)

// Action is what the executor does after a stage completes.
type Action string

const (
	ActionRun   Action = "run"
	ActionHalt  Action = "halt"
	ActionAbort Action = "abort"
)

// Decision is the router's answer for one step.
type Decision struct {
	Action Action
	Stage  pipeline.StageName
	// Revision is set when Stage is re-run on the Supervisor's request. The
	// executor increments revisionCounts[Stage] and stores Feedback.
	Revision bool
	Feedback string
	// Status is the run status for halt and abort.
	Status pipeline.RunStatus
	Reason string
}

func run(s pipeline.StageName) Decision {
	return Decision{Action: ActionRun, Stage: s}
}

func halt(status pipeline.RunStatus, reason string) Decision {
	return Decision{Action: ActionHalt, Status: status, Reason: reason}
}

func abort(reason string) Decision {
	return Decision{Action: ActionAbort, Status: pipeline.RunAborted, Reason: reason}
}

// DefaultEdges is the linear successor of each stage. Estimation is absent
// because its successor depends on the effort threshold.
var DefaultEdges = map[pipeline.StageName]pipeline.StageName{
	pipeline.StageEnrichment:     pipeline.StageDecomposition,
	pipeline.StageDecomposition:  pipeline.StageEstimation,
	pipeline.StageSolutionDesign: pipeline.StageCoding,
	pipeline.StageCoding:         pipeline.StageTesting,
	pipeline.StageTesting:        pipeline.StageSupervisor,
}

// RevisionPrecedence orders revision targets when the Supervisor names
// several. Stages not listed are never revised.
var RevisionPrecedence = []pipeline.StageName{
	pipeline.StageCoding,
	pipeline.StageTesting,
	pipeline.StageDecomposition,
	pipeline.StageEstimation,
	pipeline.StageSolutionDesign,
}

// Prerequisites reports which prerequisite fields of a stage are unset.
// *stage.Registry implements it.
type Prerequisites interface {
	MissingPrerequisites(name pipeline.StageName, st *pipeline.PipelineState) ([]pipeline.Field, error)
}

// Options configures the branches.
type Options struct {
	// Threshold is the total effort above which SolutionDesign runs.
	Threshold            time.Duration
	MaxRevisions         int
	MaxRevisionsPerStage map[pipeline.StageName]int
}

// OptionsFromConfig converts pipeline configuration. The threshold must
// already have passed config.Validate.
func OptionsFromConfig(p config.Pipeline) (Options, error) {
	units := pipeline.EffortUnits{HoursPerDay: p.HoursPerDay, HoursPerPoint: p.HoursPerPoint}
	threshold, err := units.ParseEffort(p.Threshold)
	if err != nil {
		return Options{}, fmt.Errorf("parse threshold: %w", err)
	}
	opts := Options{
		Threshold:            threshold,
		MaxRevisions:         p.MaxRevisions,
		MaxRevisionsPerStage: map[pipeline.StageName]int{},
	}
	for name, n := range p.MaxRevisionsPerStage {
		if s, ok := pipeline.ParseStageName(name); ok {
			opts.MaxRevisionsPerStage[s] = n
		}
	}
	return opts, nil
}

// Router selects the next stage.
type Router struct {
	opts   Options
	prereq Prerequisites
	edges  map[pipeline.StageName]pipeline.StageName
}

// New creates a Router. prereq may be nil to skip prerequisite checks.
func New(opts Options, prereq Prerequisites) *Router {
	return &Router{opts: opts, prereq: prereq, edges: DefaultEdges}
}

// MaxRevisions returns the revision ceiling for s.
func (r *Router) MaxRevisions(s pipeline.StageName) int {
	if n, ok := r.opts.MaxRevisionsPerStage[s]; ok && n > 0 {
		return n
	}
	return r.opts.MaxRevisions
}

// Next decides what follows the completed stage after.
func (r *Router) Next(after pipeline.StageName, st *pipeline.PipelineState) Decision {
	var d Decision
	switch after {
	case pipeline.StageEstimation:
		d = run(r.afterEstimation(st))
	case pipeline.StageSupervisor:
		d = r.afterSupervisor(st)
	default:
		next, ok := r.edges[after]
		if !ok {
			return abort(fmt.Sprintf("router:no_edge:%s", after))
		}
		d = run(next)
	}
	if d.Action != ActionRun {
		return d
	}
	return r.checkPrerequisites(d, st)
}

// afterEstimation applies the threshold branch. Equal to the threshold skips design.
func (r *Router) afterEstimation(st *pipeline.PipelineState) pipeline.StageName {
	if st.Estimation.Total() > r.opts.Threshold {
		return pipeline.StageSolutionDesign
	}
	return pipeline.StageCoding
}

func (r *Router) afterSupervisor(st *pipeline.PipelineState) Decision {
	dec := st.SupervisorDecision
	if dec == nil {
		return halt(pipeline.RunDegraded, "supervisor:no_decision")
	}
	switch dec.Status {
	case pipeline.DecisionOK:
		return halt(pipeline.RunOK, "supervisor:ok")
	case pipeline.DecisionError:
		return halt(pipeline.RunDegraded, "supervisor:error")
	}

	target, ok := SelectTarget(dec.RevisionNeeded)
	if !ok {
		return halt(pipeline.RunDegraded, "supervisor:no_actionable_target")
	}
	if limit := r.MaxRevisions(target); st.RevisionCounts[target]+1 > limit {
		return abort(fmt.Sprintf("max revisions: %s revised %d times (limit %d)", target, st.RevisionCounts[target], limit))
	}
	return Decision{
		Action:   ActionRun,
		Stage:    target,
		Revision: true,
		Feedback: dec.Feedback.For(target),
	}
}

// SelectTarget picks the first of names under RevisionPrecedence.
func SelectTarget(names []pipeline.StageName) (pipeline.StageName, bool) {
	for _, s := range RevisionPrecedence {
		for _, n := range names {
			if n == s {
				return s, true
			}
		}
	}
	return "", false
}

func (r *Router) checkPrerequisites(d Decision, st *pipeline.PipelineState) Decision {
	if r.prereq == nil {
		return d
	}
	missing, err := r.prereq.MissingPrerequisites(d.Stage, st)
	if err != nil {
		return abort(fmt.Sprintf("router:blocked:%s:%v", d.Stage, err))
	}
	if len(missing) > 0 {
		names := make([]string, len(missing))
		for i, f := range missing {
			names[i] = string(f)
		}
		return abort(fmt.Sprintf("router:blocked:%s:missing %s", d.Stage, strings.Join(names, ",")))
	}
	return d
}
