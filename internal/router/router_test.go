package router

import (
	"strings"
	"testing"
	"time"

	"github.com/lucasnoah/storyfactory/internal/config"
	"github.com/lucasnoah/storyfactory/internal/pipeline"
	"github.com/lucasnoah/storyfactory/internal/stage"
)

func testRouter() *Router {
	return New(Options{Threshold: 40 * time.Hour, MaxRevisions: 3}, stage.DefaultRegistry(&stage.Env{}))
}

func estimated(hours ...int) *pipeline.PipelineState {
	req := "requirement"
	effort := map[pipeline.Track]pipeline.Duration{}
	for i, h := range hours {
		effort[pipeline.Tracks[i]] = pipeline.Duration(time.Duration(h) * time.Hour)
	}
	return pipeline.Merge(pipeline.New("r", "", "story"), pipeline.Patch{
		EnrichedRequirement: &req,
		Decomposition: &pipeline.Decomposition{
			FETasks: []pipeline.Task{{Summary: "form"}},
		},
		Estimation: &pipeline.Estimation{EffortByTrack: effort},
	})
}

func withDecision(st *pipeline.PipelineState, d pipeline.SupervisorDecision) *pipeline.PipelineState {
	return pipeline.Merge(st, pipeline.Patch{SupervisorDecision: &d})
}

func TestLinearEdges(t *testing.T) {
	r := testRouter()
	st := estimated(8)
	tests := []struct {
		after pipeline.StageName
		want  pipeline.StageName
	}{
		{pipeline.StageEnrichment, pipeline.StageDecomposition},
		{pipeline.StageDecomposition, pipeline.StageEstimation},
		{pipeline.StageSolutionDesign, pipeline.StageCoding},
		{pipeline.StageCoding, pipeline.StageTesting},
		{pipeline.StageTesting, pipeline.StageSupervisor},
	}
	for _, tt := range tests {
		d := r.Next(tt.after, st)
		if d.Action != ActionRun || d.Stage != tt.want {
			t.Errorf("Next(%s) = %+v, want run %s", tt.after, d, tt.want)
		}
		if d.Revision {
			t.Errorf("Next(%s) should not be a revision", tt.after)
		}
	}
}

func TestThresholdBranch(t *testing.T) {
	r := testRouter()
	tests := []struct {
		name  string
		hours []int
		want  pipeline.StageName
	}{
		{"above threshold", []int{20, 20, 6, 4}, pipeline.StageSolutionDesign},
		{"exactly threshold", []int{20, 12, 4, 4}, pipeline.StageCoding},
		{"below threshold", []int{8}, pipeline.StageCoding},
		{"no effort", nil, pipeline.StageCoding},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := r.Next(pipeline.StageEstimation, estimated(tt.hours...))
			if d.Action != ActionRun || d.Stage != tt.want {
				t.Errorf("Next(estimation) = %+v, want run %s", d, tt.want)
			}
		})
	}
}

func TestSupervisorVerdicts(t *testing.T) {
	r := testRouter()
	tests := []struct {
		name       string
		decision   pipeline.SupervisorDecision
		wantAction Action
		wantStage  pipeline.StageName
		wantStatus pipeline.RunStatus
	}{
		{
			name:       "ok halts",
			decision:   pipeline.SupervisorDecision{Status: pipeline.DecisionOK},
			wantAction: ActionHalt,
			wantStatus: pipeline.RunOK,
		},
		{
			name:       "ok ignores revision targets",
			decision:   pipeline.SupervisorDecision{Status: pipeline.DecisionOK, RevisionNeeded: []pipeline.StageName{pipeline.StageCoding}},
			wantAction: ActionHalt,
			wantStatus: pipeline.RunOK,
		},
		{
			name:       "error is degraded",
			decision:   pipeline.SupervisorDecision{Status: pipeline.DecisionError},
			wantAction: ActionHalt,
			wantStatus: pipeline.RunDegraded,
		},
		{
			name:       "needs revision without targets",
			decision:   pipeline.SupervisorDecision{Status: pipeline.DecisionNeedsRevision},
			wantAction: ActionHalt,
			wantStatus: pipeline.RunDegraded,
		},
		{
			name: "only non-revisable targets",
			decision: pipeline.SupervisorDecision{
				Status:         pipeline.DecisionNeedsRevision,
				RevisionNeeded: []pipeline.StageName{pipeline.StageEnrichment, pipeline.StageSupervisor},
			},
			wantAction: ActionHalt,
			wantStatus: pipeline.RunDegraded,
		},
		{
			name: "precedence picks coding over testing",
			decision: pipeline.SupervisorDecision{
				Status:         pipeline.DecisionNeedsRevision,
				RevisionNeeded: []pipeline.StageName{pipeline.StageTesting, pipeline.StageCoding},
			},
			wantAction: ActionRun,
			wantStage:  pipeline.StageCoding,
		},
		{
			name: "precedence picks decomposition over estimation",
			decision: pipeline.SupervisorDecision{
				Status:         pipeline.DecisionNeedsRevision,
				RevisionNeeded: []pipeline.StageName{pipeline.StageSolutionDesign, pipeline.StageEstimation, pipeline.StageDecomposition},
			},
			wantAction: ActionRun,
			wantStage:  pipeline.StageDecomposition,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := r.Next(pipeline.StageSupervisor, withDecision(estimated(8), tt.decision))
			if d.Action != tt.wantAction {
				t.Fatalf("Action = %q, want %q (%+v)", d.Action, tt.wantAction, d)
			}
			if d.Stage != tt.wantStage {
				t.Errorf("Stage = %q, want %q", d.Stage, tt.wantStage)
			}
			if d.Status != tt.wantStatus {
				t.Errorf("Status = %q, want %q", d.Status, tt.wantStatus)
			}
			if tt.wantAction == ActionRun && !d.Revision {
				t.Error("revision decision should be marked as revision")
			}
		})
	}
}

func TestRevisionCarriesFeedback(t *testing.T) {
	r := testRouter()
	st := withDecision(estimated(8), pipeline.SupervisorDecision{
		Status:         pipeline.DecisionNeedsRevision,
		RevisionNeeded: []pipeline.StageName{pipeline.StageTesting},
		Feedback: pipeline.Feedback{
			General:  "tighten everything",
			PerStage: map[pipeline.StageName]string{pipeline.StageTesting: "cover expiry"},
		},
	})
	d := r.Next(pipeline.StageSupervisor, st)
	if d.Feedback != "cover expiry" {
		t.Errorf("Feedback = %q, want %q", d.Feedback, "cover expiry")
	}
}

func TestRevisionCeiling(t *testing.T) {
	r := testRouter()
	st := withDecision(estimated(8), pipeline.SupervisorDecision{
		Status:         pipeline.DecisionNeedsRevision,
		RevisionNeeded: []pipeline.StageName{pipeline.StageCoding},
	})

	for i := 1; i <= 3; i++ {
		d := r.Next(pipeline.StageSupervisor, st)
		if d.Action != ActionRun {
			t.Fatalf("revision %d: Action = %q, want run", i, d.Action)
		}
		st = pipeline.Merge(st, pipeline.Patch{RevisionCounts: map[pipeline.StageName]int{pipeline.StageCoding: 1}})
	}

	d := r.Next(pipeline.StageSupervisor, st)
	if d.Action != ActionAbort || d.Status != pipeline.RunAborted {
		t.Fatalf("4th revision = %+v, want abort", d)
	}
	if !strings.HasPrefix(d.Reason, "max revisions") {
		t.Errorf("Reason = %q, want max revisions prefix", d.Reason)
	}
}

func TestPerStageRevisionCeiling(t *testing.T) {
	r := New(Options{
		Threshold:            40 * time.Hour,
		MaxRevisions:         3,
		MaxRevisionsPerStage: map[pipeline.StageName]int{pipeline.StageTesting: 1},
	}, nil)
	st := withDecision(estimated(8), pipeline.SupervisorDecision{
		Status:         pipeline.DecisionNeedsRevision,
		RevisionNeeded: []pipeline.StageName{pipeline.StageTesting},
	})
	st.RevisionCounts[pipeline.StageTesting] = 1

	if d := r.Next(pipeline.StageSupervisor, st); d.Action != ActionAbort {
		t.Errorf("Action = %q, want abort", d.Action)
	}
	if got := r.MaxRevisions(pipeline.StageCoding); got != 3 {
		t.Errorf("MaxRevisions(coding) = %d, want 3", got)
	}
}

func TestBlockedOnMissingPrerequisites(t *testing.T) {
	r := testRouter()
	st := pipeline.New("r", "", "story")

	d := r.Next(pipeline.StageEnrichment, st)
	if d.Action != ActionAbort {
		t.Fatalf("Action = %q, want abort", d.Action)
	}
	if !strings.HasPrefix(d.Reason, "router:blocked:decomposition") {
		t.Errorf("Reason = %q", d.Reason)
	}
}

func TestUnknownStageAborts(t *testing.T) {
	d := testRouter().Next("deploy", estimated(8))
	if d.Action != ActionAbort {
		t.Errorf("Action = %q, want abort", d.Action)
	}
}

func TestSelectTarget(t *testing.T) {
	got, ok := SelectTarget([]pipeline.StageName{pipeline.StageEstimation, pipeline.StageTesting})
	if !ok || got != pipeline.StageTesting {
		t.Errorf("SelectTarget = %q, %v; want testing", got, ok)
	}
	if _, ok := SelectTarget(nil); ok {
		t.Error("SelectTarget(nil) should report no target")
	}
}

func TestOptionsFromConfig(t *testing.T) {
	opts, err := OptionsFromConfig(config.Pipeline{
		Threshold:            "5d",
		MaxRevisions:         2,
		MaxRevisionsPerStage: map[string]int{"tests": 4, "nope": 1},
		HoursPerDay:          8,
		HoursPerPoint:        4,
	})
	if err != nil {
		t.Fatalf("OptionsFromConfig: %v", err)
	}
	if opts.Threshold != 40*time.Hour {
		t.Errorf("Threshold = %v, want 40h", opts.Threshold)
	}
	if opts.MaxRevisionsPerStage[pipeline.StageTesting] != 4 {
		t.Errorf("testing ceiling = %d, want 4", opts.MaxRevisionsPerStage[pipeline.StageTesting])
	}
	if len(opts.MaxRevisionsPerStage) != 1 {
		t.Errorf("unknown stage should be dropped: %v", opts.MaxRevisionsPerStage)
	}

	if _, err := OptionsFromConfig(config.Pipeline{Threshold: "lots"}); err == nil {
		t.Error("expected error for unparseable threshold")
	}
}
