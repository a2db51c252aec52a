package pipeline

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string { return &s }

func seededState(t *testing.T) *PipelineState {
	t.Helper()
	s := New("req-1", "PROJ-7", "As a user I want to reset my password")
	return Merge(s, Patch{
		EnrichedRequirement: strPtr("Users can reset passwords via email link"),
		AcceptanceCriteria:  &[]string{"email is sent", "link expires after 1h"},
		Decomposition: &Decomposition{
			FETasks: []Task{{Summary: "Reset form", SolutionApproach: "React form"}},
			BETasks: []Task{{Summary: "Token endpoint", SolutionApproach: "POST /reset"}},
			Risks:   []string{"email deliverability"},
		},
		Estimation: &Estimation{
			Approach:      "reuse mailer",
			EffortByTrack: map[Track]Duration{TrackFE: Duration(8 * time.Hour), TrackBE: Duration(16 * time.Hour)},
		},
	})
}

func TestMergeEmptyPatchLeavesStateUnchanged(t *testing.T) {
	s := seededState(t)
	next := Merge(s, Patch{})

	before, err := json.Marshal(s)
	require.NoError(t, err)
	after, err := json.Marshal(next)
	require.NoError(t, err)
	assert.JSONEq(t, string(before), string(after))
}

func TestMergeDoesNotMutateCurrent(t *testing.T) {
	s := seededState(t)
	version := s.Version
	_ = Merge(s, Patch{
		CodeChangeSet: &[]FileChange{{Path: "a.go", Action: ActionCreate, Content: "package a"}},
		Logs:          []string{"coding:done"},
	})

	assert.Empty(t, s.CodeChangeSet)
	assert.Equal(t, version, s.Version)
	assert.NotContains(t, s.Logs, "coding:done")
}

func TestMergePreservesUnrelatedFields(t *testing.T) {
	s := seededState(t)
	next := Merge(s, Patch{
		TestPlan: &[]TestScenario{{Title: "happy path", Steps: []string{"Given a user", "Then an email is sent"}}},
	})

	assert.Equal(t, s.Decomposition, next.Decomposition)
	assert.Equal(t, s.Estimation, next.Estimation)
	assert.Equal(t, *s.EnrichedRequirement, *next.EnrichedRequirement)
	require.Len(t, next.TestPlan, 1)
	assert.True(t, next.IsSet(FieldTestPlan))
	assert.Equal(t, s.Version+1, next.Version)
}

func TestMergeAppendsLogsAndIncrementsRevisionCounts(t *testing.T) {
	s := seededState(t)
	s = Merge(s, Patch{Logs: []string{"a"}, RevisionCounts: map[StageName]int{StageCoding: 1}})
	s = Merge(s, Patch{Logs: []string{"b"}, RevisionCounts: map[StageName]int{StageCoding: 1}})

	assert.Equal(t, 2, s.RevisionCounts[StageCoding])
	assert.Equal(t, []string{"a", "b"}, s.Logs[len(s.Logs)-2:])
}

func TestMergeRejectsNegativeRevisionIncrement(t *testing.T) {
	s := Merge(seededState(t), Patch{RevisionCounts: map[StageName]int{StageCoding: 2}})
	s = Merge(s, Patch{RevisionCounts: map[StageName]int{StageCoding: -1}})

	assert.Equal(t, 2, s.RevisionCounts[StageCoding])
	assert.Contains(t, s.Logs[len(s.Logs)-1], "merge:rejected:revisionCounts")
}

func TestMergeInvalidFieldKeepsPreviousValue(t *testing.T) {
	s := seededState(t)
	prev := s.Decomposition

	next := Merge(s, Patch{Decomposition: &Decomposition{FETasks: []Task{{Summary: "  "}}}})

	assert.Equal(t, prev, next.Decomposition)
	assert.Contains(t, next.Logs[len(next.Logs)-1], "merge:rejected:decomposition")
}

func TestMergeInvalidFieldWithoutPreviousTakesDefault(t *testing.T) {
	s := New("req-2", "", "story")
	next := Merge(s, Patch{
		CodeChangeSet: &[]FileChange{{Path: "../etc/passwd", Action: ActionCreate}},
		Estimation:    &Estimation{EffortByTrack: map[Track]Duration{"Ops": Duration(time.Hour)}},
	})

	assert.True(t, next.IsSet(FieldCodeChangeSet))
	assert.Empty(t, next.CodeChangeSet)
	require.NotNil(t, next.Estimation)
	assert.Equal(t, DefaultEstimation(), next.Estimation)
	assert.Len(t, next.Logs, 2)
}

func TestMergeInvalidRequirementDefaultsToRawRequest(t *testing.T) {
	s := New("req-3", "", "raw story text")
	next := Merge(s, Patch{EnrichedRequirement: strPtr("   ")})

	require.NotNil(t, next.EnrichedRequirement)
	assert.Equal(t, "raw story text", *next.EnrichedRequirement)
}

func TestMergeNormalizesNilSlices(t *testing.T) {
	next := Merge(New("req-4", "", "s"), Patch{Decomposition: &Decomposition{}})

	require.NotNil(t, next.Decomposition)
	assert.NotNil(t, next.Decomposition.FETasks)
	assert.NotNil(t, next.Decomposition.Risks)
	assert.Equal(t, 0, next.Decomposition.TaskCount())
}

func TestRestrictDropsUndeclaredFields(t *testing.T) {
	p := Patch{
		Decomposition:  DefaultDecomposition(),
		TestPlan:       &[]TestScenario{},
		RevisionCounts: map[StageName]int{StageCoding: 1},
		Logs:           []string{"x"},
	}
	got, dropped := p.Restrict([]Field{FieldTestPlan})

	assert.Nil(t, got.Decomposition)
	assert.Nil(t, got.RevisionCounts)
	assert.NotNil(t, got.TestPlan)
	assert.Equal(t, []string{"x"}, got.Logs)
	assert.ElementsMatch(t, []Field{FieldDecomposition, FieldRevisionCounts}, dropped)
}

func TestValidateChangeSet(t *testing.T) {
	tests := []struct {
		name    string
		changes []FileChange
		wantErr bool
	}{
		{"create", []FileChange{{Path: "src/a.ts", Action: ActionCreate, Content: "x"}}, false},
		{"delete", []FileChange{{Path: "src/a.ts", Action: ActionDelete}}, false},
		{"modify without content", []FileChange{{Path: "src/a.ts", Action: ActionModify}}, true},
		{"absolute", []FileChange{{Path: "/etc/hosts", Action: ActionCreate}}, true},
		{"escape", []FileChange{{Path: "a/../../b", Action: ActionCreate}}, true},
		{"duplicate", []FileChange{{Path: "a", Action: ActionCreate}, {Path: "a", Action: ActionDelete}}, true},
		{"bad action", []FileChange{{Path: "a", Action: "rename"}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateChangeSet(tt.changes)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestCloneIsDeep(t *testing.T) {
	s := seededState(t)
	c := s.Clone()
	c.Decomposition.FETasks[0].Summary = "changed"
	c.Estimation.EffortByTrack[TrackQA] = Duration(time.Hour)
	c.Logs = append(c.Logs, "extra")

	assert.Equal(t, "Reset form", s.Decomposition.FETasks[0].Summary)
	_, ok := s.Estimation.EffortByTrack[TrackQA]
	assert.False(t, ok)
	assert.NotContains(t, s.Logs, "extra")
}

func TestParseStageName(t *testing.T) {
	tests := map[string]StageName{
		"coding":          StageCoding,
		"Testing":         StageTesting,
		"solutionDesign":  StageSolutionDesign,
		"solution_design": StageSolutionDesign,
		"git":             StageCoding,
	}
	for in, want := range tests {
		got, ok := ParseStageName(in)
		assert.True(t, ok, in)
		assert.Equal(t, want, got, in)
	}
	_, ok := ParseStageName("deploy")
	assert.False(t, ok)
}
