package stage

import (
	"context"
	"errors"
	"strings"

	"github.com/lucasnoah/storyfactory/internal/collab"
	appctx "github.com/lucasnoah/storyfactory/internal/context"
	"github.com/lucasnoah/storyfactory/internal/pipeline"
)

var enrichmentSchema = collab.Schema{
	Name:        "EnrichmentOutput",
	Description: "Enriched user story with detailed acceptance criteria",
	Required:    []string{"description", "acceptanceCriteria"},
}

type enrichmentOutput struct {
	Description        string   `json:"description"`
	AcceptanceCriteria []string `json:"acceptanceCriteria"`
}

func (o *enrichmentOutput) Validate() error {
	if strings.TrimSpace(o.Description) == "" {
		return errors.New("description is empty")
	}
	o.AcceptanceCriteria = compact(o.AcceptanceCriteria)
	return nil
}

// Enrichment clarifies the raw request and expands its acceptance criteria.
type Enrichment struct{ env *Env }

// NewEnrichment creates the entry stage.
func NewEnrichment(env *Env) *Enrichment { return &Enrichment{env: env} }

func (s *Enrichment) Name() pipeline.StageName { return pipeline.StageEnrichment }

func (s *Enrichment) Run(ctx context.Context, in Input) pipeline.StageResult {
	st := in.State
	raw, fatal, err := s.env.infer(ctx, s.Name(), st, appctx.BuildOpts{Feedback: in.Feedback}, enrichmentSchema)
	if fatal != nil {
		return *fatal
	}
	var out enrichmentOutput
	if err == nil {
		out, err = ParseOrDefault(raw, enrichmentSchema, enrichmentOutput{})
	}
	if err != nil {
		// Fall back to the raw story; fields already produced are retained.
		p := pipeline.Patch{}
		if !st.IsSet(pipeline.FieldEnrichedRequirement) {
			story := st.RawRequest
			p.EnrichedRequirement = &story
		}
		if !st.IsSet(pipeline.FieldAcceptanceCriteria) {
			p.AcceptanceCriteria = &[]string{}
		}
		return pipeline.Degraded(p, failureNote("enrichment", failureKind(err), err))
	}

	p := pipeline.Patch{
		EnrichedRequirement: &out.Description,
		AcceptanceCriteria:  &out.AcceptanceCriteria,
		Logs:                []string{"enrichment:done"},
	}
	p.ValidationNotes = s.updateIssue(ctx, st, out)
	return pipeline.Success(p)
}

func (s *Enrichment) updateIssue(ctx context.Context, st *pipeline.PipelineState, out enrichmentOutput) []string {
	tracker := s.env.Tracker
	if tracker == nil || st.IssueID == "" {
		return nil
	}
	var notes []string
	if s.env.AutomationField != "" {
		fields := map[string]string{s.env.AutomationField: s.env.AutomationValue}
		if err := tracker.UpdateFields(ctx, st.IssueID, fields); err != nil {
			notes = append(notes, s.env.externalNote(s.Name(), "update issue fields", err))
		}
	}
	if err := tracker.UpdateDescription(ctx, st.IssueID, out.Description, out.AcceptanceCriteria); err != nil {
		notes = append(notes, s.env.externalNote(s.Name(), "update issue description", err))
	}
	return notes
}

// compact drops blank entries and trims the rest.
func compact(items []string) []string {
	out := make([]string, 0, len(items))
	for _, it := range items {
		if t := strings.TrimSpace(it); t != "" {
			out = append(out, t)
		}
	}
	return out
}
