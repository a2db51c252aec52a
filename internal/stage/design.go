package stage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/lucasnoah/storyfactory/internal/collab"
	appctx "github.com/lucasnoah/storyfactory/internal/context"
	"github.com/lucasnoah/storyfactory/internal/pipeline"
)

var designSchema = collab.Schema{
	Name:        "SolutionDesignOutput",
	Description: "Solution design document with optional diagram",
	Required:    []string{"title", "solutionDesign"},
}

type designOutput struct {
	Title          string `json:"title"`
	SolutionDesign string `json:"solutionDesign"`
	DiagramCode    string `json:"diagramCode"`
	DiagramType    string `json:"diagramType"`
}

func (o *designOutput) Validate() error {
	if strings.TrimSpace(o.Title) == "" {
		return errors.New("title is empty")
	}
	if strings.TrimSpace(o.SolutionDesign) == "" {
		return errors.New("solutionDesign is empty")
	}
	if o.DiagramCode == "" {
		o.DiagramType = "none"
	}
	return nil
}

// SolutionDesign writes a design document for stories above the effort threshold.
type SolutionDesign struct{ env *Env }

// NewSolutionDesign creates the solution design stage.
func NewSolutionDesign(env *Env) *SolutionDesign { return &SolutionDesign{env: env} }

func (s *SolutionDesign) Name() pipeline.StageName { return pipeline.StageSolutionDesign }

func (s *SolutionDesign) Run(ctx context.Context, in Input) pipeline.StageResult {
	st := in.State
	raw, fatal, err := s.env.infer(ctx, s.Name(), st, appctx.BuildOpts{Feedback: in.Feedback}, designSchema)
	if fatal != nil {
		return *fatal
	}
	var out designOutput
	if err == nil {
		out, err = ParseOrDefault(raw, designSchema, designOutput{})
	}
	if err != nil {
		p := pipeline.Patch{}
		if !st.IsSet(pipeline.FieldSolutionDesign) {
			p.SolutionDesign = &pipeline.SolutionDesign{
				Title:       fmt.Sprintf("Solution Design for %s (Fallback)", issueKey(st)),
				Body:        "Failed to generate detailed solution design. Manual design needed.",
				DiagramType: "none",
			}
		}
		return pipeline.Degraded(p, failureNote("solution_design", failureKind(err), err))
	}

	design := &pipeline.SolutionDesign{
		Title:       out.Title,
		Body:        out.SolutionDesign,
		DiagramSpec: out.DiagramCode,
		DiagramType: out.DiagramType,
	}
	p := pipeline.Patch{SolutionDesign: design, Logs: []string{"solution_design:done"}}
	if s.env.Documents != nil {
		var published bool
		published, p.ValidationNotes = s.publish(ctx, st, design)
		if published {
			p.Logs = append(p.Logs, "solution_design:published:"+design.PageURL)
		}
	}
	return pipeline.Success(p)
}

// publish creates the design page, or updates the existing one on revision,
// and links it from the issue. It fills PageID and PageURL on success and
// returns validation notes for failed calls.
func (s *SolutionDesign) publish(ctx context.Context, st *pipeline.PipelineState, d *pipeline.SolutionDesign) (bool, []string) {
	docs := s.env.Documents
	var (
		page *collab.Page
		err  error
	)
	if prev := st.SolutionDesign; prev != nil && prev.PageID != "" {
		page, err = docs.UpdatePage(ctx, prev.PageID, d.Body, d.DiagramSpec)
	} else {
		page, err = docs.CreatePage(ctx, s.env.DocumentSpace, d.Title+" - "+issueKey(st), d.Body, d.DiagramSpec)
	}
	if err != nil {
		return false, []string{s.env.externalNote(s.Name(), "publish design page", err)}
	}
	d.PageID, d.PageURL = page.ID, page.URL

	var notes []string
	if st.IssueID != "" && s.env.Tracker != nil && page.URL != "" {
		if err := s.env.Tracker.AddComment(ctx, st.IssueID, "Solution Design page: "+page.URL); err != nil {
			notes = append(notes, s.env.externalNote(s.Name(), "comment design link", err))
		}
	}
	return true, notes
}
