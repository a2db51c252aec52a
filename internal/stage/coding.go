package stage

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/lucasnoah/storyfactory/internal/collab"
	appctx "github.com/lucasnoah/storyfactory/internal/context"
	"github.com/lucasnoah/storyfactory/internal/pipeline"
)

var codingSchema = collab.Schema{
	Name:        "CodingOutput",
	Description: "Proposed file changes keyed by repository-relative path",
	Required:    []string{"files"},
}

type wireChange struct {
	Action  string `json:"action"`
	Content string `json:"content"`
}

type codingOutput struct {
	Files map[string]wireChange `json:"files"`
}

func (o *codingOutput) changes() []pipeline.FileChange {
	paths := make([]string, 0, len(o.Files))
	for p := range o.Files {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	out := make([]pipeline.FileChange, len(paths))
	for i, p := range paths {
		w := o.Files[p]
		out[i] = pipeline.FileChange{
			Path:    strings.TrimPrefix(strings.TrimSpace(p), "./"),
			Action:  pipeline.FileAction(strings.ToLower(strings.TrimSpace(w.Action))),
			Content: w.Content,
		}
	}
	return out
}

func (o *codingOutput) Validate() error {
	if o.Files == nil {
		return errors.New("files is not an object")
	}
	return pipeline.ValidateChangeSet(o.changes())
}

var branchUnsafe = regexp.MustCompile(`[^a-z0-9._-]+`)

// Coding proposes file changes for the decomposed tasks and delivers them
// as a branch and pull request.
type Coding struct{ env *Env }

// NewCoding creates the coding stage.
func NewCoding(env *Env) *Coding { return &Coding{env: env} }

func (s *Coding) Name() pipeline.StageName { return pipeline.StageCoding }

func (s *Coding) Run(ctx context.Context, in Input) pipeline.StageResult {
	st := in.State
	if st.Decomposition.TaskCount() == 0 {
		return pipeline.Success(pipeline.Patch{Logs: []string{"coding:skipped:no_tasks"}})
	}

	opts := appctx.BuildOpts{Feedback: in.Feedback}
	var notes []string
	if paths := modifiedPaths(st.CodeChangeSet); len(paths) > 0 && s.env.Source != nil {
		files, err := s.env.Source.GetFiles(ctx, paths)
		if err != nil {
			notes = append(notes, s.env.externalNote(s.Name(), "get files", err))
		}
		opts.ExistingFiles = files
	}

	raw, fatal, err := s.env.infer(ctx, s.Name(), st, opts, codingSchema)
	if fatal != nil {
		return *fatal
	}
	var out codingOutput
	if err == nil {
		out, err = ParseOrDefault(raw, codingSchema, codingOutput{})
	}
	if err != nil {
		p := pipeline.Patch{ValidationNotes: notes}
		if !st.IsSet(pipeline.FieldCodeChangeSet) {
			p.CodeChangeSet = &[]pipeline.FileChange{}
		}
		return pipeline.Degraded(p, failureNote("coding", failureKind(err), err))
	}

	changes, verifyNotes := s.verify(ctx, out.changes())
	notes = append(notes, verifyNotes...)
	p := pipeline.Patch{CodeChangeSet: &changes, Logs: []string{"coding:done"}}

	if s.env.Source != nil && len(changes) > 0 {
		delivery, deliverNotes := s.deliver(ctx, st, changes)
		p.Delivery = delivery
		notes = append(notes, deliverNotes...)
		if st.RevisionCounts[s.Name()] > 0 {
			p.Logs = append(p.Logs, fmt.Sprintf("coding:resubmitted:new_branch:%s", delivery.Branch))
		}
	}
	p.ValidationNotes = notes
	return pipeline.Success(p)
}

func modifiedPaths(changes []pipeline.FileChange) []string {
	var out []string
	for _, c := range changes {
		if c.Action == pipeline.ActionModify || c.Action == pipeline.ActionDelete {
			out = append(out, c.Path)
		}
	}
	return out
}

// verify checks modify and delete targets exist. A modify of a missing file
// becomes a create; a delete of a missing file is dropped.
func (s *Coding) verify(ctx context.Context, changes []pipeline.FileChange) ([]pipeline.FileChange, []string) {
	if s.env.Source == nil {
		return changes, nil
	}
	paths := modifiedPaths(changes)
	if len(paths) == 0 {
		return changes, nil
	}
	existing, err := s.env.Source.GetFiles(ctx, paths)
	if err != nil {
		return changes, []string{s.env.externalNote(s.Name(), "verify files", err)}
	}

	var notes []string
	out := make([]pipeline.FileChange, 0, len(changes))
	for _, c := range changes {
		if c.Action == pipeline.ActionCreate {
			out = append(out, c)
			continue
		}
		if content, ok := existing[c.Path]; ok && content != nil {
			out = append(out, c)
			continue
		}
		if c.Action == pipeline.ActionModify {
			c.Action = pipeline.ActionCreate
			notes = append(notes, fmt.Sprintf("coding: %s does not exist, modify changed to create", c.Path))
			out = append(out, c)
		} else {
			notes = append(notes, fmt.Sprintf("coding: %s does not exist, delete dropped", c.Path))
		}
	}
	return out, notes
}

// deliver creates a branch, commits the changes and opens a pull request.
// Each failure is a note; the change set stays in state either way.
func (s *Coding) deliver(ctx context.Context, st *pipeline.PipelineState, changes []pipeline.FileChange) (*pipeline.Delivery, []string) {
	src := s.env.Source
	base := src.BaseBranch()
	branch := s.branchName(st)
	d := &pipeline.Delivery{Branch: branch}

	if err := src.CreateBranch(ctx, base, branch); err != nil {
		return d, []string{s.env.externalNote(s.Name(), "create branch "+branch, err)}
	}
	title := pullRequestTitle(st)
	if err := src.CommitFiles(ctx, branch, title, changes); err != nil {
		return d, []string{s.env.externalNote(s.Name(), "commit files", err)}
	}
	d.Committed = true

	url, err := src.CreatePullRequest(ctx, branch, base, title, pullRequestBody(st, changes))
	if err != nil {
		return d, []string{s.env.externalNote(s.Name(), "create pull request", err)}
	}
	d.PullRequestURL = url
	s.env.logger().Info("pull request opened", zap.String("branch", branch), zap.String("url", url))
	return d, nil
}

func (s *Coding) branchName(st *pipeline.PipelineState) string {
	prefix := s.env.BranchPrefix
	if prefix == "" {
		prefix = "storyfactory"
	}
	key := strings.Trim(branchUnsafe.ReplaceAllString(strings.ToLower(issueKey(st)), "-"), "-")
	return fmt.Sprintf("%s/%s-r%d", prefix, key, st.RevisionCounts[s.Name()])
}

func pullRequestTitle(st *pipeline.PipelineState) string {
	text := st.RawRequest
	if st.EnrichedRequirement != nil {
		text = *st.EnrichedRequirement
	}
	line, _, _ := strings.Cut(strings.TrimSpace(text), "\n")
	if utf8.RuneCountInString(line) > 72 {
		line = strings.TrimSpace(string([]rune(line)[:69])) + "..."
	}
	if st.IssueID != "" {
		return fmt.Sprintf("%s: %s", st.IssueID, line)
	}
	return line
}

func pullRequestBody(st *pipeline.PipelineState, changes []pipeline.FileChange) string {
	var sb strings.Builder
	sb.WriteString("## Tasks\n")
	for _, t := range st.Decomposition.AllTasks() {
		sb.WriteString(appctx.FormatTask(t))
		sb.WriteString("\n")
	}
	sb.WriteString("\n## Changes\n")
	for _, c := range changes {
		fmt.Fprintf(&sb, "- %s `%s`\n", c.Action, c.Path)
	}
	if len(st.AcceptanceCriteria) > 0 {
		sb.WriteString("\n## Acceptance criteria\n")
		for _, ac := range st.AcceptanceCriteria {
			fmt.Fprintf(&sb, "- [ ] %s\n", ac)
		}
	}
	return sb.String()
}
