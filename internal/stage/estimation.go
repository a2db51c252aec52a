package stage

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/lucasnoah/storyfactory/internal/collab"
	appctx "github.com/lucasnoah/storyfactory/internal/context"
	"github.com/lucasnoah/storyfactory/internal/pipeline"
)

var estimationSchema = collab.Schema{
	Name:        "EstimationOutput",
	Description: "Solution approach and level of effort per track (FE, BE, QA, Review)",
	Required:    []string{"approach", "LOE"},
}

type estimationOutput struct {
	Approach string                     `json:"approach"`
	LOE      map[string]json.RawMessage `json:"LOE"`
}

var trackLabels = map[pipeline.Track]string{
	pipeline.TrackFE:     "Frontend (FE)",
	pipeline.TrackBE:     "Backend (BE)",
	pipeline.TrackQA:     "Quality Assurance (QA)",
	pipeline.TrackReview: "Code Review (Review)",
}

// Estimation produces the approach and per-track effort the threshold branch uses.
type Estimation struct{ env *Env }

// NewEstimation creates the estimation stage.
func NewEstimation(env *Env) *Estimation { return &Estimation{env: env} }

func (s *Estimation) Name() pipeline.StageName { return pipeline.StageEstimation }

func (s *Estimation) Run(ctx context.Context, in Input) pipeline.StageResult {
	st := in.State
	raw, fatal, err := s.env.infer(ctx, s.Name(), st, appctx.BuildOpts{Feedback: in.Feedback}, estimationSchema)
	if fatal != nil {
		return *fatal
	}
	var out estimationOutput
	if err == nil {
		out, err = ParseOrDefault(raw, estimationSchema, estimationOutput{})
	}
	if err != nil {
		p := pipeline.Patch{}
		if !st.IsSet(pipeline.FieldEstimation) {
			p.Estimation = pipeline.DefaultEstimation()
		}
		return pipeline.Degraded(p, failureNote("estimation", failureKind(err), err))
	}

	est, display, notes := s.convert(out)
	p := pipeline.Patch{Estimation: est, Logs: []string{"estimation:done"}}
	if st.IssueID != "" && s.env.Tracker != nil {
		if err := s.env.Tracker.AddComment(ctx, st.IssueID, estimationComment(est, display)); err != nil {
			p.ValidationNotes = append(p.ValidationNotes, s.env.externalNote(s.Name(), "add estimation comment", err))
		}
	}
	if len(notes) > 0 {
		return pipeline.Degraded(p, notes...)
	}
	return pipeline.Success(p)
}

// convert parses each LOE entry into a duration. Values may be strings such
// as "3 story points" or bare numbers of hours. Unparseable values count as
// zero and produce a note.
func (s *Estimation) convert(out estimationOutput) (*pipeline.Estimation, map[pipeline.Track]string, []string) {
	est := &pipeline.Estimation{Approach: strings.TrimSpace(out.Approach), EffortByTrack: map[pipeline.Track]pipeline.Duration{}}
	display := map[pipeline.Track]string{}
	var notes []string

	keys := make([]string, 0, len(out.LOE))
	for k := range out.LOE {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		track, ok := parseTrack(key)
		if !ok {
			notes = append(notes, "estimation:unknown_track:"+key)
			continue
		}
		text := loeText(out.LOE[key])
		display[track] = text
		d, err := s.env.Units.ParseEffort(text)
		if err != nil {
			notes = append(notes, "estimation:unparsed:"+string(track))
			d = 0
		}
		est.EffortByTrack[track] = pipeline.Duration(d)
	}
	return est, display, notes
}

func parseTrack(key string) (pipeline.Track, bool) {
	for _, t := range pipeline.Tracks {
		if strings.EqualFold(string(t), strings.TrimSpace(key)) {
			return t, true
		}
	}
	return "", false
}

func loeText(v json.RawMessage) string {
	var s string
	if err := json.Unmarshal(v, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(v, &n); err == nil {
		return n.String()
	}
	return string(v)
}

func estimationComment(est *pipeline.Estimation, display map[pipeline.Track]string) string {
	var sb strings.Builder
	sb.WriteString("**Estimation and Solution Approach:**\n\n**Approach:**\n")
	sb.WriteString(est.Approach)
	sb.WriteString("\n\n**Level of Effort (LOE):**\n")
	for _, t := range pipeline.Tracks {
		text, ok := display[t]
		if !ok {
			text = "N/A"
		}
		fmt.Fprintf(&sb, "- **%s:** %s\n", trackLabels[t], text)
	}
	fmt.Fprintf(&sb, "\nTotal: %s\n", appctx.FormatHours(est.Total()))
	return sb.String()
}
