// Package analytics summarizes the run event log: stage latency, revision
// depth and run throughput.
package analytics

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/lucasnoah/storyfactory/internal/db"
)

// Source is the part of the event log the report is built from.
type Source interface {
	ListStageRunsSince(ctx context.Context, since time.Time) ([]db.StageRun, error)
	ListRunEventsSince(ctx context.Context, since time.Time) ([]db.PipelineEvent, error)
}

// Report is the full analytics summary for a window.
type Report struct {
	Since      time.Time            `json:"since"`
	Stages     []StageDuration      `json:"stages"`
	Revisions  []RevisionDist       `json:"revisions"`
	Throughput []PipelineThroughput `json:"throughput"`
}

// Build queries src and summarizes everything since the given time.
func Build(ctx context.Context, src Source, since time.Time) (*Report, error) {
	runs, err := src.ListStageRunsSince(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("stage runs: %w", err)
	}
	events, err := src.ListRunEventsSince(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("run events: %w", err)
	}
	return &Report{
		Since:      since,
		Stages:     StageDurations(runs),
		Revisions:  RevisionDistribution(runs),
		Throughput: Throughput(events),
	}, nil
}

// StageDuration holds latency and outcome stats for a stage.
type StageDuration struct {
	Stage       string  `json:"stage"`
	Count       int     `json:"count"`
	Avg         float64 `json:"avg_seconds"`
	P50         float64 `json:"p50_seconds"`
	P95         float64 `json:"p95_seconds"`
	DegradedPct float64 `json:"degraded_pct"`
	FatalPct    float64 `json:"fatal_pct"`
}

// StageDurations groups invocations by stage.
func StageDurations(runs []db.StageRun) []StageDuration {
	durations := make(map[string][]float64)
	degraded := make(map[string]int)
	fatal := make(map[string]int)
	for _, r := range runs {
		durations[r.Stage] = append(durations[r.Stage], float64(r.DurationMs)/1000)
		switch r.Result {
		case "degraded":
			degraded[r.Stage]++
		case "fatal":
			fatal[r.Stage]++
		}
	}

	results := make([]StageDuration, 0, len(durations))
	for stage, ds := range durations {
		sort.Float64s(ds)
		results = append(results, StageDuration{
			Stage:       stage,
			Count:       len(ds),
			Avg:         avg(ds),
			P50:         percentile(ds, 50),
			P95:         percentile(ds, 95),
			DegradedPct: pct(degraded[stage], len(ds)),
			FatalPct:    pct(fatal[stage], len(ds)),
		})
	}
	sort.Slice(results, func(i, j int) bool {
		return results[i].Stage < results[j].Stage
	})
	return results
}

// RevisionDist is how many revisions each run needed for a stage.
type RevisionDist struct {
	Stage     string  `json:"stage"`
	Total     int     `json:"total"`
	Zero      float64 `json:"zero_revisions_pct"`
	One       float64 `json:"one_revision_pct"`
	Two       float64 `json:"two_revisions_pct"`
	ThreePlus float64 `json:"three_plus_pct"`
}

// RevisionDistribution takes the highest revision each run reached per stage.
func RevisionDistribution(runs []db.StageRun) []RevisionDist {
	type key struct{ request, stage string }
	maxRev := make(map[key]int)
	for _, r := range runs {
		k := key{r.RequestID, r.Stage}
		if cur, ok := maxRev[k]; !ok || r.Revision > cur {
			maxRev[k] = r.Revision
		}
	}

	type buckets struct{ total, zero, one, two, more int }
	byStage := make(map[string]*buckets)
	for k, rev := range maxRev {
		b := byStage[k.stage]
		if b == nil {
			b = &buckets{}
			byStage[k.stage] = b
		}
		b.total++
		switch rev {
		case 0:
			b.zero++
		case 1:
			b.one++
		case 2:
			b.two++
		default:
			b.more++
		}
	}

	results := make([]RevisionDist, 0, len(byStage))
	for stage, b := range byStage {
		results = append(results, RevisionDist{
			Stage:     stage,
			Total:     b.total,
			Zero:      pct(b.zero, b.total),
			One:       pct(b.one, b.total),
			Two:       pct(b.two, b.total),
			ThreePlus: pct(b.more, b.total),
		})
	}
	sort.Slice(results, func(i, j int) bool {
		return results[i].Stage < results[j].Stage
	})
	return results
}

// PipelineThroughput counts runs started on one day and how they ended.
type PipelineThroughput struct {
	Period      string  `json:"period"`
	Created     int     `json:"created"`
	OK          int     `json:"ok"`
	Degraded    int     `json:"degraded"`
	Aborted     int     `json:"aborted"`
	Fatal       int     `json:"fatal"`
	AvgDuration float64 `json:"avg_duration_seconds"`
}

// Throughput buckets runs by the UTC day of their created event. Runs whose
// created event is missing are skipped.
func Throughput(events []db.PipelineEvent) []PipelineThroughput {
	created := make(map[string]time.Time)
	for _, e := range events {
		if e.Event == "created" {
			created[e.RequestID] = e.CreatedAt
		}
	}

	periods := make(map[string]*PipelineThroughput)
	durations := make(map[string][]float64)
	get := func(t time.Time) *PipelineThroughput {
		p := t.UTC().Format("2006-01-02")
		if periods[p] == nil {
			periods[p] = &PipelineThroughput{Period: p}
		}
		return periods[p]
	}

	for _, e := range events {
		start, ok := created[e.RequestID]
		if !ok {
			continue
		}
		pt := get(start)
		switch e.Event {
		case "created":
			pt.Created++
			continue
		case "ok":
			pt.OK++
		case "degraded":
			pt.Degraded++
		case "aborted":
			pt.Aborted++
		case "fatal":
			pt.Fatal++
		default:
			continue
		}
		if d := e.CreatedAt.Sub(start).Seconds(); d >= 0 {
			durations[pt.Period] = append(durations[pt.Period], d)
		}
	}

	results := make([]PipelineThroughput, 0, len(periods))
	for p, pt := range periods {
		pt.AvgDuration = avg(durations[p])
		results = append(results, *pt)
	}
	sort.Slice(results, func(i, j int) bool {
		return results[i].Period < results[j].Period
	})
	return results
}

// --- helpers ---

func avg(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return math.Round(sum/float64(len(values))*10) / 10
}

func percentile(sorted []float64, p int) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := float64(p) / 100.0 * float64(len(sorted)-1)
	lower := int(math.Floor(rank))
	upper := int(math.Ceil(rank))
	if lower == upper || upper >= len(sorted) {
		return math.Round(sorted[lower]*10) / 10
	}
	weight := rank - float64(lower)
	return math.Round((sorted[lower]*(1-weight)+sorted[upper]*weight)*10) / 10
}

func pct(n, total int) float64 {
	if total == 0 {
		return 0
	}
	return math.Round(float64(n)/float64(total)*1000) / 10
}
