package db

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// PipelineEvent represents a row in the pipeline_events table.
type PipelineEvent struct {
	ID         int64     `json:"id"`
	RequestID  string    `json:"request_id"`
	Event      string    `json:"event"`
	Stage      string    `json:"stage"`
	Invocation int       `json:"invocation"`
	Detail     string    `json:"detail"`
	CreatedAt  time.Time `json:"created_at"`
}

// StageRun represents a row in the stage_runs table.
type StageRun struct {
	ID         int64     `json:"id"`
	RequestID  string    `json:"request_id"`
	Stage      string    `json:"stage"`
	Invocation int       `json:"invocation"`
	Revision   int       `json:"revision"`
	Result     string    `json:"result"`
	DurationMs int64     `json:"duration_ms"`
	Notes      []string  `json:"notes"`
	CreatedAt  time.Time `json:"created_at"`
}

// LogPipelineEvent inserts a pipeline event.
func (d *DB) LogPipelineEvent(ctx context.Context, requestID, event, stage string, invocation int, detail string) error {
	_, err := d.pool.Exec(ctx,
		`INSERT INTO pipeline_events (request_id, event, stage, invocation, detail) VALUES ($1, $2, $3, $4, $5)`,
		requestID, event, stage, invocation, detail,
	)
	if err != nil {
		return fmt.Errorf("log pipeline event: %w", err)
	}
	return nil
}

// GetPipelineHistory returns all events for a run, newest first.
func (d *DB) GetPipelineHistory(ctx context.Context, requestID string) ([]PipelineEvent, error) {
	rows, err := d.pool.Query(ctx,
		`SELECT id, request_id, event, COALESCE(stage, ''), COALESCE(invocation, 0), COALESCE(detail, ''), created_at
		 FROM pipeline_events WHERE request_id = $1 ORDER BY created_at DESC, id DESC`,
		requestID,
	)
	if err != nil {
		return nil, fmt.Errorf("get pipeline history: %w", err)
	}
	events, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (PipelineEvent, error) {
		var e PipelineEvent
		err := row.Scan(&e.ID, &e.RequestID, &e.Event, &e.Stage, &e.Invocation, &e.Detail, &e.CreatedAt)
		return e, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan pipeline event: %w", err)
	}
	return events, nil
}

// LogStageRun records one stage invocation.
func (d *DB) LogStageRun(ctx context.Context, r StageRun) error {
	notes := r.Notes
	if notes == nil {
		notes = []string{}
	}
	data, err := json.Marshal(notes)
	if err != nil {
		return fmt.Errorf("marshal notes: %w", err)
	}
	_, err = d.pool.Exec(ctx,
		`INSERT INTO stage_runs (request_id, stage, invocation, revision, result, duration_ms, notes)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		r.RequestID, r.Stage, r.Invocation, r.Revision, r.Result, r.DurationMs, data,
	)
	if err != nil {
		return fmt.Errorf("log stage run: %w", err)
	}
	return nil
}

// GetStageRuns returns the stage invocations of a run in execution order.
func (d *DB) GetStageRuns(ctx context.Context, requestID string) ([]StageRun, error) {
	rows, err := d.pool.Query(ctx,
		`SELECT id, request_id, stage, invocation, revision, result, duration_ms, notes, created_at
		 FROM stage_runs WHERE request_id = $1 ORDER BY invocation, id`,
		requestID,
	)
	if err != nil {
		return nil, fmt.Errorf("get stage runs: %w", err)
	}
	runs, err := pgx.CollectRows(rows, scanStageRun)
	if err != nil {
		return nil, fmt.Errorf("scan stage run: %w", err)
	}
	return runs, nil
}

// ListStageRunsSince returns every stage invocation recorded since the given
// time, oldest first.
func (d *DB) ListStageRunsSince(ctx context.Context, since time.Time) ([]StageRun, error) {
	rows, err := d.pool.Query(ctx,
		`SELECT id, request_id, stage, invocation, revision, result, duration_ms, notes, created_at
		 FROM stage_runs WHERE created_at >= $1 ORDER BY created_at, id`,
		since,
	)
	if err != nil {
		return nil, fmt.Errorf("list stage runs: %w", err)
	}
	runs, err := pgx.CollectRows(rows, scanStageRun)
	if err != nil {
		return nil, fmt.Errorf("scan stage run: %w", err)
	}
	return runs, nil
}

// ListRunEventsSince returns the created and terminal events of runs started
// since the given time, oldest first.
func (d *DB) ListRunEventsSince(ctx context.Context, since time.Time) ([]PipelineEvent, error) {
	rows, err := d.pool.Query(ctx,
		`SELECT id, request_id, event, COALESCE(stage, ''), COALESCE(invocation, 0), COALESCE(detail, ''), created_at
		 FROM pipeline_events
		 WHERE event IN ('created', 'ok', 'degraded', 'aborted', 'fatal')
		   AND request_id IN (SELECT request_id FROM pipeline_events WHERE event = 'created' AND created_at >= $1)
		 ORDER BY created_at, id`,
		since,
	)
	if err != nil {
		return nil, fmt.Errorf("list run events: %w", err)
	}
	events, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (PipelineEvent, error) {
		var e PipelineEvent
		err := row.Scan(&e.ID, &e.RequestID, &e.Event, &e.Stage, &e.Invocation, &e.Detail, &e.CreatedAt)
		return e, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan pipeline event: %w", err)
	}
	return events, nil
}

func scanStageRun(row pgx.CollectableRow) (StageRun, error) {
	var r StageRun
	var notes []byte
	if err := row.Scan(&r.ID, &r.RequestID, &r.Stage, &r.Invocation, &r.Revision, &r.Result, &r.DurationMs, &notes, &r.CreatedAt); err != nil {
		return r, err
	}
	if err := json.Unmarshal(notes, &r.Notes); err != nil {
		return r, fmt.Errorf("decode notes: %w", err)
	}
	return r, nil
}
