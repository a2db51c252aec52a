package db

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"
)

// testDB connects to STORYFACTORY_TEST_DATABASE_URL and resets the schema.
func testDB(t *testing.T) *DB {
	t.Helper()
	url := os.Getenv("STORYFACTORY_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("STORYFACTORY_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	d, err := Open(ctx, url)
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := d.Reset(ctx); err != nil {
		t.Fatalf("reset test db: %v", err)
	}
	t.Cleanup(d.Close)
	return d
}

func TestOpenRejectsEmptyURL(t *testing.T) {
	if _, err := Open(context.Background(), ""); err == nil {
		t.Fatal("expected error for empty url")
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	d := testDB(t)
	ctx := context.Background()

	if err := d.Migrate(ctx); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	var version int
	if err := d.pool.QueryRow(ctx, "SELECT version FROM schema_version").Scan(&version); err != nil {
		t.Fatalf("query schema_version: %v", err)
	}
	if version != 1 {
		t.Errorf("expected schema version 1, got %d", version)
	}
}

func TestPipelineEvents(t *testing.T) {
	d := testDB(t)
	ctx := context.Background()

	if err := d.LogPipelineEvent(ctx, "req-1", "created", "enrichment", 0, ""); err != nil {
		t.Fatalf("log event: %v", err)
	}
	if err := d.LogPipelineEvent(ctx, "req-1", "stage_completed", "enrichment", 1, "success"); err != nil {
		t.Fatalf("log event: %v", err)
	}
	if err := d.LogPipelineEvent(ctx, "req-2", "created", "enrichment", 0, ""); err != nil {
		t.Fatalf("log event: %v", err)
	}

	events, err := d.GetPipelineHistory(ctx, "req-1")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	if events[0].Event != "stage_completed" {
		t.Errorf("newest event = %q, want %q", events[0].Event, "stage_completed")
	}
	if events[0].Detail != "success" || events[0].Invocation != 1 {
		t.Errorf("event = %+v", events[0])
	}
}

func TestStageRunsAndStats(t *testing.T) {
	d := testDB(t)
	ctx := context.Background()

	runs := []StageRun{
		{RequestID: "req-1", Stage: "enrichment", Invocation: 1, Result: "success", DurationMs: 100},
		{RequestID: "req-1", Stage: "decomposition", Invocation: 2, Result: "degraded", DurationMs: 300, Notes: []string{"decomposition:parse_failed:x"}},
		{RequestID: "req-1", Stage: "decomposition", Invocation: 3, Revision: 1, Result: "success", DurationMs: 100},
	}
	for _, r := range runs {
		if err := d.LogStageRun(ctx, r); err != nil {
			t.Fatalf("log stage run: %v", err)
		}
	}

	got, err := d.GetStageRuns(ctx, "req-1")
	if err != nil {
		t.Fatalf("get stage runs: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d runs, want 3", len(got))
	}
	if len(got[1].Notes) != 1 || got[1].Notes[0] != "decomposition:parse_failed:x" {
		t.Errorf("notes = %v", got[1].Notes)
	}
	if got[0].Notes == nil {
		t.Error("empty notes should decode to an empty slice")
	}

	since, err := d.ListStageRunsSince(ctx, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("list since: %v", err)
	}
	if len(since) != 3 {
		t.Fatalf("got %d runs since an hour ago, want 3", len(since))
	}
	none, err := d.ListStageRunsSince(ctx, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("list since future: %v", err)
	}
	if len(none) != 0 {
		t.Errorf("got %d runs from the future, want 0", len(none))
	}
}

func TestListRunEventsSince(t *testing.T) {
	d := testDB(t)
	ctx := context.Background()

	for _, e := range []struct{ id, event string }{
		{"req-1", "created"},
		{"req-1", "stage_completed"},
		{"req-1", "ok"},
		{"req-2", "created"},
		{"req-2", "revision"},
		{"req-2", "aborted"},
		{"req-3", "fatal"},
	} {
		if err := d.LogPipelineEvent(ctx, e.id, e.event, "", 0, ""); err != nil {
			t.Fatalf("log event: %v", err)
		}
	}

	events, err := d.ListRunEventsSince(ctx, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	var got []string
	for _, e := range events {
		got = append(got, e.RequestID+":"+e.Event)
	}
	want := []string{"req-1:created", "req-1:ok", "req-2:created", "req-2:aborted"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("events = %v, want %v", got, want)
	}
}
