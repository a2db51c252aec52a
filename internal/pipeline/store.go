package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// RunRecord is the persisted summary of a single pipeline run.
type RunRecord struct {
	RequestID   string `json:"request_id"`
	IssueID     string `json:"issue_id,omitempty"`
	Status      string `json:"status"` // "running", "ok", "degraded", "aborted", "fatal"
	Reason      string `json:"reason,omitempty"`
	Stage       string `json:"stage"`
	Invocations int    `json:"invocations"`
	CreatedAt   string `json:"created_at"`
	UpdatedAt   string `json:"updated_at"`
}

// Store manages run state on disk.
type Store struct {
	baseDir string // defaults to ~/.storyfactory/runs
}

// NewStore creates a Store rooted at baseDir.
func NewStore(baseDir string) *Store {
	return &Store{baseDir: baseDir}
}

// DefaultStore returns a Store at ~/.storyfactory/runs, creating the directory if needed.
func DefaultStore() (*Store, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("get home dir: %w", err)
	}
	return OpenStore(filepath.Join(home, ".storyfactory", "runs"))
}

// OpenStore returns a Store at dir, creating it if needed.
func OpenStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir %s: %w", dir, err)
	}
	return &Store{baseDir: dir}, nil
}

// BaseDir returns the store's root directory.
func (s *Store) BaseDir() string {
	return s.baseDir
}

func validRunID(id string) error {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) {
		return fmt.Errorf("invalid request id %q", id)
	}
	return nil
}

func (s *Store) runDir(id string) string {
	return filepath.Join(s.baseDir, id)
}

func (s *Store) recordPath(id string) string {
	return filepath.Join(s.runDir(id), "run.json")
}

func (s *Store) statePath(id string) string {
	return filepath.Join(s.runDir(id), "state.json")
}

func (s *Store) resultPath(id string) string {
	return filepath.Join(s.runDir(id), "result.json")
}

func (s *Store) invocationDir(id string, stage StageName, invocation int) string {
	return filepath.Join(s.runDir(id), "stages", string(stage), fmt.Sprintf("invocation-%d", invocation))
}

// Create initialises a new run on disk with its initial state.
func (s *Store) Create(state *PipelineState, firstStage StageName) (*RunRecord, error) {
	if err := validRunID(state.RequestID); err != nil {
		return nil, err
	}
	dir := s.runDir(state.RequestID)
	if _, err := os.Stat(dir); err == nil {
		return nil, fmt.Errorf("run %s already exists", state.RequestID)
	}
	if err := os.MkdirAll(filepath.Join(dir, "stages"), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir stages: %w", err)
	}

	now := time.Now().UTC().Format(time.RFC3339)
	rec := &RunRecord{
		RequestID: state.RequestID,
		IssueID:   state.IssueID,
		Status:    "running",
		Stage:     string(firstStage),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := WriteJSON(s.recordPath(state.RequestID), rec); err != nil {
		return nil, fmt.Errorf("write run.json: %w", err)
	}
	if err := WriteJSON(s.statePath(state.RequestID), state); err != nil {
		return nil, fmt.Errorf("write state.json: %w", err)
	}
	return rec, nil
}

// Get reads the run record.
func (s *Store) Get(id string) (*RunRecord, error) {
	if err := validRunID(id); err != nil {
		return nil, err
	}
	var rec RunRecord
	if err := ReadJSON(s.recordPath(id), &rec); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("run %s not found", id)
		}
		return nil, err
	}
	return &rec, nil
}

// Update performs an atomic read-modify-write of the run record.
func (s *Store) Update(id string, fn func(*RunRecord)) error {
	rec, err := s.Get(id)
	if err != nil {
		return err
	}
	fn(rec)
	rec.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
	return WriteJSON(s.recordPath(id), rec)
}

// SaveState overwrites the persisted state snapshot.
func (s *Store) SaveState(state *PipelineState) error {
	if err := validRunID(state.RequestID); err != nil {
		return err
	}
	return WriteJSON(s.statePath(state.RequestID), state)
}

// GetState reads the latest state snapshot.
func (s *Store) GetState(id string) (*PipelineState, error) {
	if err := validRunID(id); err != nil {
		return nil, err
	}
	var ps PipelineState
	if err := ReadJSON(s.statePath(id), &ps); err != nil {
		return nil, err
	}
	return &ps, nil
}

// SaveResult writes the terminal result for a run.
func (s *Store) SaveResult(id string, result any) error {
	if err := validRunID(id); err != nil {
		return err
	}
	return WriteJSON(s.resultPath(id), result)
}

// GetResult reads the terminal result for a run into v.
func (s *Store) GetResult(id string, v any) error {
	if err := validRunID(id); err != nil {
		return err
	}
	return ReadJSON(s.resultPath(id), v)
}

// SaveStageOutput writes what a stage invocation returned.
func (s *Store) SaveStageOutput(id string, stage StageName, invocation int, output any) error {
	if err := validRunID(id); err != nil {
		return err
	}
	return WriteJSON(filepath.Join(s.invocationDir(id, stage, invocation), "output.json"), output)
}

// GetStageOutput reads a stage invocation's output into v.
func (s *Store) GetStageOutput(id string, stage StageName, invocation int, v any) error {
	if err := validRunID(id); err != nil {
		return err
	}
	return ReadJSON(filepath.Join(s.invocationDir(id, stage, invocation), "output.json"), v)
}

// List returns all runs, optionally filtered by status, newest first.
// Pass "" for statusFilter to return all runs.
func (s *Store) List(statusFilter string) ([]RunRecord, error) {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read dir %s: %w", s.baseDir, err)
	}

	var runs []RunRecord
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		rec, err := s.Get(entry.Name())
		if err != nil {
			continue // skip broken entries
		}
		if statusFilter == "" || rec.Status == statusFilter {
			runs = append(runs, *rec)
		}
	}

	sort.Slice(runs, func(i, j int) bool {
		if runs[i].CreatedAt != runs[j].CreatedAt {
			return runs[i].CreatedAt > runs[j].CreatedAt
		}
		return runs[i].RequestID < runs[j].RequestID
	})
	return runs, nil
}

// Delete removes all data for a run.
func (s *Store) Delete(id string) error {
	if err := validRunID(id); err != nil {
		return err
	}
	dir := s.runDir(id)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return fmt.Errorf("run %s not found", id)
	}
	return os.RemoveAll(dir)
}
