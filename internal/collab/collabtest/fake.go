// Package collabtest provides in-memory collaborators for tests.
package collabtest

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/lucasnoah/storyfactory/internal/collab"
	"github.com/lucasnoah/storyfactory/internal/pipeline"
)

// Call records one structured completion request.
type Call struct {
	Schema   string
	Messages []collab.Message
	Options  collab.CallOptions
}

// Inference replays scripted responses per schema name. Each call consumes
// the next response; the last one repeats once the script runs out.
type Inference struct {
	mu        sync.Mutex
	responses map[string][]string
	errs      map[string]error
	hooks     map[string]func()
	calls     []Call
}

// NewInference creates an Inference with no scripted responses.
func NewInference() *Inference {
	return &Inference{responses: map[string][]string{}, errs: map[string]error{}, hooks: map[string]func(){}}
}

// On appends responses for schema and returns f for chaining.
func (f *Inference) On(schema string, responses ...string) *Inference {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses[schema] = append(f.responses[schema], responses...)
	return f
}

// OnJSON marshals v and scripts it for schema.
func (f *Inference) OnJSON(schema string, v any) *Inference {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return f.On(schema, string(data))
}

// Fail makes every call for schema return err.
func (f *Inference) Fail(schema string, err error) *Inference {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[schema] = err
	return f
}

// BeforeCall runs fn at the start of every call for schema, before the
// context is checked.
func (f *Inference) BeforeCall(schema string, fn func()) *Inference {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hooks[schema] = fn
	return f
}

func (f *Inference) Complete(ctx context.Context, msgs []collab.Message, opts ...collab.CallOption) (string, error) {
	raw, err := f.CompleteStructured(ctx, msgs, collab.Schema{Name: "text"}, opts...)
	return string(raw), err
}

func (f *Inference) CompleteStructured(ctx context.Context, msgs []collab.Message, schema collab.Schema, opts ...collab.CallOption) (json.RawMessage, error) {
	f.mu.Lock()
	hook := f.hooks[schema.Name]
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, Call{Schema: schema.Name, Messages: msgs, Options: collab.ApplyOptions(opts...)})
	if err := f.errs[schema.Name]; err != nil {
		return nil, err
	}
	queue := f.responses[schema.Name]
	if len(queue) == 0 {
		return nil, fmt.Errorf("no scripted response for %s", schema.Name)
	}
	out := queue[0]
	if len(queue) > 1 {
		f.responses[schema.Name] = queue[1:]
	}
	return json.RawMessage(out), nil
}

// Calls returns the recorded requests.
func (f *Inference) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

// CallsFor counts the requests made for schema.
func (f *Inference) CallsFor(schema string) int {
	n := 0
	for _, c := range f.Calls() {
		if c.Schema == schema {
			n++
		}
	}
	return n
}

// Tracker is an in-memory IssueTracker.
type Tracker struct {
	mu       sync.Mutex
	Issues   map[string]*collab.Issue
	SubTasks map[string][]collab.SubTask
	Comments map[string][]string
	Fields   map[string]map[string]string
	// Err, when set, is returned by every write.
	Err error
	seq int
}

// NewTracker creates an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{
		Issues:   map[string]*collab.Issue{},
		SubTasks: map[string][]collab.SubTask{},
		Comments: map[string][]string{},
		Fields:   map[string]map[string]string{},
	}
}

func (t *Tracker) FetchIssue(_ context.Context, id string) (*collab.Issue, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	iss, ok := t.Issues[id]
	if !ok {
		return nil, fmt.Errorf("issue %s not found", id)
	}
	c := *iss
	return &c, nil
}

func (t *Tracker) CreateSubTasks(_ context.Context, parentID string, tasks []collab.SubTask) ([]string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.Err != nil {
		return nil, t.Err
	}
	t.SubTasks[parentID] = append(t.SubTasks[parentID], tasks...)
	ids := make([]string, len(tasks))
	for i := range tasks {
		t.seq++
		ids[i] = fmt.Sprintf("%s-sub-%d", parentID, t.seq)
	}
	return ids, nil
}

func (t *Tracker) AddComment(_ context.Context, id, text string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.Err != nil {
		return t.Err
	}
	t.Comments[id] = append(t.Comments[id], text)
	return nil
}

func (t *Tracker) UpdateFields(_ context.Context, id string, fields map[string]string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.Err != nil {
		return t.Err
	}
	if t.Fields[id] == nil {
		t.Fields[id] = map[string]string{}
	}
	for k, v := range fields {
		t.Fields[id][k] = v
	}
	return nil
}

func (t *Tracker) UpdateDescription(_ context.Context, id, body string, criteria []string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.Err != nil {
		return t.Err
	}
	iss, ok := t.Issues[id]
	if !ok {
		iss = &collab.Issue{Key: id}
		t.Issues[id] = iss
	}
	iss.Description = body
	iss.Criteria = append([]string(nil), criteria...)
	return nil
}

// Source is an in-memory SourceControl.
type Source struct {
	mu       sync.Mutex
	Base     string
	Files    map[string]string
	Branches []string
	Commits  map[string][]pipeline.FileChange
	PRs      []string
	// Err, when set, is returned by CreateBranch.
	Err error
}

// NewSource creates a Source whose base branch holds files.
func NewSource(files map[string]string) *Source {
	if files == nil {
		files = map[string]string{}
	}
	return &Source{Base: "main", Files: files, Commits: map[string][]pipeline.FileChange{}}
}

func (s *Source) BaseBranch() string { return s.Base }

func (s *Source) CreateBranch(_ context.Context, base, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	for _, b := range s.Branches {
		if b == name {
			return fmt.Errorf("branch %s already exists", name)
		}
	}
	s.Branches = append(s.Branches, name)
	return nil
}

func (s *Source) GetFiles(_ context.Context, paths []string) (map[string]*string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]*string, len(paths))
	for _, p := range paths {
		if c, ok := s.Files[p]; ok {
			out[p] = &c
		} else {
			out[p] = nil
		}
	}
	return out, nil
}

func (s *Source) CommitFiles(_ context.Context, branch, _ string, changes []pipeline.FileChange) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Commits[branch] = append(s.Commits[branch], changes...)
	return nil
}

func (s *Source) CreatePullRequest(_ context.Context, head, _, _, _ string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.PRs = append(s.PRs, head)
	return fmt.Sprintf("https://example.test/pull/%d", len(s.PRs)), nil
}

// Documents is an in-memory DocumentRepository.
type Documents struct {
	mu       sync.Mutex
	Pages    map[string]string
	Diagrams map[string]string
	Err      error
}

// NewDocuments creates an empty Documents.
func NewDocuments() *Documents {
	return &Documents{Pages: map[string]string{}, Diagrams: map[string]string{}}
}

func (d *Documents) CreatePage(_ context.Context, space, title, body, diagram string) (*collab.Page, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.Err != nil {
		return nil, d.Err
	}
	id := fmt.Sprintf("%d", len(d.Pages)+1)
	d.Pages[id] = body
	d.Diagrams[id] = diagram
	slug := strings.ReplaceAll(strings.ToLower(title), " ", "-")
	return &collab.Page{ID: id, URL: fmt.Sprintf("https://docs.example.test/%s/%s/%s", space, id, slug)}, nil
}

func (d *Documents) UpdatePage(_ context.Context, id, body, diagram string) (*collab.Page, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.Err != nil {
		return nil, d.Err
	}
	if _, ok := d.Pages[id]; !ok {
		return nil, fmt.Errorf("page %s not found", id)
	}
	d.Pages[id] = body
	d.Diagrams[id] = diagram
	return &collab.Page{ID: id, URL: "https://docs.example.test/pages/" + id}, nil
}

// PageIDs lists stored page ids in order.
func (d *Documents) PageIDs() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	ids := make([]string, 0, len(d.Pages))
	for id := range d.Pages {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
