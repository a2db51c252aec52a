// Package collab declares the boundary interfaces the pipeline core consumes.
// Concrete clients live in internal/inference, internal/github, internal/jira
// and internal/docs.
package collab

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/lucasnoah/storyfactory/internal/pipeline"
)

// Role is the author of a chat message.
type Role string

const (
	RoleSystem Role = "system"
	RoleUser   Role = "user"
)

// Message is one turn of an inference conversation. ImageURLs are attached
// as visual references when the backend supports them.
type Message struct {
	Role      Role
	Content   string
	ImageURLs []string
}

// Schema describes the JSON object a structured completion must produce.
type Schema struct {
	Name        string
	Description string
	Required    []string
}

// SchemaViolation is returned when inference output does not satisfy a Schema.
type SchemaViolation struct {
	Schema string
	Reason string
	Raw    string
}

func (e *SchemaViolation) Error() string {
	return fmt.Sprintf("schema %s violated: %s", e.Schema, e.Reason)
}

// CallOptions tune a single inference call.
type CallOptions struct {
	Model       string
	Temperature *float64
}

// CallOption sets a field of CallOptions.
type CallOption func(*CallOptions)

// WithModel selects the model for one call.
func WithModel(model string) CallOption {
	return func(o *CallOptions) { o.Model = model }
}

// WithTemperature sets the sampling temperature for one call.
func WithTemperature(t float64) CallOption {
	return func(o *CallOptions) { o.Temperature = &t }
}

// ApplyOptions folds opts into a CallOptions value.
func ApplyOptions(opts ...CallOption) CallOptions {
	var o CallOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Inference is the inference service used by every stage.
type Inference interface {
	Complete(ctx context.Context, msgs []Message, opts ...CallOption) (string, error)
	// CompleteStructured returns the JSON object produced for schema, or a
	// *SchemaViolation when the output is not one.
	CompleteStructured(ctx context.Context, msgs []Message, schema Schema, opts ...CallOption) (json.RawMessage, error)
}

// Issue is a tracker issue.
type Issue struct {
	Key         string
	Title       string
	Description string
	URL         string
	Labels      []string
	Criteria    []string
}

// Story renders the issue as pipeline input text.
func (i *Issue) Story() string {
	if strings.TrimSpace(i.Description) == "" {
		return i.Title
	}
	return i.Title + ": " + i.Description
}

// SubTask is a child work item created under a parent issue.
type SubTask struct {
	Title       string
	Description string
}

// IssueTracker is the issue-tracking system.
type IssueTracker interface {
	FetchIssue(ctx context.Context, id string) (*Issue, error)
	CreateSubTasks(ctx context.Context, parentID string, tasks []SubTask) ([]string, error)
	AddComment(ctx context.Context, id, text string) error
	UpdateFields(ctx context.Context, id string, fields map[string]string) error
	UpdateDescription(ctx context.Context, id, body string, criteria []string) error
}

// SourceControl is the target code repository.
type SourceControl interface {
	CreateBranch(ctx context.Context, base, name string) error
	// GetFiles returns the content of each path on the base branch; a nil
	// value means the file does not exist.
	GetFiles(ctx context.Context, paths []string) (map[string]*string, error)
	CommitFiles(ctx context.Context, branch, message string, changes []pipeline.FileChange) error
	CreatePullRequest(ctx context.Context, head, base, title, body string) (string, error)
	BaseBranch() string
}

// Page is a published design document.
type Page struct {
	ID  string
	URL string
}

// DocumentRepository stores solution design pages.
type DocumentRepository interface {
	CreatePage(ctx context.Context, space, title, body, diagram string) (*Page, error)
	// UpdatePage replaces the body and diagram of an existing page.
	UpdatePage(ctx context.Context, id, body, diagram string) (*Page, error)
}

// Collaborators bundles the clients injected into stages. Only Inference is
// required; a nil tracker, repository or document store skips that side effect.
type Collaborators struct {
	Inference Inference
	Tracker   IssueTracker
	Source    SourceControl
	Documents DocumentRepository
	// DocumentSpace is the space passed to CreatePage.
	DocumentSpace string
}
