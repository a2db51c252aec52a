// Package jira implements collab.IssueTracker against the Jira Cloud REST API v3.
package jira

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"sort"
	"strings"

	"github.com/lucasnoah/storyfactory/internal/atlassian"
	"github.com/lucasnoah/storyfactory/internal/collab"
)

const defaultSubTaskType = "Subtask"

var issueKeyRe = regexp.MustCompile(`^[A-Z][A-Z0-9_]*-[0-9]+$`)

// Client talks to one Jira site.
type Client struct {
	api         *atlassian.Client
	subTaskType string
}

// New creates a Client. subTaskType is an issue type id ("10002") or name.
func New(api *atlassian.Client, subTaskType string) *Client {
	if subTaskType == "" {
		subTaskType = defaultSubTaskType
	}
	return &Client{api: api, subTaskType: subTaskType}
}

// ValidateIssueKey checks that key looks like PROJ-123.
func ValidateIssueKey(key string) error {
	if !issueKeyRe.MatchString(key) {
		return fmt.Errorf("invalid jira issue key %q", key)
	}
	return nil
}

type issueResponse struct {
	Key    string `json:"key"`
	Fields struct {
		Summary     string          `json:"summary"`
		Description *atlassian.Node `json:"description"`
		Labels      []string        `json:"labels"`
		Project     struct {
			Key string `json:"key"`
		} `json:"project"`
	} `json:"fields"`
}

func (c *Client) getIssue(ctx context.Context, key, fields string) (*issueResponse, error) {
	if err := ValidateIssueKey(key); err != nil {
		return nil, err
	}
	var resp issueResponse
	path := "/rest/api/3/issue/" + url.PathEscape(key) + "?fields=" + url.QueryEscape(fields)
	if err := c.api.Do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, fmt.Errorf("get issue %s: %w", key, err)
	}
	return &resp, nil
}

// FetchIssue returns the issue with its description flattened to text and
// the acceptance criteria split out.
func (c *Client) FetchIssue(ctx context.Context, id string) (*collab.Issue, error) {
	resp, err := c.getIssue(ctx, id, "summary,description,labels")
	if err != nil {
		return nil, err
	}
	var body string
	if resp.Fields.Description != nil {
		body = atlassian.PlainText(*resp.Fields.Description)
	}
	return &collab.Issue{
		Key:         resp.Key,
		Title:       resp.Fields.Summary,
		Description: collab.StripCriteria(body),
		URL:         c.api.BaseURL() + "/browse/" + resp.Key,
		Labels:      resp.Fields.Labels,
		Criteria:    collab.ExtractCriteria(body),
	}, nil
}

// CreateSubTasks creates each task under parentID in the parent's project
// and returns the new keys in order.
func (c *Client) CreateSubTasks(ctx context.Context, parentID string, tasks []collab.SubTask) ([]string, error) {
	parent, err := c.getIssue(ctx, parentID, "project")
	if err != nil {
		return nil, err
	}
	if parent.Fields.Project.Key == "" {
		return nil, fmt.Errorf("issue %s has no project", parentID)
	}

	keys := make([]string, 0, len(tasks))
	for _, task := range tasks {
		payload := map[string]any{
			"fields": map[string]any{
				"project":     map[string]string{"key": parent.Fields.Project.Key},
				"parent":      map[string]string{"key": parentID},
				"summary":     task.Title,
				"description": atlassian.FromMarkdown(task.Description),
				"issuetype":   c.issueType(),
			},
		}
		var created struct {
			Key string `json:"key"`
		}
		if err := c.api.Do(ctx, http.MethodPost, "/rest/api/3/issue", payload, &created); err != nil {
			return keys, fmt.Errorf("create sub-task %q: %w", task.Title, err)
		}
		keys = append(keys, created.Key)
	}
	return keys, nil
}

func (c *Client) issueType() map[string]string {
	if strings.Trim(c.subTaskType, "0123456789") == "" {
		return map[string]string{"id": c.subTaskType}
	}
	return map[string]string{"name": c.subTaskType}
}

// AddComment posts text as a comment.
func (c *Client) AddComment(ctx context.Context, id, text string) error {
	if err := ValidateIssueKey(id); err != nil {
		return err
	}
	payload := map[string]any{"body": atlassian.FromMarkdown(text)}
	if err := c.api.Do(ctx, http.MethodPost, "/rest/api/3/issue/"+url.PathEscape(id)+"/comment", payload, nil); err != nil {
		return fmt.Errorf("comment on %s: %w", id, err)
	}
	return nil
}

// UpdateFields sets issue fields. Custom fields are sent as single-option
// select values, everything else as plain strings.
func (c *Client) UpdateFields(ctx context.Context, id string, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	names := make([]string, 0, len(fields))
	for k := range fields {
		names = append(names, k)
	}
	sort.Strings(names)

	body := make(map[string]any, len(fields))
	for _, k := range names {
		if strings.HasPrefix(k, "customfield_") {
			body[k] = []map[string]string{{"value": fields[k]}}
		} else {
			body[k] = fields[k]
		}
	}
	return c.edit(ctx, id, body)
}

// UpdateDescription replaces the description with body plus the criteria
// list.
func (c *Client) UpdateDescription(ctx context.Context, id, body string, criteria []string) error {
	doc := atlassian.FromMarkdown(collab.FormatDescription(body, criteria))
	return c.edit(ctx, id, map[string]any{"description": doc})
}

func (c *Client) edit(ctx context.Context, id string, fields map[string]any) error {
	if err := ValidateIssueKey(id); err != nil {
		return err
	}
	if err := c.api.Do(ctx, http.MethodPut, "/rest/api/3/issue/"+url.PathEscape(id), map[string]any{"fields": fields}, nil); err != nil {
		return fmt.Errorf("update issue %s: %w", id, err)
	}
	return nil
}
