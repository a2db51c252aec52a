package github

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/go-github/v57/github"

	"github.com/lucasnoah/storyfactory/internal/collab"
)

// FetchIssue loads an issue and extracts its acceptance criteria.
func (c *Client) FetchIssue(ctx context.Context, id string) (*collab.Issue, error) {
	n, err := ParseIssueNumber(id)
	if err != nil {
		return nil, err
	}
	iss, _, err := c.gh.Issues.Get(ctx, c.owner, c.repo, n)
	if err != nil {
		return nil, fmt.Errorf("get issue %d: %w", n, err)
	}
	labels := make([]string, 0, len(iss.Labels))
	for _, l := range iss.Labels {
		labels = append(labels, l.GetName())
	}
	return &collab.Issue{
		Key:         fmt.Sprintf("#%d", n),
		Title:       iss.GetTitle(),
		Description: collab.StripCriteria(iss.GetBody()),
		URL:         iss.GetHTMLURL(),
		Labels:      labels,
		Criteria:    collab.ExtractCriteria(iss.GetBody()),
	}, nil
}

// CreateSubTasks opens one issue per task, each linking back to the parent.
// GitHub has no native sub-tasks.
func (c *Client) CreateSubTasks(ctx context.Context, parentID string, tasks []collab.SubTask) ([]string, error) {
	parent, err := ParseIssueNumber(parentID)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(tasks))
	for _, t := range tasks {
		body := fmt.Sprintf("Parent: #%d\n\n%s", parent, t.Description)
		iss, _, err := c.gh.Issues.Create(ctx, c.owner, c.repo, &github.IssueRequest{
			Title: github.String(t.Title),
			Body:  github.String(body),
		})
		if err != nil {
			return ids, fmt.Errorf("create sub-task %q: %w", t.Title, err)
		}
		ids = append(ids, fmt.Sprintf("#%d", iss.GetNumber()))
	}
	return ids, nil
}

// AddComment posts a comment on the issue.
func (c *Client) AddComment(ctx context.Context, id, text string) error {
	n, err := ParseIssueNumber(id)
	if err != nil {
		return err
	}
	if _, _, err := c.gh.Issues.CreateComment(ctx, c.owner, c.repo, n, &github.IssueComment{Body: github.String(text)}); err != nil {
		return fmt.Errorf("comment on issue %d: %w", n, err)
	}
	return nil
}

// UpdateFields records each field as a "<field>: <value>" label.
func (c *Client) UpdateFields(ctx context.Context, id string, fields map[string]string) error {
	n, err := ParseIssueNumber(id)
	if err != nil {
		return err
	}
	labels := make([]string, 0, len(fields))
	for k, v := range fields {
		labels = append(labels, k+": "+v)
	}
	sort.Strings(labels)
	if _, _, err := c.gh.Issues.AddLabelsToIssue(ctx, c.owner, c.repo, n, labels); err != nil {
		return fmt.Errorf("label issue %d: %w", n, err)
	}
	return nil
}

// UpdateDescription replaces the issue body with body and a criteria checklist.
func (c *Client) UpdateDescription(ctx context.Context, id, body string, criteria []string) error {
	n, err := ParseIssueNumber(id)
	if err != nil {
		return err
	}
	_, _, err = c.gh.Issues.Edit(ctx, c.owner, c.repo, n, &github.IssueRequest{
		Body: github.String(collab.FormatDescription(body, criteria)),
	})
	if err != nil {
		return fmt.Errorf("update issue %d: %w", n, err)
	}
	return nil
}
