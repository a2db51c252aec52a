// Package github implements collab.SourceControl and collab.IssueTracker
// against the GitHub REST API.
package github

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/go-github/v57/github"
	"golang.org/x/oauth2"

	"github.com/lucasnoah/storyfactory/internal/collab"
	"github.com/lucasnoah/storyfactory/internal/pipeline"
)

// Config selects the repository and credentials.
type Config struct {
	Owner      string
	Repo       string
	BaseBranch string
	Token      string `json:"-"`
	// BaseURL points at a GitHub Enterprise API, e.g. https://ghe.example.com/api/v3/.
	BaseURL string
}

// Client talks to one repository.
type Client struct {
	gh    *github.Client
	owner string
	repo  string
	base  string
}

var (
	_ collab.SourceControl = (*Client)(nil)
	_ collab.IssueTracker  = (*Client)(nil)
)

// New creates an authenticated client.
func New(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.Owner == "" || cfg.Repo == "" {
		return nil, fmt.Errorf("github owner and repo required")
	}
	if cfg.Token == "" {
		return nil, fmt.Errorf("github token not set")
	}
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token})
	gh := github.NewClient(oauth2.NewClient(ctx, ts))
	if cfg.BaseURL != "" {
		var err error
		gh, err = gh.WithEnterpriseURLs(cfg.BaseURL, cfg.BaseURL)
		if err != nil {
			return nil, fmt.Errorf("github base url: %w", err)
		}
	}
	return NewWithClient(gh, cfg.Owner, cfg.Repo, cfg.BaseBranch), nil
}

// NewWithClient wraps an existing go-github client.
func NewWithClient(gh *github.Client, owner, repo, base string) *Client {
	if base == "" {
		base = "main"
	}
	return &Client{gh: gh, owner: owner, repo: repo, base: base}
}

// BaseBranch returns the branch new work is cut from.
func (c *Client) BaseBranch() string { return c.base }

// ValidateIssueNumber checks that an issue number is positive.
func ValidateIssueNumber(n int) error {
	if n <= 0 {
		return fmt.Errorf("invalid issue number %d: must be positive", n)
	}
	return nil
}

// ParseIssueNumber accepts "42", "#42" and "owner/repo#42".
func ParseIssueNumber(id string) (int, error) {
	s := strings.TrimSpace(id)
	if i := strings.LastIndex(s, "#"); i >= 0 {
		s = s[i+1:]
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid issue id %q", id)
	}
	if err := ValidateIssueNumber(n); err != nil {
		return 0, err
	}
	return n, nil
}

func isNotFound(resp *github.Response, err error) bool {
	if resp != nil && resp.StatusCode == http.StatusNotFound {
		return true
	}
	var er *github.ErrorResponse
	return errors.As(err, &er) && er.Response != nil && er.Response.StatusCode == http.StatusNotFound
}

// --- SourceControl ---

// CreateBranch creates name pointing at the head of base.
func (c *Client) CreateBranch(ctx context.Context, base, name string) error {
	if strings.HasPrefix(name, "-") {
		return fmt.Errorf("invalid branch name %q: must not start with -", name)
	}
	ref, _, err := c.gh.Git.GetRef(ctx, c.owner, c.repo, "heads/"+base)
	if err != nil {
		return fmt.Errorf("get ref %s: %w", base, err)
	}
	_, _, err = c.gh.Git.CreateRef(ctx, c.owner, c.repo, &github.Reference{
		Ref:    github.String("refs/heads/" + name),
		Object: &github.GitObject{SHA: ref.Object.SHA},
	})
	if err != nil {
		return fmt.Errorf("create branch %s: %w", name, err)
	}
	return nil
}

// GetFiles reads paths from the base branch. Missing files map to nil.
func (c *Client) GetFiles(ctx context.Context, paths []string) (map[string]*string, error) {
	out := make(map[string]*string, len(paths))
	for _, p := range paths {
		fc, _, resp, err := c.gh.Repositories.GetContents(ctx, c.owner, c.repo, p, &github.RepositoryContentGetOptions{Ref: c.base})
		if err != nil {
			if isNotFound(resp, err) {
				out[p] = nil
				continue
			}
			return nil, fmt.Errorf("get %s: %w", p, err)
		}
		if fc == nil {
			// A directory is not a file the change set can target.
			out[p] = nil
			continue
		}
		content, err := fc.GetContent()
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", p, err)
		}
		out[p] = &content
	}
	return out, nil
}

// CommitFiles writes every change as a single commit on branch.
func (c *Client) CommitFiles(ctx context.Context, branch, message string, changes []pipeline.FileChange) error {
	ref, _, err := c.gh.Git.GetRef(ctx, c.owner, c.repo, "heads/"+branch)
	if err != nil {
		return fmt.Errorf("get ref %s: %w", branch, err)
	}
	parent, _, err := c.gh.Git.GetCommit(ctx, c.owner, c.repo, ref.Object.GetSHA())
	if err != nil {
		return fmt.Errorf("get commit: %w", err)
	}

	entries := make([]*github.TreeEntry, 0, len(changes))
	for _, ch := range changes {
		e := &github.TreeEntry{
			Path: github.String(ch.Path),
			Mode: github.String("100644"),
			Type: github.String("blob"),
		}
		if ch.Action != pipeline.ActionDelete {
			e.Content = github.String(ch.Content)
		}
		entries = append(entries, e)
	}
	tree, _, err := c.gh.Git.CreateTree(ctx, c.owner, c.repo, parent.Tree.GetSHA(), entries)
	if err != nil {
		return fmt.Errorf("create tree: %w", err)
	}

	commit, _, err := c.gh.Git.CreateCommit(ctx, c.owner, c.repo, &github.Commit{
		Message: github.String(message),
		Tree:    tree,
		Parents: []*github.Commit{{SHA: parent.SHA}},
	}, nil)
	if err != nil {
		return fmt.Errorf("create commit: %w", err)
	}

	ref.Object.SHA = commit.SHA
	if _, _, err := c.gh.Git.UpdateRef(ctx, c.owner, c.repo, ref, false); err != nil {
		return fmt.Errorf("update ref %s: %w", branch, err)
	}
	return nil
}

// CreatePullRequest opens a pull request and returns its URL.
func (c *Client) CreatePullRequest(ctx context.Context, head, base, title, body string) (string, error) {
	pr, _, err := c.gh.PullRequests.Create(ctx, c.owner, c.repo, &github.NewPullRequest{
		Title: github.String(title),
		Head:  github.String(head),
		Base:  github.String(base),
		Body:  github.String(body),
	})
	if err != nil {
		return "", fmt.Errorf("create PR: %w", err)
	}
	return pr.GetHTMLURL(), nil
}
