package github

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/google/go-github/v57/github"

	"github.com/lucasnoah/storyfactory/internal/collab"
	"github.com/lucasnoah/storyfactory/internal/pipeline"
)

// newTestClient returns a Client whose API calls go to mux.
func newTestClient(t *testing.T, mux *http.ServeMux) *Client {
	t.Helper()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	gh := github.NewClient(nil)
	u, _ := url.Parse(srv.URL + "/")
	gh.BaseURL = u
	return NewWithClient(gh, "acme", "shop", "")
}

func decodeBody(t *testing.T, r *http.Request, v any) {
	t.Helper()
	data, _ := io.ReadAll(r.Body)
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("decode %s body: %v (%s)", r.URL.Path, err, data)
	}
}

func TestParseIssueNumber(t *testing.T) {
	tests := []struct {
		in      string
		want    int
		wantErr bool
	}{
		{"42", 42, false},
		{"#42", 42, false},
		{"acme/shop#7", 7, false},
		{"PROJ-1", 0, true},
		{"0", 0, true},
		{"-1", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseIssueNumber(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseIssueNumber(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if got != tt.want {
			t.Errorf("ParseIssueNumber(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestValidateIssueNumber(t *testing.T) {
	if err := ValidateIssueNumber(1); err != nil {
		t.Errorf("expected no error for 1, got %v", err)
	}
	if err := ValidateIssueNumber(0); err == nil {
		t.Error("expected error for 0")
	}
}

func TestNewRequiresRepoAndToken(t *testing.T) {
	if _, err := New(context.Background(), Config{Owner: "acme"}); err == nil {
		t.Error("expected error without repo")
	}
	if _, err := New(context.Background(), Config{Owner: "acme", Repo: "shop"}); err == nil {
		t.Error("expected error without token")
	}
	c, err := New(context.Background(), Config{Owner: "acme", Repo: "shop", Token: "t"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if c.BaseBranch() != "main" {
		t.Errorf("BaseBranch = %q, want main", c.BaseBranch())
	}
}

func TestFetchIssue(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/acme/shop/issues/42", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"number":42,"title":"Reset password","html_url":"https://github.com/acme/shop/issues/42",
			"body":"Users forget passwords.\n\n## Acceptance Criteria\n- [ ] email is sent\n- [x] link expires",
			"labels":[{"name":"feature"}]}`)
	})
	c := newTestClient(t, mux)

	iss, err := c.FetchIssue(context.Background(), "#42")
	if err != nil {
		t.Fatalf("FetchIssue: %v", err)
	}
	if iss.Key != "#42" || iss.Title != "Reset password" {
		t.Errorf("got key=%q title=%q", iss.Key, iss.Title)
	}
	if iss.Description != "Users forget passwords." {
		t.Errorf("Description = %q", iss.Description)
	}
	if len(iss.Criteria) != 2 || iss.Criteria[1] != "link expires" {
		t.Errorf("Criteria = %v", iss.Criteria)
	}
	if len(iss.Labels) != 1 || iss.Labels[0] != "feature" {
		t.Errorf("Labels = %v", iss.Labels)
	}
	if iss.Story() != "Reset password: Users forget passwords." {
		t.Errorf("Story = %q", iss.Story())
	}
}

func TestFetchIssueInvalidID(t *testing.T) {
	c := newTestClient(t, http.NewServeMux())
	if _, err := c.FetchIssue(context.Background(), "PROJ-1"); err == nil {
		t.Fatal("expected error for non-numeric id")
	}
}

func TestCreateSubTasksAndComment(t *testing.T) {
	var titles []string
	var comment string
	next := 100
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/acme/shop/issues", func(w http.ResponseWriter, r *http.Request) {
		var req github.IssueRequest
		decodeBody(t, r, &req)
		titles = append(titles, req.GetTitle())
		if req.GetBody()[:len("Parent: #42")] != "Parent: #42" {
			t.Errorf("body = %q, want parent link", req.GetBody())
		}
		next++
		fmt.Fprintf(w, `{"number":%d}`, next)
	})
	mux.HandleFunc("/repos/acme/shop/issues/42/comments", func(w http.ResponseWriter, r *http.Request) {
		var req github.IssueComment
		decodeBody(t, r, &req)
		comment = req.GetBody()
		fmt.Fprint(w, `{"id":1}`)
	})
	c := newTestClient(t, mux)

	ids, err := c.CreateSubTasks(context.Background(), "42", []collab.SubTask{
		{Title: "[FE] Reset form", Description: "React"},
		{Title: "[BE] Token endpoint", Description: "POST"},
	})
	if err != nil {
		t.Fatalf("CreateSubTasks: %v", err)
	}
	if len(ids) != 2 || ids[0] != "#101" || ids[1] != "#102" {
		t.Errorf("ids = %v", ids)
	}
	if len(titles) != 2 || titles[0] != "[FE] Reset form" {
		t.Errorf("titles = %v", titles)
	}

	if err := c.AddComment(context.Background(), "42", "Total: 16h"); err != nil {
		t.Fatalf("AddComment: %v", err)
	}
	if comment != "Total: 16h" {
		t.Errorf("comment = %q", comment)
	}
}

func TestUpdateFieldsAndDescription(t *testing.T) {
	var labels []string
	var body string
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/acme/shop/issues/42/labels", func(w http.ResponseWriter, r *http.Request) {
		decodeBody(t, r, &labels)
		fmt.Fprint(w, `[]`)
	})
	mux.HandleFunc("/repos/acme/shop/issues/42", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPatch {
			t.Errorf("method = %s, want PATCH", r.Method)
		}
		var req github.IssueRequest
		decodeBody(t, r, &req)
		body = req.GetBody()
		fmt.Fprint(w, `{"number":42}`)
	})
	c := newTestClient(t, mux)

	if err := c.UpdateFields(context.Background(), "42", map[string]string{"status": "Enriched"}); err != nil {
		t.Fatalf("UpdateFields: %v", err)
	}
	if len(labels) != 1 || labels[0] != "status: Enriched" {
		t.Errorf("labels = %v", labels)
	}

	if err := c.UpdateDescription(context.Background(), "42", "Enriched text", []string{"email is sent"}); err != nil {
		t.Fatalf("UpdateDescription: %v", err)
	}
	want := "Enriched text\n\n## Acceptance Criteria\n- [ ] email is sent"
	if body != want {
		t.Errorf("body = %q, want %q", body, want)
	}
}

func TestGetFiles(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/acme/shop/contents/src/app.ts", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("ref") != "main" {
			t.Errorf("ref = %q, want main", r.URL.Query().Get("ref"))
		}
		enc := base64.StdEncoding.EncodeToString([]byte("old contents"))
		fmt.Fprintf(w, `{"type":"file","encoding":"base64","path":"src/app.ts","content":%q}`, enc)
	})
	mux.HandleFunc("/repos/acme/shop/contents/src/missing.ts", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message":"Not Found"}`, http.StatusNotFound)
	})
	c := newTestClient(t, mux)

	files, err := c.GetFiles(context.Background(), []string{"src/app.ts", "src/missing.ts"})
	if err != nil {
		t.Fatalf("GetFiles: %v", err)
	}
	if files["src/app.ts"] == nil || *files["src/app.ts"] != "old contents" {
		t.Errorf("app.ts = %v", files["src/app.ts"])
	}
	if v, ok := files["src/missing.ts"]; !ok || v != nil {
		t.Errorf("missing.ts = %v (present %v), want nil entry", v, ok)
	}
}

func TestCreateBranchCommitAndPullRequest(t *testing.T) {
	var createdRef string
	var tree []map[string]any
	var updatedSHA string
	var pr github.NewPullRequest

	mux := http.NewServeMux()
	mux.HandleFunc("/repos/acme/shop/git/ref/heads/main", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"ref":"refs/heads/main","object":{"sha":"base-sha","type":"commit"}}`)
	})
	mux.HandleFunc("/repos/acme/shop/git/refs", func(w http.ResponseWriter, r *http.Request) {
		var ref map[string]any
		decodeBody(t, r, &ref)
		createdRef = ref["ref"].(string)
		fmt.Fprint(w, `{"ref":"refs/heads/storyfactory/42-r0","object":{"sha":"base-sha"}}`)
	})
	mux.HandleFunc("/repos/acme/shop/git/ref/heads/storyfactory/42-r0", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"ref":"refs/heads/storyfactory/42-r0","object":{"sha":"base-sha","type":"commit"}}`)
	})
	mux.HandleFunc("/repos/acme/shop/git/commits/base-sha", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"sha":"base-sha","tree":{"sha":"base-tree"}}`)
	})
	mux.HandleFunc("/repos/acme/shop/git/trees", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			BaseTree string           `json:"base_tree"`
			Tree     []map[string]any `json:"tree"`
		}
		decodeBody(t, r, &req)
		if req.BaseTree != "base-tree" {
			t.Errorf("base_tree = %q", req.BaseTree)
		}
		tree = req.Tree
		fmt.Fprint(w, `{"sha":"new-tree"}`)
	})
	mux.HandleFunc("/repos/acme/shop/git/commits", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"sha":"new-commit"}`)
	})
	mux.HandleFunc("/repos/acme/shop/git/refs/heads/storyfactory/42-r0", func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		decodeBody(t, r, &req)
		updatedSHA, _ = req["sha"].(string)
		fmt.Fprint(w, `{"ref":"refs/heads/storyfactory/42-r0","object":{"sha":"new-commit"}}`)
	})
	mux.HandleFunc("/repos/acme/shop/pulls", func(w http.ResponseWriter, r *http.Request) {
		decodeBody(t, r, &pr)
		fmt.Fprint(w, `{"number":7,"html_url":"https://github.com/acme/shop/pull/7"}`)
	})
	c := newTestClient(t, mux)
	ctx := context.Background()

	if err := c.CreateBranch(ctx, "main", "storyfactory/42-r0"); err != nil {
		t.Fatalf("CreateBranch: %v", err)
	}
	if createdRef != "refs/heads/storyfactory/42-r0" {
		t.Errorf("created ref = %q", createdRef)
	}

	err := c.CommitFiles(ctx, "storyfactory/42-r0", "feat: reset", []pipeline.FileChange{
		{Path: "src/app.ts", Action: pipeline.ActionModify, Content: "new"},
		{Path: "src/gone.ts", Action: pipeline.ActionDelete},
	})
	if err != nil {
		t.Fatalf("CommitFiles: %v", err)
	}
	if len(tree) != 2 {
		t.Fatalf("tree entries = %d, want 2", len(tree))
	}
	if tree[0]["content"] != "new" {
		t.Errorf("first entry = %v", tree[0])
	}
	if sha, ok := tree[1]["sha"]; !ok || sha != nil {
		t.Errorf("delete entry should carry a null sha, got %v", tree[1])
	}
	if updatedSHA != "new-commit" {
		t.Errorf("ref updated to %q, want new-commit", updatedSHA)
	}

	prURL, err := c.CreatePullRequest(ctx, "storyfactory/42-r0", "main", "PROJ: reset", "body")
	if err != nil {
		t.Fatalf("CreatePullRequest: %v", err)
	}
	if prURL != "https://github.com/acme/shop/pull/7" {
		t.Errorf("url = %q", prURL)
	}
	if pr.GetHead() != "storyfactory/42-r0" || pr.GetBase() != "main" {
		t.Errorf("pr = %+v", pr)
	}
}

func TestCreateBranchRejectsDashPrefix(t *testing.T) {
	c := newTestClient(t, http.NewServeMux())
	if err := c.CreateBranch(context.Background(), "main", "-x"); err == nil {
		t.Fatal("expected error for branch starting with -")
	}
}
