package docs

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lucasnoah/storyfactory/internal/atlassian"
	"github.com/lucasnoah/storyfactory/internal/collab"
)

var (
	_ collab.DocumentRepository = (*Confluence)(nil)
	_ collab.DocumentRepository = (*Local)(nil)
)

func newConfluence(t *testing.T, h http.HandlerFunc) *Confluence {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	api, err := atlassian.New(atlassian.Config{BaseURL: srv.URL, Email: "bot@example.com", Token: "tok", Backoff: time.Millisecond})
	require.NoError(t, err)
	return NewConfluence(api)
}

func TestConfluenceCreatePage(t *testing.T) {
	var got map[string]any
	c := newConfluence(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/wiki/rest/api/content", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"id":"9001","_links":{"webui":"/spaces/ENG/pages/9001"}}`))
	})
	c.ParentID = "77"

	page, err := c.CreatePage(context.Background(), "ENG", "Login design", "## Context\nUse OAuth", "graph TD; A-->B")
	require.NoError(t, err)
	assert.Equal(t, "9001", page.ID)
	assert.True(t, strings.HasSuffix(page.URL, "/wiki/spaces/ENG/pages/9001"), page.URL)

	assert.Equal(t, "page", got["type"])
	assert.Equal(t, map[string]any{"key": "ENG"}, got["space"])
	assert.Equal(t, []any{map[string]any{"id": "77"}}, got["ancestors"])

	adf := got["body"].(map[string]any)["atlas_doc_format"].(map[string]any)
	assert.Equal(t, "atlas_doc_format", adf["representation"])
	var doc atlassian.Node
	require.NoError(t, json.Unmarshal([]byte(adf["value"].(string)), &doc))
	last := doc.Content[len(doc.Content)-1]
	assert.Equal(t, "codeBlock", last.Type)
	assert.Equal(t, "mermaid", last.Attrs["language"])
}

func TestConfluenceCreateNeedsSpace(t *testing.T) {
	c := newConfluence(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("unexpected request")
	})
	_, err := c.CreatePage(context.Background(), "", "t", "b", "")
	assert.Error(t, err)
}

func TestConfluenceUpdateBumpsVersion(t *testing.T) {
	var put map[string]any
	c := newConfluence(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/wiki/rest/api/content/9001", r.URL.Path)
		switch r.Method {
		case http.MethodGet:
			assert.Equal(t, "version", r.URL.Query().Get("expand"))
			_, _ = w.Write([]byte(`{"id":"9001","title":"Login design","version":{"number":4}}`))
		case http.MethodPut:
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&put))
			_, _ = w.Write([]byte(`{"id":"9001","_links":{"base":"https://acme.atlassian.net/wiki","webui":"/x"}}`))
		}
	})

	page, err := c.UpdatePage(context.Background(), "9001", "new body", "graph TD; A-->C")
	require.NoError(t, err)
	assert.Equal(t, "https://acme.atlassian.net/wiki/x", page.URL)
	assert.Equal(t, "Login design", put["title"])
	assert.Equal(t, map[string]any{"number": float64(5)}, put["version"])

	adf := put["body"].(map[string]any)["atlas_doc_format"].(map[string]any)
	var doc atlassian.Node
	require.NoError(t, json.Unmarshal([]byte(adf["value"].(string)), &doc))
	last := doc.Content[len(doc.Content)-1]
	assert.Equal(t, "codeBlock", last.Type)
	require.Len(t, last.Content, 1)
	assert.Equal(t, "graph TD; A-->C", last.Content[0].Text)
}

func TestLocalCreateAndUpdate(t *testing.T) {
	dir := t.TempDir()
	l := NewLocal(dir)
	ctx := context.Background()

	first, err := l.CreatePage(ctx, "ENG", "Login Design!", "Use OAuth", "graph TD; A-->B")
	require.NoError(t, err)
	assert.Equal(t, "1", first.ID)
	second, err := l.CreatePage(ctx, "", "Second", "body", "")
	require.NoError(t, err)
	assert.Equal(t, "2", second.ID)

	path := filepath.Join(dir, "1-login-design.md")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "# Login Design!")
	assert.Contains(t, string(data), "```mermaid\ngraph TD; A-->B\n```")
	assert.Equal(t, "file://"+path, first.URL)

	_, err = l.UpdatePage(ctx, "1", "Use SAML", "graph TD; A-->C")
	require.NoError(t, err)
	data, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "<!-- space: ENG -->\n# Login Design!\n\nUse SAML\n\n## Diagram\n\n```mermaid\ngraph TD; A-->C\n```\n", string(data))

	_, err = l.UpdatePage(ctx, "1", "Use SAML", "")
	require.NoError(t, err)
	data, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "<!-- space: ENG -->\n# Login Design!\n\nUse SAML\n", string(data))
}

func TestLocalUpdateMissing(t *testing.T) {
	l := NewLocal(t.TempDir())
	_, err := l.UpdatePage(context.Background(), "3", "x", "")
	assert.Error(t, err)
	_, err = l.UpdatePage(context.Background(), "../etc", "x", "")
	assert.Error(t, err)
}

func TestSlug(t *testing.T) {
	assert.Equal(t, "add-oauth-login", slug("Add OAuth  login"))
	assert.Equal(t, "page", slug("!!!"))
	assert.LessOrEqual(t, len(slug(strings.Repeat("word ", 40))), 60)
}
