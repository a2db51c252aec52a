// Package docs stores solution design pages in Confluence or a local directory.
package docs

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/lucasnoah/storyfactory/internal/atlassian"
	"github.com/lucasnoah/storyfactory/internal/collab"
)

const contentPath = "/wiki/rest/api/content"

// Confluence implements collab.DocumentRepository with Confluence Cloud pages
// in Atlassian Document Format.
type Confluence struct {
	api *atlassian.Client
	// ParentID, when set, files new pages under that page.
	ParentID string
}

// NewConfluence creates a Confluence repository.
func NewConfluence(api *atlassian.Client) *Confluence {
	return &Confluence{api: api}
}

type pageBody struct {
	ADF struct {
		Value          string `json:"value"`
		Representation string `json:"representation"`
	} `json:"atlas_doc_format"`
}

type pageResponse struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	Version struct {
		Number int `json:"number"`
	} `json:"version"`
	Links struct {
		WebUI string `json:"webui"`
		Base  string `json:"base"`
	} `json:"_links"`
}

func newPageBody(body, diagram string) (pageBody, error) {
	doc := atlassian.FromMarkdown(body)
	if diagram != "" {
		doc.Content = append(doc.Content, atlassian.Heading(2, "Diagram"), atlassian.CodeBlock("mermaid", diagram))
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return pageBody{}, fmt.Errorf("encode page body: %w", err)
	}
	var pb pageBody
	pb.ADF.Value = string(raw)
	pb.ADF.Representation = "atlas_doc_format"
	return pb, nil
}

// CreatePage creates a page in space.
func (c *Confluence) CreatePage(ctx context.Context, space, title, body, diagram string) (*collab.Page, error) {
	if space == "" {
		return nil, fmt.Errorf("confluence space required")
	}
	pb, err := newPageBody(body, diagram)
	if err != nil {
		return nil, err
	}
	payload := map[string]any{
		"type":  "page",
		"title": title,
		"space": map[string]string{"key": space},
		"body":  pb,
	}
	if c.ParentID != "" {
		payload["ancestors"] = []map[string]string{{"id": c.ParentID}}
	}

	var resp pageResponse
	if err := c.api.Do(ctx, http.MethodPost, contentPath, payload, &resp); err != nil {
		return nil, fmt.Errorf("create page %q: %w", title, err)
	}
	return c.page(resp), nil
}

// UpdatePage replaces the body and diagram of page id, keeping its title and
// bumping its version.
func (c *Confluence) UpdatePage(ctx context.Context, id, body, diagram string) (*collab.Page, error) {
	path := contentPath + "/" + url.PathEscape(id)
	var current pageResponse
	if err := c.api.Do(ctx, http.MethodGet, path+"?expand=version", nil, &current); err != nil {
		return nil, fmt.Errorf("get page %s: %w", id, err)
	}

	pb, err := newPageBody(body, diagram)
	if err != nil {
		return nil, err
	}
	payload := map[string]any{
		"id":      id,
		"type":    "page",
		"title":   current.Title,
		"version": map[string]int{"number": current.Version.Number + 1},
		"body":    pb,
	}
	var resp pageResponse
	if err := c.api.Do(ctx, http.MethodPut, path, payload, &resp); err != nil {
		return nil, fmt.Errorf("update page %s: %w", id, err)
	}
	return c.page(resp), nil
}

func (c *Confluence) page(resp pageResponse) *collab.Page {
	p := &collab.Page{ID: resp.ID}
	if resp.Links.WebUI != "" {
		base := resp.Links.Base
		if base == "" {
			base = c.api.BaseURL() + "/wiki"
		}
		p.URL = base + resp.Links.WebUI
	}
	return p
}
