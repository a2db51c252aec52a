package docs

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/lucasnoah/storyfactory/internal/collab"
)

var slugRe = regexp.MustCompile(`[^a-z0-9]+`)

// Local writes pages as markdown files under Dir. Page ids are sequential
// and the file name is <id>-<slug>.md.
type Local struct {
	Dir string
	mu  sync.Mutex
}

// NewLocal creates a Local repository rooted at dir.
func NewLocal(dir string) *Local {
	return &Local{Dir: dir}
}

// CreatePage writes a new page. The space becomes a subdirectory.
func (l *Local) CreatePage(_ context.Context, space, title, body, diagram string) (*collab.Page, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.MkdirAll(l.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create docs dir: %w", err)
	}
	id, err := l.nextID()
	if err != nil {
		return nil, err
	}
	content := "# " + title + "\n" + pageContent(body, diagram)
	if space != "" {
		content = "<!-- space: " + space + " -->\n" + content
	}

	path := filepath.Join(l.Dir, id+"-"+slug(title)+".md")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return nil, fmt.Errorf("write page: %w", err)
	}
	return &collab.Page{ID: id, URL: "file://" + path}, nil
}

// UpdatePage replaces everything after the title line of page id.
func (l *Local) UpdatePage(_ context.Context, id, body, diagram string) (*collab.Page, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	path, err := l.find(id)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read page %s: %w", id, err)
	}
	var header strings.Builder
	for _, line := range strings.SplitAfter(string(data), "\n") {
		header.WriteString(line)
		if strings.HasPrefix(line, "# ") {
			break
		}
	}
	content := header.String() + pageContent(body, diagram)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return nil, fmt.Errorf("write page %s: %w", id, err)
	}
	return &collab.Page{ID: id, URL: "file://" + path}, nil
}

// pageContent renders the part of a page below its title.
func pageContent(body, diagram string) string {
	content := "\n" + strings.TrimSpace(body) + "\n"
	if diagram != "" {
		content += "\n## Diagram\n\n```mermaid\n" + strings.TrimSpace(diagram) + "\n```\n"
	}
	return content
}

func (l *Local) nextID() (string, error) {
	entries, err := os.ReadDir(l.Dir)
	if err != nil {
		return "", fmt.Errorf("read docs dir: %w", err)
	}
	maxID := 0
	for _, e := range entries {
		prefix, _, ok := strings.Cut(e.Name(), "-")
		if !ok {
			continue
		}
		if n, err := strconv.Atoi(prefix); err == nil && n > maxID {
			maxID = n
		}
	}
	return strconv.Itoa(maxID + 1), nil
}

func (l *Local) find(id string) (string, error) {
	if _, err := strconv.Atoi(id); err != nil {
		return "", fmt.Errorf("invalid page id %q", id)
	}
	matches, err := filepath.Glob(filepath.Join(l.Dir, id+"-*.md"))
	if err != nil {
		return "", err
	}
	if len(matches) == 0 {
		return "", fmt.Errorf("page %s not found", id)
	}
	return matches[0], nil
}

func slug(title string) string {
	s := strings.Trim(slugRe.ReplaceAllString(strings.ToLower(title), "-"), "-")
	if s == "" {
		return "page"
	}
	if len(s) > 60 {
		s = strings.TrimRight(s[:60], "-")
	}
	return s
}
