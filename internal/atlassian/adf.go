package atlassian

import (
	"strings"
)

// Node is an Atlassian Document Format node.
type Node struct {
	Type    string         `json:"type"`
	Text    string         `json:"text,omitempty"`
	Attrs   map[string]any `json:"attrs,omitempty"`
	Content []Node         `json:"content,omitempty"`
	Version int            `json:"version,omitempty"`
}

// Doc wraps block nodes in a version 1 document. An empty document gets one
// empty paragraph since the APIs reject a doc without content.
func Doc(blocks ...Node) Node {
	if len(blocks) == 0 {
		blocks = []Node{Paragraph("")}
	}
	return Node{Type: "doc", Version: 1, Content: blocks}
}

// Paragraph is a paragraph holding a single text run.
func Paragraph(text string) Node {
	if text == "" {
		return Node{Type: "paragraph"}
	}
	return Node{Type: "paragraph", Content: []Node{{Type: "text", Text: text}}}
}

// Heading is a heading of the given level.
func Heading(level int, text string) Node {
	return Node{Type: "heading", Attrs: map[string]any{"level": level}, Content: []Node{{Type: "text", Text: text}}}
}

// CodeBlock is a code block tagged with language.
func CodeBlock(language, code string) Node {
	n := Node{Type: "codeBlock", Content: []Node{{Type: "text", Text: code}}}
	if language != "" {
		n.Attrs = map[string]any{"language": language}
	}
	return n
}

// FromMarkdown converts headings, bullet lists and paragraphs. Everything
// else is kept as paragraph text.
func FromMarkdown(md string) Node {
	var blocks []Node
	for _, line := range strings.Split(md, "\n") {
		trimmed := strings.TrimSpace(line)
		switch {
		case trimmed == "":
			continue
		case strings.HasPrefix(trimmed, "### "):
			blocks = append(blocks, Heading(3, trimmed[4:]))
		case strings.HasPrefix(trimmed, "## "):
			blocks = append(blocks, Heading(2, trimmed[3:]))
		case strings.HasPrefix(trimmed, "# "):
			blocks = append(blocks, Heading(1, trimmed[2:]))
		case strings.HasPrefix(trimmed, "- ") || strings.HasPrefix(trimmed, "* "):
			item := Node{Type: "listItem", Content: []Node{Paragraph(trimmed[2:])}}
			if n := len(blocks); n > 0 && blocks[n-1].Type == "bulletList" {
				blocks[n-1].Content = append(blocks[n-1].Content, item)
			} else {
				blocks = append(blocks, Node{Type: "bulletList", Content: []Node{item}})
			}
		default:
			blocks = append(blocks, Paragraph(trimmed))
		}
	}
	return Doc(blocks...)
}

// PlainText renders a document back to markdown-flavored text.
func PlainText(n Node) string {
	var sb strings.Builder
	writeBlocks(&sb, n.Content)
	return strings.TrimSpace(sb.String())
}

func writeBlocks(sb *strings.Builder, blocks []Node) {
	for _, b := range blocks {
		switch b.Type {
		case "paragraph":
			sb.WriteString(inline(b.Content) + "\n")
		case "heading":
			level := 1
			if l, ok := b.Attrs["level"].(float64); ok {
				level = int(l)
			} else if l, ok := b.Attrs["level"].(int); ok {
				level = l
			}
			sb.WriteString(strings.Repeat("#", level) + " " + inline(b.Content) + "\n")
		case "bulletList", "orderedList", "taskList":
			for _, item := range b.Content {
				var inner strings.Builder
				writeBlocks(&inner, item.Content)
				text := strings.TrimSpace(inner.String())
				if item.Type == "taskItem" {
					text = inline(item.Content)
				}
				sb.WriteString("- " + text + "\n")
			}
		case "codeBlock":
			sb.WriteString("```\n" + inline(b.Content) + "\n```\n")
		case "mediaSingle":
			for _, m := range b.Content {
				if alt, ok := m.Attrs["alt"].(string); ok && alt != "" {
					sb.WriteString("[Image: " + alt + "]\n")
				} else {
					sb.WriteString("[Image]\n")
				}
			}
		default:
			writeBlocks(sb, b.Content)
		}
	}
}

func inline(nodes []Node) string {
	var sb strings.Builder
	for _, n := range nodes {
		switch n.Type {
		case "text":
			sb.WriteString(n.Text)
		case "hardBreak":
			sb.WriteString("\n")
		default:
			sb.WriteString(inline(n.Content))
		}
	}
	return sb.String()
}
