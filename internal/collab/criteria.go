package collab

import (
	"regexp"
	"strings"
)

var (
	acHeaderRe   = regexp.MustCompile(`(?mi)^#{1,3}\s+acceptance\s+criteria\s*$`)
	nextHeaderRe = regexp.MustCompile(`(?m)^#{1,3}\s+`)
	checkboxRe   = regexp.MustCompile(`(?m)^\s*[-*]\s+\[[ xX]\]\s+(.+)$`)
	bulletRe     = regexp.MustCompile(`^\s*(?:[-*]|\d+[.)])\s+(?:\[[ xX]\]\s+)?(.+)$`)
)

// ExtractCriteria parses acceptance criteria from a markdown issue body. It
// reads the list under an "Acceptance Criteria" header, falling back to any
// checkbox list in the body.
func ExtractCriteria(body string) []string {
	if loc := acHeaderRe.FindStringIndex(body); loc != nil {
		section := body[loc[1]:]
		if next := nextHeaderRe.FindStringIndex(section); next != nil {
			section = section[:next[0]]
		}
		var out []string
		for _, line := range strings.Split(section, "\n") {
			if m := bulletRe.FindStringSubmatch(line); m != nil {
				out = append(out, strings.TrimSpace(m[1]))
			}
		}
		return out
	}

	var out []string
	for _, m := range checkboxRe.FindAllStringSubmatch(body, -1) {
		out = append(out, strings.TrimSpace(m[1]))
	}
	return out
}

// StripCriteria removes an "Acceptance Criteria" section from body.
func StripCriteria(body string) string {
	loc := acHeaderRe.FindStringIndex(body)
	if loc == nil {
		return strings.TrimSpace(body)
	}
	rest := body[loc[1]:]
	tail := ""
	if next := nextHeaderRe.FindStringIndex(rest); next != nil {
		tail = rest[next[0]:]
	}
	return strings.TrimSpace(strings.TrimSpace(body[:loc[0]]) + "\n\n" + tail)
}

// FormatDescription renders body followed by a markdown criteria checklist.
func FormatDescription(body string, criteria []string) string {
	body = strings.TrimSpace(body)
	if len(criteria) == 0 {
		return body
	}
	var sb strings.Builder
	sb.WriteString(body)
	sb.WriteString("\n\n## Acceptance Criteria\n")
	for _, c := range criteria {
		sb.WriteString("- [ ] " + c + "\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}
