package stage

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/lucasnoah/storyfactory/internal/collab"
)

// validator is implemented by decoded stage outputs with shape rules beyond
// required keys.
type validator interface {
	Validate() error
}

// ParseOrDefault decodes inference output into T. Markdown code fences and
// surrounding prose are tolerated. If the output is not a JSON object, lacks
// a key the schema requires, or fails T's own Validate, def is returned with
// a *collab.SchemaViolation.
func ParseOrDefault[T any](raw []byte, schema collab.Schema, def T) (T, error) {
	violation := func(reason string) (T, error) {
		return def, &collab.SchemaViolation{Schema: schema.Name, Reason: reason, Raw: string(raw)}
	}

	body := extractObject(raw)
	if body == nil {
		return violation("no JSON object in output")
	}

	var keys map[string]json.RawMessage
	if err := json.Unmarshal(body, &keys); err != nil {
		return violation(err.Error())
	}
	for _, k := range schema.Required {
		v, ok := keys[k]
		if !ok || string(v) == "null" {
			return violation(fmt.Sprintf("missing required key %q", k))
		}
	}

	var out T
	if err := json.Unmarshal(body, &out); err != nil {
		return violation(err.Error())
	}
	if v, ok := any(&out).(validator); ok {
		if err := v.Validate(); err != nil {
			return violation(err.Error())
		}
	}
	return out, nil
}

// extractObject returns the outermost {...} span of raw, or nil.
func extractObject(raw []byte) []byte {
	s := bytes.TrimSpace(raw)
	if bytes.HasPrefix(s, []byte("```")) {
		s = bytes.TrimPrefix(s, []byte("```"))
		if nl := bytes.IndexByte(s, '\n'); nl >= 0 {
			s = s[nl+1:]
		}
		s = bytes.TrimSuffix(bytes.TrimSpace(s), []byte("```"))
	}
	start := bytes.IndexByte(s, '{')
	end := bytes.LastIndexByte(s, '}')
	if start < 0 || end < start {
		return nil
	}
	return s[start : end+1]
}

// IsSchemaViolation reports whether err is a *collab.SchemaViolation.
func IsSchemaViolation(err error) bool {
	var sv *collab.SchemaViolation
	return errors.As(err, &sv)
}

// failureNote formats a parse or inference failure for the state log.
func failureNote(stage, kind string, err error) string {
	msg := strings.ReplaceAll(err.Error(), "\n", " ")
	if len(msg) > 200 {
		msg = msg[:200] + "..."
	}
	return fmt.Sprintf("%s:%s:%s", stage, kind, msg)
}
