package pipeline

import (
	"encoding/json"
	"fmt"
)

// Feedback is the Supervisor's revision guidance. Inference output may carry
// either a single string for every target or a per-stage map.
type Feedback struct {
	General  string               `json:"-"`
	PerStage map[StageName]string `json:"-"`
}

// For returns the guidance for one stage, falling back to the general text.
func (f Feedback) For(stage StageName) string {
	if v, ok := f.PerStage[stage]; ok && v != "" {
		return v
	}
	return f.General
}

// IsEmpty reports whether no guidance was given.
func (f Feedback) IsEmpty() bool {
	return f.General == "" && len(f.PerStage) == 0
}

// MarshalJSON writes the map form when per-stage guidance exists.
func (f Feedback) MarshalJSON() ([]byte, error) {
	if len(f.PerStage) == 0 {
		return json.Marshal(f.General)
	}
	m := make(map[string]string, len(f.PerStage)+1)
	for k, v := range f.PerStage {
		m[string(k)] = v
	}
	if f.General != "" {
		m["*"] = f.General
	}
	return json.Marshal(m)
}

// UnmarshalJSON accepts a string, a map of stage to string, or null.
func (f *Feedback) UnmarshalJSON(data []byte) error {
	*f = Feedback{}
	if string(data) == "null" {
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		f.General = s
		return nil
	}
	var m map[string]string
	if err := json.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("feedback must be a string or an object of strings: %w", err)
	}
	for k, v := range m {
		if k == "*" {
			f.General = v
			continue
		}
		name, ok := ParseStageName(k)
		if !ok {
			name = StageName(k)
		}
		if f.PerStage == nil {
			f.PerStage = make(map[StageName]string)
		}
		f.PerStage[name] = v
	}
	return nil
}

func (f Feedback) clone() Feedback {
	c := Feedback{General: f.General}
	if f.PerStage != nil {
		c.PerStage = make(map[StageName]string, len(f.PerStage))
		for k, v := range f.PerStage {
			c.PerStage[k] = v
		}
	}
	return c
}
