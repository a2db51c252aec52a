// Package stage defines the contract every pipeline stage implements, the
// registry the executor and router consult, and the built-in stages.
package stage

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/lucasnoah/storyfactory/internal/pipeline"
)

var (
	// ErrUnknownStage is returned when a stage name is not registered.
	ErrUnknownStage = errors.New("unknown stage")
	// ErrMissingPrerequisites is returned when a non-entry stage is invoked
	// before the fields it depends on are set.
	ErrMissingPrerequisites = errors.New("missing prerequisites")
)

// Input is what a stage receives. State is a private copy; mutating it has
// no effect on the run.
type Input struct {
	State *pipeline.PipelineState
	// Feedback is the revision guidance for this stage, empty outside a revision.
	Feedback string
}

// Stage is a single named transformation of pipeline state.
type Stage interface {
	Name() pipeline.StageName
	Run(ctx context.Context, in Input) pipeline.StageResult
}

// Func adapts a function to the Stage interface.
type Func struct {
	StageName pipeline.StageName
	Fn        func(ctx context.Context, in Input) pipeline.StageResult
}

func (f Func) Name() pipeline.StageName { return f.StageName }

func (f Func) Run(ctx context.Context, in Input) pipeline.StageResult { return f.Fn(ctx, in) }

// Registration binds a stage to the fields it may write and the fields it needs.
type Registration struct {
	Stage         Stage
	Outputs       []pipeline.Field
	Prerequisites []pipeline.Field
}

// Registry maps stage names to registrations. The entry stage runs first and
// is exempt from prerequisite checks.
type Registry struct {
	entry pipeline.StageName
	regs  map[pipeline.StageName]Registration
}

// NewRegistry creates an empty registry with the given entry stage.
func NewRegistry(entry pipeline.StageName) *Registry {
	return &Registry{entry: entry, regs: make(map[pipeline.StageName]Registration)}
}

// Register adds a stage. Registering the same name twice is an error.
func (r *Registry) Register(reg Registration) error {
	if reg.Stage == nil {
		return errors.New("register: nil stage")
	}
	name := reg.Stage.Name()
	if _, ok := r.regs[name]; ok {
		return fmt.Errorf("register %s: already registered", name)
	}
	r.regs[name] = reg
	return nil
}

// MustRegister is Register for static wiring; it panics on error.
func (r *Registry) MustRegister(reg Registration) {
	if err := r.Register(reg); err != nil {
		panic(err)
	}
}

// Lookup returns the registration for name.
func (r *Registry) Lookup(name pipeline.StageName) (Registration, bool) {
	reg, ok := r.regs[name]
	return reg, ok
}

// Entry returns the entry stage name.
func (r *Registry) Entry() pipeline.StageName {
	return r.entry
}

// Names lists registered stages in pipeline order, then any others sorted.
func (r *Registry) Names() []pipeline.StageName {
	var out []pipeline.StageName
	seen := make(map[pipeline.StageName]bool)
	for _, n := range pipeline.AllStages {
		if _, ok := r.regs[n]; ok {
			out = append(out, n)
			seen[n] = true
		}
	}
	var extra []string
	for n := range r.regs {
		if !seen[n] {
			extra = append(extra, string(n))
		}
	}
	sort.Strings(extra)
	for _, n := range extra {
		out = append(out, pipeline.StageName(n))
	}
	return out
}

// MissingPrerequisites lists the prerequisite fields of name that are unset
// in st. The entry stage never has missing prerequisites.
func (r *Registry) MissingPrerequisites(name pipeline.StageName, st *pipeline.PipelineState) ([]pipeline.Field, error) {
	reg, ok := r.regs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownStage, name)
	}
	if name == r.entry {
		return nil, nil
	}
	var missing []pipeline.Field
	for _, f := range reg.Prerequisites {
		if !st.IsSet(f) {
			missing = append(missing, f)
		}
	}
	return missing, nil
}
