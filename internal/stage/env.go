package stage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/lucasnoah/storyfactory/internal/collab"
	appctx "github.com/lucasnoah/storyfactory/internal/context"
	"github.com/lucasnoah/storyfactory/internal/pipeline"
	"github.com/lucasnoah/storyfactory/internal/prompt"
)

// ErrNoInference is the Fatal error when no inference client is configured.
var ErrNoInference = errors.New("missing required configuration: inference client")

// Settings overrides prompt and inference behavior for one stage.
type Settings struct {
	Model       string
	Template    string
	ContextMode string
	Temperature *float64
}

// Env holds everything the built-in stages share. Collaborators other than
// Inference may be nil, which skips the matching side effect.
type Env struct {
	collab.Collaborators

	Prompts  *prompt.Loader
	Builder  *appctx.Builder
	Units    pipeline.EffortUnits
	Settings map[pipeline.StageName]Settings

	// BranchPrefix names coding branches: <prefix>/<key>-r<revision>.
	BranchPrefix string
	// AutomationField is set to AutomationValue on the issue after enrichment.
	AutomationField string
	AutomationValue string
	// EnforceArtifactChecks makes deterministic Supervisor findings binding.
	EnforceArtifactChecks bool

	Logger *zap.Logger
}

func (e *Env) logger() *zap.Logger {
	if e.Logger == nil {
		return zap.NewNop()
	}
	return e.Logger
}

func (e *Env) settings(name pipeline.StageName) Settings {
	return e.Settings[name]
}

// messages renders the stage template into system and user messages.
func (e *Env) messages(name pipeline.StageName, st *pipeline.PipelineState, opts appctx.BuildOpts) ([]collab.Message, error) {
	set := e.settings(name)
	opts.Stage = name
	opts.Mode = set.ContextMode

	builder := e.Builder
	if builder == nil {
		builder = appctx.NewBuilder(e.Units)
	}
	vars, err := builder.Build(st, opts)
	if err != nil {
		return nil, fmt.Errorf("build prompt vars: %w", err)
	}

	loader := e.Prompts
	if loader == nil {
		loader = &prompt.Loader{}
	}
	tmplName := set.Template
	if tmplName == "" {
		tmplName = string(name) + ".md"
	}
	tmpl, err := loader.Load(tmplName)
	if err != nil {
		return nil, err
	}
	rendered, err := prompt.Render(tmpl, vars)
	if err != nil {
		return nil, fmt.Errorf("render %s: %w", tmplName, err)
	}

	system, user := prompt.Split(rendered)
	var msgs []collab.Message
	if system != "" {
		msgs = append(msgs, collab.Message{Role: collab.RoleSystem, Content: system})
	}
	msgs = append(msgs, collab.Message{Role: collab.RoleUser, Content: user, ImageURLs: imageURLs(st.Images)})
	return msgs, nil
}

func imageURLs(images []pipeline.Image) []string {
	var out []string
	for _, img := range images {
		switch {
		case img.Base64 != "":
			out = append(out, img.Base64)
		case img.URL != "":
			out = append(out, img.URL)
		}
	}
	return out
}

func (e *Env) callOptions(name pipeline.StageName) []collab.CallOption {
	set := e.settings(name)
	var opts []collab.CallOption
	if set.Model != "" {
		opts = append(opts, collab.WithModel(set.Model))
	}
	if set.Temperature != nil {
		opts = append(opts, collab.WithTemperature(*set.Temperature))
	}
	return opts
}

// infer renders the prompt and runs a structured completion. A non-nil
// StageResult means the stage must return it immediately.
func (e *Env) infer(ctx context.Context, name pipeline.StageName, st *pipeline.PipelineState, opts appctx.BuildOpts, schema collab.Schema) (json.RawMessage, *pipeline.StageResult, error) {
	if e.Inference == nil {
		res := pipeline.Fatal(ErrNoInference)
		return nil, &res, nil
	}
	msgs, err := e.messages(name, st, opts)
	if err != nil {
		res := pipeline.Fatal(fmt.Errorf("%s: %w", name, err))
		return nil, &res, nil
	}
	raw, err := e.Inference.CompleteStructured(ctx, msgs, schema, e.callOptions(name)...)
	if err != nil {
		e.logger().Warn("inference failed", zap.String("stage", string(name)), zap.Error(err))
	}
	return raw, nil, err
}

// failureKind labels an inference error for the state log.
func failureKind(err error) string {
	if IsSchemaViolation(err) {
		return "parse_failed"
	}
	return "inference_failed"
}

// issueKey is the key used in branch names, page titles and commit messages.
func issueKey(st *pipeline.PipelineState) string {
	if st.IssueID != "" {
		return st.IssueID
	}
	return st.RequestID
}

func (e *Env) externalNote(stage pipeline.StageName, action string, err error) string {
	e.logger().Warn("external call failed", zap.String("stage", string(stage)), zap.String("action", action), zap.Error(err))
	return fmt.Sprintf("%s: %s failed: %v", stage, action, err)
}
