package stage

import (
	"go.uber.org/zap"

	"github.com/lucasnoah/storyfactory/internal/collab"
	"github.com/lucasnoah/storyfactory/internal/config"
	appctx "github.com/lucasnoah/storyfactory/internal/context"
	"github.com/lucasnoah/storyfactory/internal/pipeline"
	"github.com/lucasnoah/storyfactory/internal/prompt"
)

// DefaultRegistry registers the seven built-in stages with their declared
// outputs and prerequisites. Enrichment is the entry stage.
func DefaultRegistry(env *Env) *Registry {
	r := NewRegistry(pipeline.StageEnrichment)
	r.MustRegister(Registration{
		Stage:   NewEnrichment(env),
		Outputs: []pipeline.Field{pipeline.FieldEnrichedRequirement, pipeline.FieldAcceptanceCriteria},
	})
	r.MustRegister(Registration{
		Stage:         NewDecomposition(env),
		Outputs:       []pipeline.Field{pipeline.FieldDecomposition},
		Prerequisites: []pipeline.Field{pipeline.FieldEnrichedRequirement},
	})
	r.MustRegister(Registration{
		Stage:         NewEstimation(env),
		Outputs:       []pipeline.Field{pipeline.FieldEstimation},
		Prerequisites: []pipeline.Field{pipeline.FieldDecomposition},
	})
	r.MustRegister(Registration{
		Stage:         NewSolutionDesign(env),
		Outputs:       []pipeline.Field{pipeline.FieldSolutionDesign},
		Prerequisites: []pipeline.Field{pipeline.FieldDecomposition, pipeline.FieldEstimation},
	})
	r.MustRegister(Registration{
		Stage:         NewCoding(env),
		Outputs:       []pipeline.Field{pipeline.FieldCodeChangeSet, pipeline.FieldDelivery},
		Prerequisites: []pipeline.Field{pipeline.FieldEnrichedRequirement, pipeline.FieldDecomposition},
	})
	r.MustRegister(Registration{
		Stage:         NewTesting(env),
		Outputs:       []pipeline.Field{pipeline.FieldTestPlan},
		Prerequisites: []pipeline.Field{pipeline.FieldEnrichedRequirement, pipeline.FieldDecomposition},
	})
	r.MustRegister(Registration{
		Stage:         NewSupervisor(env),
		Outputs:       []pipeline.Field{pipeline.FieldSupervisorDecision},
		Prerequisites: []pipeline.Field{pipeline.FieldDecomposition, pipeline.FieldEstimation},
	})
	return r
}

// NewEnv builds the stage environment from configuration.
func NewEnv(cfg *config.Config, c collab.Collaborators, prompts *prompt.Loader, logger *zap.Logger) *Env {
	units := pipeline.EffortUnits{
		HoursPerDay:   cfg.Pipeline.HoursPerDay,
		HoursPerPoint: cfg.Pipeline.HoursPerPoint,
	}
	settings := make(map[pipeline.StageName]Settings, len(cfg.Pipeline.Stages))
	for name, sc := range cfg.Pipeline.Stages {
		n, ok := pipeline.ParseStageName(name)
		if !ok {
			continue
		}
		settings[n] = Settings{
			Model:       sc.Model,
			Template:    sc.PromptTemplate,
			ContextMode: sc.ContextMode,
			Temperature: sc.Temperature,
		}
	}
	return &Env{
		Collaborators:         c,
		Prompts:               prompts,
		Builder:               appctx.NewBuilder(units),
		Units:                 units,
		Settings:              settings,
		BranchPrefix:          cfg.SourceControl.GitHub.BranchPrefix,
		AutomationField:       cfg.Tracker.AutomationField,
		AutomationValue:       cfg.Tracker.AutomationValue,
		EnforceArtifactChecks: cfg.Pipeline.EnforceArtifactChecks,
		Logger:                logger,
	}
}
