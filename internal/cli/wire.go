package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/lucasnoah/storyfactory/internal/atlassian"
	"github.com/lucasnoah/storyfactory/internal/collab"
	"github.com/lucasnoah/storyfactory/internal/config"
	"github.com/lucasnoah/storyfactory/internal/db"
	"github.com/lucasnoah/storyfactory/internal/docs"
	"github.com/lucasnoah/storyfactory/internal/github"
	"github.com/lucasnoah/storyfactory/internal/inference"
	"github.com/lucasnoah/storyfactory/internal/jira"
	"github.com/lucasnoah/storyfactory/internal/logging"
	"github.com/lucasnoah/storyfactory/internal/metrics"
	"github.com/lucasnoah/storyfactory/internal/orchestrator"
	"github.com/lucasnoah/storyfactory/internal/pipeline"
	"github.com/lucasnoah/storyfactory/internal/prompt"
	"github.com/lucasnoah/storyfactory/internal/router"
	"github.com/lucasnoah/storyfactory/internal/stage"
)

// app is everything a command needs to run pipelines.
type app struct {
	cfg      *config.Config
	logger   *zap.Logger
	store    *pipeline.Store
	db       *db.DB
	registry *prometheus.Registry
	orch     *orchestrator.Orchestrator
}

type appOpts struct {
	templateDir string
	withDB      bool
}

func newApp(ctx context.Context, cfg *config.Config, opts appOpts) (*app, error) {
	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format, os.Stderr)
	if err != nil {
		return nil, err
	}

	store, err := pipeline.OpenStore(filepath.Join(cfg.Storage.Dir, "runs"))
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}

	a := &app{cfg: cfg, logger: logger, store: store, registry: prometheus.NewRegistry()}

	if opts.withDB {
		if url := os.Getenv(cfg.Database.URLEnv); url != "" {
			database, err := db.Open(ctx, url)
			if err != nil {
				return nil, err
			}
			if err := database.Migrate(ctx); err != nil {
				database.Close()
				return nil, fmt.Errorf("migrate: %w", err)
			}
			a.db = database
		} else {
			logger.Debug("event log disabled", zap.String("env", cfg.Database.URLEnv))
		}
	}

	collabs, err := buildCollaborators(ctx, cfg, logger)
	if err != nil {
		a.close()
		return nil, err
	}

	env := stage.NewEnv(cfg, collabs, prompt.NewLoader(opts.templateDir), logger)
	reg := stage.DefaultRegistry(env)
	ropts, err := router.OptionsFromConfig(cfg.Pipeline)
	if err != nil {
		a.close()
		return nil, err
	}

	deps := orchestrator.Deps{
		Registry: reg,
		Router:   router.New(ropts, reg),
		Store:    store,
		Tracker:  collabs.Tracker,
		Metrics:  metrics.New(a.registry),
		Logger:   logger,
	}
	if a.db != nil {
		deps.Events = a.db
	}
	a.orch = orchestrator.NewOrchestrator(deps, orchestrator.Options{
		MaxInvocations: cfg.Pipeline.MaxInvocations,
		Timeout:        cfg.Pipeline.TimeoutDuration(),
	})
	return a, nil
}

func (a *app) close() {
	if a.db != nil {
		a.db.Close()
	}
	_ = a.logger.Sync()
}

// buildCollaborators creates the configured clients. A missing inference key
// leaves Inference nil so stages fail with a fatal configuration error.
func buildCollaborators(ctx context.Context, cfg *config.Config, logger *zap.Logger) (collab.Collaborators, error) {
	var c collab.Collaborators

	if key := os.Getenv(cfg.Inference.APIKeyEnv); key != "" {
		client, err := inference.New(inference.Config{
			Model:             cfg.Inference.Model,
			APIKey:            key,
			BaseURL:           cfg.Inference.BaseURL,
			RequestsPerSecond: cfg.Inference.RequestsPerSecond,
			MaxRetries:        cfg.Inference.MaxRetries,
		}, logger.Named("inference"))
		if err != nil {
			return c, err
		}
		c.Inference = client
	} else {
		logger.Warn("inference disabled: api key not set", zap.String("env", cfg.Inference.APIKeyEnv))
	}

	var gh *github.Client
	githubClient := func() (*github.Client, error) {
		if gh != nil {
			return gh, nil
		}
		g := cfg.SourceControl.GitHub
		var err error
		gh, err = github.New(ctx, github.Config{
			Owner:      g.Owner,
			Repo:       g.Repo,
			BaseBranch: g.BaseBranch,
			Token:      os.Getenv(g.TokenEnv),
			BaseURL:    g.BaseURL,
		})
		return gh, err
	}

	switch cfg.Tracker.Kind {
	case "github":
		client, err := githubClient()
		if err != nil {
			return c, fmt.Errorf("tracker: %w", err)
		}
		c.Tracker = client
	case "jira":
		j := cfg.Tracker.Jira
		api, err := atlassian.New(atlassian.Config{BaseURL: j.BaseURL, Email: j.Email, Token: os.Getenv(j.TokenEnv)})
		if err != nil {
			return c, fmt.Errorf("tracker: %w", err)
		}
		c.Tracker = jira.New(api, j.SubTaskType)
	}

	if cfg.SourceControl.Kind == "github" {
		client, err := githubClient()
		if err != nil {
			return c, fmt.Errorf("source control: %w", err)
		}
		c.Source = client
	}

	switch cfg.Documents.Kind {
	case "confluence":
		cc := cfg.Documents.Confluence
		api, err := atlassian.New(atlassian.Config{BaseURL: cc.BaseURL, Email: cc.Email, Token: os.Getenv(cc.TokenEnv)})
		if err != nil {
			return c, fmt.Errorf("documents: %w", err)
		}
		c.Documents = docs.NewConfluence(api)
		c.DocumentSpace = cc.Space
	case "local":
		c.Documents = docs.NewLocal(cfg.Documents.LocalDir)
	}
	return c, nil
}
