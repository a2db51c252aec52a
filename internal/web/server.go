// Package web serves the pipeline HTTP API.
package web

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/lucasnoah/storyfactory/internal/analytics"
	"github.com/lucasnoah/storyfactory/internal/db"
	"github.com/lucasnoah/storyfactory/internal/orchestrator"
	"github.com/lucasnoah/storyfactory/internal/pipeline"
)

// Runner executes one pipeline request.
type Runner interface {
	Run(ctx context.Context, req orchestrator.Request) (*orchestrator.Result, error)
}

// History reads the PostgreSQL event log. *db.DB implements it.
type History interface {
	analytics.Source
	GetPipelineHistory(ctx context.Context, requestID string) ([]db.PipelineEvent, error)
	GetStageRuns(ctx context.Context, requestID string) ([]db.StageRun, error)
}

// Deps are the server's collaborators. Store, History and Gatherer are
// optional; their endpoints answer 404 when unset.
type Deps struct {
	Runner   Runner
	Store    *pipeline.Store
	History  History
	Gatherer prometheus.Gatherer
	Logger   *zap.Logger
}

// Server is the HTTP API server.
type Server struct {
	echo   *echo.Echo
	deps   Deps
	addr   string
	logger *zap.Logger
}

// NewServer creates a Server listening on addr once started.
func NewServer(deps Deps, addr string) (*Server, error) {
	if deps.Runner == nil {
		return nil, fmt.Errorf("runner is required")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if addr == "" {
		addr = "localhost:8080"
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(requestLogger(deps.Logger))

	s := &Server{echo: e, deps: deps, addr: addr, logger: deps.Logger}
	s.registerRoutes()
	return s, nil
}

func requestLogger(logger *zap.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}
			logger.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
				zap.String("http_request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)
			return nil
		}
	}
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	if s.deps.Gatherer != nil {
		s.echo.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{})))
	}

	api := s.echo.Group("/api")
	api.POST("/story/run", s.handleRun)
	api.GET("/runs", s.handleListRuns)
	api.GET("/runs/:id", s.handleGetRun)
	api.GET("/runs/:id/events", s.handleRunEvents)
	api.GET("/stats", s.handleStats)
}

// Handler exposes the router for tests and embedding.
func (s *Server) Handler() http.Handler { return s.echo }

// Start listens until Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("starting http server", zap.String("addr", s.addr))
	if err := s.echo.Start(s.addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}
