package web

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/lucasnoah/storyfactory/internal/analytics"
	"github.com/lucasnoah/storyfactory/internal/orchestrator"
	"github.com/lucasnoah/storyfactory/internal/pipeline"
)

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// ErrorResponse is the body of every handler error.
type ErrorResponse struct {
	Error string `json:"error"`
}

// RunSummary is one row of GET /api/runs.
type RunSummary struct {
	pipeline.RunRecord
	UpdatedAgo string `json:"updatedAgo"`
}

// RunDetail is the body of GET /api/runs/:id.
type RunDetail struct {
	Run    RunSummary           `json:"run"`
	Result *orchestrator.Result `json:"result,omitempty"`
}

// RunEvents is the body of GET /api/runs/:id/events.
type RunEvents struct {
	Events any `json:"events"`
	Stages any `json:"stages"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

// handleRun runs a pipeline synchronously. Fatal runs answer 500 with the
// full result so partial artifacts are not lost.
func (s *Server) handleRun(c echo.Context) error {
	var req orchestrator.Request
	if err := c.Bind(&req); err != nil {
		s.logger.Warn("invalid run request", zap.Error(err))
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
	}
	if strings.TrimSpace(req.Story) == "" && req.IssueID == "" {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "story or issueId is required"})
	}

	res, err := s.deps.Runner.Run(c.Request().Context(), req)
	switch {
	case errors.Is(err, orchestrator.ErrEmptyStory):
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
	case err != nil:
		s.logger.Error("run failed to start", zap.Error(err))
		return c.JSON(http.StatusBadGateway, ErrorResponse{Error: err.Error()})
	}

	code := http.StatusOK
	if res.Status == pipeline.RunFatal {
		code = http.StatusInternalServerError
	}
	return c.JSON(code, res)
}

func (s *Server) handleListRuns(c echo.Context) error {
	if s.deps.Store == nil {
		return c.JSON(http.StatusNotFound, ErrorResponse{Error: "run store not configured"})
	}
	runs, err := s.deps.Store.List(c.QueryParam("status"))
	if err != nil {
		return c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
	}
	out := make([]RunSummary, len(runs))
	for i, r := range runs {
		out[i] = RunSummary{RunRecord: r, UpdatedAgo: relTime(r.UpdatedAt)}
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) handleGetRun(c echo.Context) error {
	if s.deps.Store == nil {
		return c.JSON(http.StatusNotFound, ErrorResponse{Error: "run store not configured"})
	}
	id := c.Param("id")
	rec, err := s.deps.Store.Get(id)
	if err != nil {
		return c.JSON(http.StatusNotFound, ErrorResponse{Error: err.Error()})
	}
	detail := RunDetail{Run: RunSummary{RunRecord: *rec, UpdatedAgo: relTime(rec.UpdatedAt)}}
	var res orchestrator.Result
	if err := s.deps.Store.GetResult(id, &res); err == nil {
		detail.Result = &res
	}
	return c.JSON(http.StatusOK, detail)
}

func (s *Server) handleRunEvents(c echo.Context) error {
	if s.deps.History == nil {
		return c.JSON(http.StatusNotFound, ErrorResponse{Error: "event log not configured"})
	}
	ctx := c.Request().Context()
	id := c.Param("id")
	events, err := s.deps.History.GetPipelineHistory(ctx, id)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
	}
	stages, err := s.deps.History.GetStageRuns(ctx, id)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
	}
	return c.JSON(http.StatusOK, RunEvents{Events: events, Stages: stages})
}

func (s *Server) handleStats(c echo.Context) error {
	if s.deps.History == nil {
		return c.JSON(http.StatusNotFound, ErrorResponse{Error: "event log not configured"})
	}
	window := 24 * time.Hour
	if q := c.QueryParam("since"); q != "" {
		d, err := time.ParseDuration(q)
		if err != nil || d <= 0 {
			return c.JSON(http.StatusBadRequest, ErrorResponse{Error: fmt.Sprintf("invalid since %q", q)})
		}
		window = d
	}
	report, err := analytics.Build(c.Request().Context(), s.deps.History, time.Now().Add(-window))
	if err != nil {
		return c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
	}
	return c.JSON(http.StatusOK, report)
}

func relTime(ts string) string {
	t, err := time.Parse(time.RFC3339, ts)
	if err != nil {
		return ts
	}
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}
