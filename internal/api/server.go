// Package api serves the flowhub HTTP surface: workflow publishing,
// triggering, execution inspection, approvals and the agent registry.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"

	"github.com/rendis/flowhub/internal/agents"
	"github.com/rendis/flowhub/internal/approvals"
	"github.com/rendis/flowhub/internal/bus"
	"github.com/rendis/flowhub/internal/definitions"
	"github.com/rendis/flowhub/internal/engine"
)

// HeaderCorrelationID carries the correlation id of a request.
const HeaderCorrelationID = "X-Correlation-ID"

// Deps holds the collaborators the API delegates to.
type Deps struct {
	Definitions *definitions.Service
	Engine      *engine.Engine
	Approvals   *approvals.Manager
	Agents      *agents.Registry
	Bus         bus.Bus
	HubPrefix   string
	// MCP, when set, is mounted at /mcp.
	MCP    http.Handler
	Logger *slog.Logger
}

// Server is the HTTP API.
type Server struct {
	deps Deps
	echo *echo.Echo
	http *http.Server
}

// NewServer builds the echo instance and registers every route.
func NewServer(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	if deps.HubPrefix == "" {
		deps.HubPrefix = "hub"
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{deps: deps, echo: e}
	e.HTTPErrorHandler = s.handleError

	e.Use(middleware.Recover())
	e.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		TargetHeader: HeaderCorrelationID,
	}))
	e.Use(otelecho.Middleware("flowhub"))
	e.Use(s.accessLog)

	s.routes()
	return s
}

func (s *Server) routes() {
	e := s.echo

	e.GET("/healthz", s.handleHealth)

	e.POST("/workflows", s.handleCreateWorkflow)
	e.GET("/workflows", s.handleListWorkflows)
	e.GET("/workflows/:id", s.handleGetWorkflow)
	e.POST("/workflows/:id/retire", s.handleRetireWorkflow)
	e.POST("/workflows/:id/trigger", s.handleTriggerWorkflow)
	e.GET("/workflows/:id/diagram", s.handleWorkflowDiagram)

	e.GET("/executions", s.handleListExecutions)
	e.GET("/executions/:id", s.handleGetExecution)
	e.POST("/executions/:id/cancel", s.handleCancelExecution)
	e.GET("/executions/:id/events", s.handleExecutionEvents)
	e.GET("/executions/:id/diagram", s.handleExecutionDiagram)

	e.GET("/approvals", s.handleListApprovals)
	e.POST("/approvals/:id/respond", s.handleRespondApproval)

	e.POST("/agents", s.handleRegisterAgent)
	e.GET("/agents", s.handleListAgents)
	e.GET("/agents/:name", s.handleGetAgent)

	if s.deps.MCP != nil {
		h := echo.WrapHandler(s.deps.MCP)
		e.Any("/mcp", h)
		e.Any("/mcp/*", h)
	}
}

// Handler returns the HTTP handler serving every route.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start listens on addr and blocks until the server stops. A clean shutdown
// returns nil.
func (s *Server) Start(addr string) error {
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.echo,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	s.deps.Logger.Info("http api listening", slog.String("addr", addr))
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting connections and waits for in-flight requests.
// Open event streams end when ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

// accessLog logs each request with its correlation id.
func (s *Server) accessLog(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		err := next(c)
		if err != nil {
			c.Error(err)
		}
		req := c.Request()
		s.deps.Logger.Debug("http request",
			slog.String("method", req.Method),
			slog.String("path", c.Path()),
			slog.Int("status", c.Response().Status),
			slog.Duration("duration", time.Since(start)),
			slog.String("correlation_id", correlationID(c)),
		)
		return nil
	}
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":  "ok",
		"workers": s.deps.Engine.Metrics(),
	})
}

// correlationID returns the request's correlation id. The RequestID
// middleware fills the response header from the request or generates one.
func correlationID(c echo.Context) string {
	if id := c.Response().Header().Get(HeaderCorrelationID); id != "" {
		return id
	}
	return c.Request().Header.Get(HeaderCorrelationID)
}
