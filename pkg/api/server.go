// Package api exposes the engine over HTTP and WebSocket: task
// submission and inspection under /api/v1, the event stream at /ws,
// and the health and metrics endpoints.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/cadenza-io/cadenza/pkg/breaker"
	"github.com/cadenza-io/cadenza/pkg/config"
	"github.com/cadenza-io/cadenza/pkg/engine"
	"github.com/cadenza-io/cadenza/pkg/events"
	"github.com/cadenza-io/cadenza/pkg/metrics"
	"github.com/cadenza-io/cadenza/pkg/workflow"
)

// Deps carries the collaborators the server exposes. Hub, Breakers and
// Metrics may be nil; the routes that need them degrade to 503 or are
// not registered.
type Deps struct {
	Engine    *engine.Engine
	Workflows *workflow.Manager
	Events    *events.EventStore
	Hub       *events.Hub
	Breakers  *breaker.Manager
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
}

// Server is the HTTP front of the engine.
type Server struct {
	cfg  config.ServerConfig
	echo *echo.Echo
	http *http.Server

	engine    *engine.Engine
	workflows *workflow.Manager
	events    *events.EventStore
	hub       *events.Hub
	breakers  *breaker.Manager
	metrics   *metrics.Metrics

	log *slog.Logger
}

// NewServer builds the server and registers all routes.
func NewServer(cfg config.ServerConfig, deps Deps) *Server {
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		cfg:       cfg,
		echo:      echo.New(),
		engine:    deps.Engine,
		workflows: deps.Workflows,
		events:    deps.Events,
		hub:       deps.Hub,
		breakers:  deps.Breakers,
		metrics:   deps.Metrics,
		log:       log.With("component", "api"),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.echo.Use(securityHeaders())
	s.echo.Use(requestLogger(s.log))

	s.echo.GET("/health", s.healthHandler)
	s.echo.GET("/ws", s.wsHandler)
	if s.metrics != nil {
		handler := s.metrics.Handler()
		s.echo.GET("/metrics", func(c *echo.Context) error {
			handler.ServeHTTP(c.Response(), c.Request())
			return nil
		})
	}

	g := s.echo.Group("/api/v1")
	g.POST("/tasks", s.createTaskHandler)
	g.GET("/tasks", s.listTasksHandler)
	g.GET("/tasks/:taskId", s.getTaskHandler)
	g.POST("/tasks/:taskId/input", s.taskInputHandler)
	g.POST("/tasks/:taskId/cancel", s.cancelTaskHandler)
	g.GET("/tasks/:taskId/events", s.taskEventsHandler)
	g.GET("/agents", s.listAgentsHandler)
	g.GET("/breakers", s.breakersHandler)
	g.PUT("/llm-config", s.updateLLMConfigHandler)
}

// Start blocks serving HTTP until Shutdown is called or the listener
// fails.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.http = &http.Server{
		Addr:         addr,
		Handler:      s.echo,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}
	s.log.Info("http server listening", "addr", addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown stops accepting connections and drains in-flight requests
// until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

// Handler exposes the routing tree, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}
