// Package httpapi exposes the orchestrator over HTTP: batch and streaming
// turns, approval decisions, session inspection, runtime status and live
// configuration.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Zeus-Eternal/AI-Karen-sub024/coreengine/config"
	"github.com/Zeus-Eternal/AI-Karen-sub024/coreengine/logging"
	"github.com/Zeus-Eternal/AI-Karen-sub024/coreengine/observability"
	"github.com/Zeus-Eternal/AI-Karen-sub024/coreengine/orchestrator"
	"github.com/Zeus-Eternal/AI-Karen-sub024/coreengine/ratelimit"
	"github.com/Zeus-Eternal/AI-Karen-sub024/coreengine/runtime"
	"github.com/Zeus-Eternal/AI-Karen-sub024/coreengine/state"
	"github.com/Zeus-Eternal/AI-Karen-sub024/coreengine/streaming"
)

// Backend is the orchestrator surface served over HTTP.
type Backend interface {
	Process(ctx context.Context, messages []state.Message, userID string, opts ...orchestrator.ProcessOption) *state.State
	Resume(ctx context.Context, sessionID string, decision orchestrator.ApprovalDecision) (*state.State, error)
	SubmitApproval(ctx context.Context, sessionID string, decision orchestrator.ApprovalDecision) error
	GetState(ctx context.Context, sessionID string) (*runtime.Checkpoint, error)
	RuntimeStatus() orchestrator.RuntimeStatus
	UpdateConfiguration(updates map[string]any) (config.OrchestrationConfig, error)
}

const limiterCleanupInterval = 5 * time.Minute

// Config holds HTTP server configuration.
type Config struct {
	Addr           string
	AllowedOrigins []string
	// RateLimit bounds conversation turns per client IP and route. The
	// zero value disables limiting.
	RateLimit ratelimit.Config
}

// Server provides the HTTP endpoints.
type Server struct {
	echo     *echo.Echo
	backend  Backend
	streams  *streaming.Manager
	upgrader *websocket.Upgrader
	limiter  *ratelimit.Limiter
	logger   logging.Logger
	config   Config
}

// NewServer creates a new HTTP server.
func NewServer(backend Backend, streams *streaming.Manager, logger logging.Logger, cfg Config) (*Server, error) {
	if backend == nil {
		return nil, fmt.Errorf("backend cannot be nil")
	}
	if streams == nil {
		return nil, fmt.Errorf("streaming manager cannot be nil")
	}
	if logger == nil {
		logger = logging.Nop()
	}
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:     e,
		backend:  backend,
		streams:  streams,
		upgrader: streaming.NewUpgrader(cfg.AllowedOrigins...),
		logger:   logger.Bind("component", "http"),
		config:   cfg,
	}
	if cfg.RateLimit.Enabled() {
		s.limiter = ratelimit.New(cfg.RateLimit)
	}

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(s.observe)

	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/healthz", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/v1")
	v1.POST("/orchestrate", s.handleOrchestrate, s.rateLimit)
	v1.POST("/orchestrate/stream", s.handleStream, s.rateLimit)
	v1.GET("/orchestrate/ws", s.handleWebSocket, s.rateLimit)
	v1.GET("/sessions/:id", s.handleGetSession)
	v1.POST("/sessions/:id/approval", s.handleApproval)
	v1.GET("/status", s.handleStatus)
	v1.PATCH("/config", s.handleUpdateConfig)
}

// observe logs and counts every request. Errors are rendered here so the
// recorded status is the one sent.
func (s *Server) observe(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		if err := next(c); err != nil {
			c.Error(err)
		}
		duration := time.Since(start)
		status := c.Response().Status

		route := c.Path()
		if route == "" {
			route = "unmatched"
		}
		observability.RecordHTTPRequest(route, strconv.Itoa(status), int(duration.Milliseconds()))
		s.logger.Info("http_request",
			"method", c.Request().Method,
			"route", route,
			"status", status,
			"duration_ms", duration.Milliseconds(),
			"request_id", c.Response().Header().Get(echo.HeaderXRequestID),
		)
		return nil
	}
}

// rateLimit rejects turns beyond the configured per-client budget with 429.
func (s *Server) rateLimit(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if s.limiter == nil {
			return next(c)
		}
		res := s.limiter.Allow(c.RealIP(), c.Path())
		h := c.Response().Header()
		h.Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
		h.Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
		if !res.Allowed {
			seconds := int(math.Ceil(res.RetryAfter.Seconds()))
			if seconds < 1 {
				seconds = 1
			}
			h.Set("Retry-After", strconv.Itoa(seconds))
			s.logger.Warn("rate_limited",
				"client", c.RealIP(),
				"route", c.Path(),
				"window", res.Window,
				"limit", res.Limit,
			)
			return echo.NewHTTPError(http.StatusTooManyRequests,
				fmt.Sprintf("rate limit exceeded: %d requests per %s", res.Limit, res.Window))
		}
		return next(c)
	}
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.logger.Info("http_server_starting", "addr", s.config.Addr)
	if s.limiter != nil {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go s.limiter.RunCleanup(ctx, limiterCleanupInterval)
	}
	if err := s.echo.Start(s.config.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http_server_stopping")
	return s.echo.Shutdown(ctx)
}
