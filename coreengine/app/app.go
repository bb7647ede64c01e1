// Package app assembles one process worth of orchestration: the
// orchestrator with its default collaborators, the streaming manager and
// the network servers, all built from a ServiceConfig.
package app

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/Zeus-Eternal/AI-Karen-sub024/coreengine/config"
	"github.com/Zeus-Eternal/AI-Karen-sub024/coreengine/grpc"
	"github.com/Zeus-Eternal/AI-Karen-sub024/coreengine/heuristics"
	"github.com/Zeus-Eternal/AI-Karen-sub024/coreengine/httpapi"
	"github.com/Zeus-Eternal/AI-Karen-sub024/coreengine/logging"
	"github.com/Zeus-Eternal/AI-Karen-sub024/coreengine/orchestrator"
	"github.com/Zeus-Eternal/AI-Karen-sub024/coreengine/runtime"
	"github.com/Zeus-Eternal/AI-Karen-sub024/coreengine/streaming"
	"github.com/Zeus-Eternal/AI-Karen-sub024/coreengine/tools"
)

// App is the application context shared by every entry point.
type App struct {
	Config       *config.ServiceConfig
	Logger       logging.Logger
	Orchestrator *orchestrator.Orchestrator
	Streams      *streaming.Manager

	db *sql.DB
}

type options struct {
	logger        logging.Logger
	collaborators *orchestrator.Collaborators
}

// Option configures New.
type Option func(*options)

// WithLogger overrides the logger built from the logging section.
func WithLogger(logger logging.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithCollaborators replaces the default collaborators.
func WithCollaborators(c orchestrator.Collaborators) Option {
	return func(o *options) { o.collaborators = &c }
}

// New validates cfg and builds the application context.
func New(cfg *config.ServiceConfig, opts ...Option) (*App, error) {
	if cfg == nil {
		cfg = config.DefaultServiceConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid service config: %w", err)
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		zl, err := logging.New(logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format})
		if err != nil {
			return nil, err
		}
		o.logger = zl
	}
	collab := DefaultCollaborators(cfg)
	if o.collaborators != nil {
		collab = *o.collaborators
	}

	a := &App{Config: cfg, Logger: o.logger}

	orchOpts := []orchestrator.Option{orchestrator.WithLogger(o.logger)}
	if cfg.Checkpoint.Backend == "sqlite" {
		db, err := runtime.OpenSQLite(cfg.Checkpoint.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("failed to open checkpoint store: %w", err)
		}
		a.db = db
		orchOpts = append(orchOpts, orchestrator.WithCheckpointerFactory(func() (runtime.Checkpointer, error) {
			return runtime.NewSQLiteSaver(db, uuid.NewString()), nil
		}))
	}

	orch, err := orchestrator.New(cfg.Orchestration, collab, orchOpts...)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	a.Orchestrator = orch
	a.Streams = streaming.NewManager(orch, o.logger)

	o.logger.Info("app_initialized",
		"checkpoint_backend", cfg.Checkpoint.Backend,
		"config", cfg.Orchestration.ToMap(),
	)
	return a, nil
}

// DefaultCollaborators returns the built-in collaborators. Safety, intent
// and routing are injected directly; auth, context, memory and tools are
// constructed on first use.
func DefaultCollaborators(cfg *config.ServiceConfig) orchestrator.Collaborators {
	return orchestrator.Collaborators{
		Safety: heuristics.NewKeywordClassifier(),
		Intent: heuristics.NewKeywordAnalyzer(),
		Router: heuristics.NewEchoRouter(),

		ResolveAuth: func() (orchestrator.AuthProvider, error) {
			return heuristics.NewDirectory(cfg.Auth), nil
		},
		ResolveContext: func() (orchestrator.ContextBuilder, error) {
			return heuristics.NewContextBuilder(), nil
		},
		ResolveMemory: func() (orchestrator.MemoryStore, error) {
			return heuristics.NewMemoryStore(0), nil
		},
		ResolveTools: func() (orchestrator.ToolExecutor, error) {
			return tools.NewDefaultRegistry(), nil
		},
	}
}

// HTTPServer builds the HTTP server over the orchestrator.
func (a *App) HTTPServer() (*httpapi.Server, error) {
	return httpapi.NewServer(a.Orchestrator, a.Streams, a.Logger, httpapi.Config{
		Addr:           a.Config.Server.HTTPAddr,
		AllowedOrigins: a.Config.Server.AllowedOrigins,
		RateLimit:      a.Config.RateLimit,
	})
}

// GRPCServer builds the gRPC health server.
func (a *App) GRPCServer() *grpc.GracefulServer {
	return grpc.NewGracefulServer(a.Config.Server.GRPCAddr, a.Logger)
}

// Close releases the checkpoint database.
func (a *App) Close() error {
	var errs []error
	if a.db != nil {
		errs = append(errs, a.db.Close())
		a.db = nil
	}
	return errors.Join(errs...)
}
