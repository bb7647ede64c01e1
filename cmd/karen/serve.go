package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Zeus-Eternal/AI-Karen-sub024/coreengine/app"
	"github.com/Zeus-Eternal/AI-Karen-sub024/coreengine/config"
	"github.com/Zeus-Eternal/AI-Karen-sub024/coreengine/observability"
)

const shutdownTimeout = 15 * time.Second

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the gRPC health listener",
		Long: `Run the orchestration HTTP API (batch, SSE and WebSocket turns, approvals,
status, live configuration, /metrics) and a gRPC listener carrying the
standard health service.

Examples:
  karen serve
  karen serve --config /etc/karen/karen.yaml
  KAREN_SERVER_HTTP_ADDR=:9000 karen serve`,
		Args: cobra.NoArgs,
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	a, err := app.New(cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	logger := a.Logger

	if cfg.Tracing.Endpoint != "" {
		serviceVersion := version
		if serviceVersion == "dev" {
			serviceVersion = ""
		}
		shutdownTracer, err := observability.InitTracer(cmd.Context(), observability.TracerConfig{
			ServiceName:    cfg.Tracing.ServiceName,
			ServiceVersion: serviceVersion,
			Environment:    cfg.Tracing.Environment,
			Endpoint:       cfg.Tracing.Endpoint,
			SampleRatio:    cfg.Tracing.SampleRatio,
			Insecure:       cfg.Tracing.Insecure,
		})
		if err != nil {
			return err
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := shutdownTracer(ctx); err != nil {
				logger.Warn("tracer_shutdown_failed", "error", err.Error())
			}
		}()
	}

	httpServer, err := a.HTTPServer()
	if err != nil {
		return err
	}
	grpcServer := a.GRPCServer()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 2)
	go func() { errCh <- httpServer.Start() }()
	go func() { errCh <- grpcServer.Start(ctx) }()
	grpcServer.SetServing(true)

	logger.Info("karen_ready",
		"version", version,
		"http_addr", cfg.Server.HTTPAddr,
		"grpc_addr", cfg.Server.GRPCAddr,
	)

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown_signal_received")
	case runErr = <-errCh:
		if runErr != nil {
			logger.Error("server_failed", "error", runErr.Error())
		}
	}

	grpcServer.SetServing(false)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http_shutdown_failed", "error", err.Error())
	}
	grpcServer.ShutdownWithTimeout(shutdownTimeout)
	logger.Info("karen_stopped")

	if runErr != nil {
		return fmt.Errorf("server error: %w", runErr)
	}
	return nil
}
