package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	coreports "github.com/marselnikolli/repo-deployer-v2-sub000/internal/core/ports"
	"github.com/marselnikolli/repo-deployer-v2-sub000/internal/shell/api"
	"github.com/marselnikolli/repo-deployer-v2-sub000/internal/shell/docker"
	"github.com/marselnikolli/repo-deployer-v2-sub000/internal/shell/lifecycle"
	"github.com/marselnikolli/repo-deployer-v2-sub000/internal/shell/metrics"
	"github.com/marselnikolli/repo-deployer-v2-sub000/internal/shell/ports"
	"github.com/marselnikolli/repo-deployer-v2-sub000/internal/shell/store"
	"github.com/marselnikolli/repo-deployer-v2-sub000/internal/shell/workers"
)

// =============================================================================
// Exit Codes
// =============================================================================

const (
	ExitSuccess         = 0
	ExitConfigError     = 1
	ExitDatabaseError   = 2
	ExitDockerError     = 3
	ExitHTTPServerError = 4
)

// =============================================================================
// Server
// =============================================================================

// Server represents the deployer application server.
type Server struct {
	config     *Config
	httpServer *http.Server
	store      store.Store
	docker     docker.Client
	reconciler *workers.Reconciler
	logger     *slog.Logger
}

// NewServer creates a new server with the given config.
func NewServer(cfg *Config, logger *slog.Logger) (*Server, error) {
	if cfg.Database.Driver == store.DriverSQLite {
		if err := ensureDataDir(cfg.Database.DSN); err != nil {
			return nil, &ServerError{Op: "NewServer", Err: err, ExitCode: ExitDatabaseError}
		}
	}

	// Connect to database
	s, err := store.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return nil, &ServerError{
			Op:       "NewServer",
			Err:      err,
			ExitCode: ExitDatabaseError,
		}
	}

	// Connect to Docker
	d, err := docker.NewDockerClient(cfg.Docker.Host)
	if err != nil {
		s.Close()
		return nil, &ServerError{
			Op:       "NewServer",
			Err:      err,
			ExitCode: ExitDockerError,
		}
	}

	// Verify Docker connection
	if err := d.Ping(context.Background()); err != nil {
		s.Close()
		d.Close()
		return nil, &ServerError{
			Op:       "NewServer",
			Err:      err,
			ExitCode: ExitDockerError,
		}
	}

	engine := docker.NewEngine(d, docker.EngineConfig{
		HealthPollInterval: cfg.Engine.HealthPollInterval,
		StopTimeout:        cfg.Engine.StopTimeout,
	}, logger)

	allocator, err := ports.NewAllocator(s, ports.Config{
		Range:     coreports.PortRange{Start: cfg.Ports.Start, End: cfg.Ports.End},
		ProbeHost: cfg.Ports.ProbeHost,
	}, logger)
	if err != nil {
		s.Close()
		d.Close()
		return nil, &ServerError{
			Op:       "NewServer",
			Err:      err,
			ExitCode: ExitConfigError,
		}
	}

	m := metrics.New(logger)
	m.RegisterFreePorts(allocator)

	orchestrator := lifecycle.NewOrchestrator(s, allocator, engine, lifecycle.Config{
		EngineTimeout: cfg.Engine.Timeout,
		LogLines:      cfg.Engine.LogLines,
		ReposRoot:     cfg.Repos.Root,
	}, logger).WithRecorder(m)

	var reconciler *workers.Reconciler
	if cfg.Reconcile.Enabled {
		reconciler = workers.NewReconciler(orchestrator, workers.ReconcilerConfig{
			Interval:          cfg.Reconcile.Interval,
			DeploymentTimeout: cfg.Reconcile.Timeout,
			MaxConcurrent:     cfg.Reconcile.MaxConcurrent,
		}, logger)
		logger.Info("reconciler enabled", "interval", cfg.Reconcile.Interval)
	} else {
		logger.Info("reconciler disabled")
	}

	handler := api.NewHandler(api.Config{
		Service:        orchestrator,
		Store:          s,
		Engine:         engine,
		Ports:          allocator,
		Metrics:        m,
		Logger:         logger,
		AllowedOrigins: cfg.CORS.AllowedOrigins,
		Version:        Version,
	})

	httpServer := &http.Server{
		Addr:         cfg.Server.Address(),
		Handler:      handler.Routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	logger.Info("server configured",
		"database_driver", s.Driver(),
		"port_range", allocator.Range().String(),
		"repos_root", cfg.Repos.Root,
	)

	return &Server{
		config:     cfg,
		httpServer: httpServer,
		store:      s,
		docker:     d,
		reconciler: reconciler,
		logger:     logger,
	}, nil
}

// ensureDataDir creates the directory holding a SQLite file.
func ensureDataDir(dsn string) error {
	path := strings.TrimPrefix(dsn, "file:")
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" || strings.Contains(path, ":memory:") {
		return nil
	}
	return os.MkdirAll(filepath.Dir(path), 0o755)
}

// Start starts the server and blocks until shutdown.
func (s *Server) Start(ctx context.Context) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	if s.reconciler != nil {
		s.reconciler.Start()
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting HTTP server",
			"address", s.config.Server.Address())
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case sig := <-sigCh:
		s.logger.Info("received shutdown signal", "signal", sig)
	case err := <-errCh:
		s.Shutdown(context.Background())
		return &ServerError{
			Op:       "Start",
			Err:      err,
			ExitCode: ExitHTTPServerError,
		}
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown(context.Background())
}

// Shutdown gracefully shuts down the server. Running deployments are left
// running; the reconciler picks them up again on the next start.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("initiating graceful shutdown")

	shutdownCtx, cancel := context.WithTimeout(ctx, s.config.Server.ShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("HTTP server shutdown error", "error", err)
	}

	if s.reconciler != nil {
		s.reconciler.Stop()
	}

	if err := s.docker.Close(); err != nil {
		s.logger.Error("Docker client close error", "error", err)
	}

	if err := s.store.Close(); err != nil {
		s.logger.Error("database close error", "error", err)
	}

	s.logger.Info("shutdown complete")
	return nil
}

// =============================================================================
// Server Error
// =============================================================================

// ServerError represents an error during server operation.
type ServerError struct {
	Op       string
	Err      error
	ExitCode int
}

func (e *ServerError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *ServerError) Unwrap() error {
	return e.Err
}
