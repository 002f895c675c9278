package cli

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"osfleet/internal/api"
	"osfleet/internal/cloud"
	"osfleet/internal/cloud/openstack"
	"osfleet/internal/config"
	"osfleet/internal/health"
	"osfleet/internal/manifest"
	"osfleet/internal/notify"
	"osfleet/internal/observability"
	"osfleet/internal/pipeline"
	"osfleet/internal/reconcile"
)

// ConnectFunc authenticates against the control plane.
type ConnectFunc func(ctx context.Context, cfg *config.Config, metrics *observability.Metrics, logger *slog.Logger) (cloud.Connector, health.BreakerStats, error)

func connectOpenStack(ctx context.Context, cfg *config.Config, metrics *observability.Metrics, logger *slog.Logger) (cloud.Connector, health.BreakerStats, error) {
	c, err := openstack.New(ctx, cfg, metrics, logger)
	if err != nil {
		return nil, nil, err
	}
	return c, c.Breakers(), nil
}

const drainTimeout = 10 * time.Second

// session is everything one command invocation sets up before its
// pipeline runs and tears down afterwards.
type session struct {
	env      *pipeline.Env
	logger   *slog.Logger
	progress *Progress
	checker  *health.Checker
	notifier *notify.Notifier
	status   *api.Server

	closers []func(context.Context) error
}

// open loads configuration, connects, and runs the preflight. Any failure
// here is fatal to the invocation.
func (a *app) open(ctx context.Context, command string) (*session, error) {
	cfg, err := a.opts.Config(a.configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, closeLog, err := newLogger(cfg, a.opts.Stdout)
	if err != nil {
		return nil, err
	}
	s := &session{closers: []func(context.Context) error{func(context.Context) error { return closeLog() }}}

	runID := uuid.NewString()
	logger = logger.With("runId", runID, "command", command)
	s.logger = logger

	shutdownTracing, err := observability.SetupTracing(ctx, cfg.TracesExporter, runID, a.opts.Stderr)
	if err != nil {
		s.close()
		return nil, err
	}
	s.closers = append(s.closers, shutdownTracing)

	metrics, metricsHandler, err := observability.NewMetrics(ctx)
	if err != nil {
		s.close()
		return nil, err
	}

	connector, breakers, err := a.opts.Connect(ctx, cfg, metrics, logger)
	if err != nil {
		s.close()
		return nil, err
	}

	s.checker = health.NewChecker(connector, breakers, logger)
	if err := s.checker.Preflight(ctx); err != nil {
		s.close()
		return nil, err
	}

	admin, err := connector.Connect(ctx, "")
	if err != nil {
		s.close()
		return nil, err
	}

	run := api.NewRunState(runID, command)
	s.progress = NewProgress(a.opts.Stdout)
	s.notifier = notify.New(notify.LoadConfig(cfg), runID, logger, metrics)

	if cfg.MetricsPort != "" {
		router := api.NewRouter(api.RouterConfig{
			Run:            run,
			HealthChecker:  s.checker,
			Metrics:        metrics,
			MetricsHandler: metricsHandler,
			Token:          cfg.StatusToken,
			Logger:         logger,
		})
		srv, err := api.Start(":"+cfg.MetricsPort, router, logger)
		if err != nil {
			logger.Warn("Status server not started", "port", cfg.MetricsPort, "error", err)
		} else {
			s.status = srv
		}
	}

	sinks := pipeline.Sinks{s.progress, run}
	if s.notifier != nil {
		sinks = append(sinks, s.notifier)
	}

	s.env = &pipeline.Env{
		RunID:      runID,
		Cfg:        cfg,
		Connector:  connector,
		Admin:      admin,
		Store:      manifest.NewStore(cfg.BackupRoot),
		Reconciler: reconcile.New(cfg.PoolSize, logger, metrics),
		Logger:     logger,
		Metrics:    metrics,
		Sink:       sinks,
	}
	logger.Info("Run started", "backupRoot", cfg.BackupRoot, "poolSize", cfg.PoolSize)
	return s, nil
}

// close stops the status server, drains the notifier, and flushes traces.
// It runs on a fresh context so an interrupted run still shuts down cleanly.
func (s *session) close() {
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()

	if s.checker != nil {
		s.checker.SetShuttingDown()
	}
	if s.status != nil {
		if err := s.status.Shutdown(ctx); err != nil {
			s.log().Warn("Status server shutdown error", "error", err)
		}
	}
	if s.notifier != nil {
		if err := s.notifier.Close(ctx); err != nil {
			s.log().Warn("Notifier shutdown error", "error", err)
		}
		stats := s.notifier.Stats()
		s.log().Info("Notifier stats", "delivered", stats.Delivered, "failed", stats.Failed, "dropped", stats.Dropped)
	}
	// Closers run in reverse so the log file closes last.
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](ctx); err != nil {
			s.log().Warn("Shutdown error", "error", err)
		}
	}
}

func (s *session) log() *slog.Logger {
	if s.logger == nil {
		return slog.Default()
	}
	return s.logger
}
