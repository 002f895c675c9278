// Package pipeline holds what every orchestration pipeline shares: the
// per-invocation environment, the launch phase, the tri-state status
// checks, and per-item reporting.
package pipeline

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"osfleet/internal/cloud"
	"osfleet/internal/config"
	"osfleet/internal/manifest"
	"osfleet/internal/reconcile"
	"osfleet/internal/tracker"
)

// Metrics records pipeline, tracker, and reconciler activity.
type Metrics interface {
	tracker.Recorder
	reconcile.Recorder
	RecordItem(kind, status string)
	RecordPipeline(name string, duration time.Duration, ok bool)
}

// Env is the immutable context of one invocation. It is built once and
// passed to every pipeline call.
type Env struct {
	RunID      string
	Cfg        *config.Config
	Connector  cloud.Connector
	Admin      *cloud.Clients
	Store      *manifest.Store
	Reconciler *reconcile.Reconciler
	Logger     *slog.Logger
	Metrics    Metrics
	Sink       Sink
}

// Log returns the environment logger.
func (e *Env) Log() *slog.Logger {
	if e.Logger == nil {
		return slog.Default()
	}
	return e.Logger
}

func (e *Env) metrics() Metrics {
	if e.Metrics == nil {
		return noopMetrics{}
	}
	return e.Metrics
}

// TrackOptions returns tracker options for kind with the given budget.
func (e *Env) TrackOptions(kind string, cycles int, interval time.Duration) tracker.Options {
	return tracker.Options{
		Kind:      kind,
		MaxCycles: cycles,
		Interval:  interval,
		PoolSize:  e.Cfg.PoolSize,
		Logger:    e.Log(),
		Metrics:   e.metrics(),
	}
}

// Scoped returns clients acting within the given project.
func (e *Env) Scoped(ctx context.Context, projectID string) (*cloud.Clients, error) {
	return e.Connector.Connect(ctx, projectID)
}

// Stage runs fn inside a span and records its duration.
func (e *Env) Stage(ctx context.Context, name string, fn func(context.Context) error) error {
	ctx, span := otel.Tracer("osfleet/pipeline").Start(ctx, name,
		trace.WithAttributes(attribute.String("run_id", e.RunID)))
	defer span.End()

	start := time.Now()
	err := fn(ctx)
	e.metrics().RecordPipeline(name, time.Since(start), err == nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

type noopMetrics struct{}

func (noopMetrics) RecordTrackerCycle(string, int) {}
func (noopMetrics) RecordOperation(string, string) {}
func (noopMetrics) RecordReconcile(string, int) {}
func (noopMetrics) RecordItem(string, string) {}
func (noopMetrics) RecordPipeline(string, time.Duration, bool) {}
