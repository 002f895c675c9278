package observability

import (
	"context"
	"net/http"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics holds the instruments of one invocation, covering the golden 4 signals:
// - Latency: pipeline stages, remote calls, notifier delivery
// - Traffic: operations, items, remote calls
// - Errors: failed/timed out operations and items, remote errors
// - Saturation: pending operations per tracker cycle, notifier queue
type Metrics struct {
	meter metric.Meter

	// HTTP metrics for the status server
	HTTPRequestDuration metric.Float64Histogram
	HTTPRequestsTotal   metric.Int64Counter
	HTTPErrorsTotal     metric.Int64Counter

	// Orchestration metrics
	PipelineDuration metric.Float64Histogram
	PipelineErrors   metric.Int64Counter
	TrackerCycles    metric.Int64Counter
	TrackerPending   metric.Int64Gauge
	OperationsTotal  metric.Int64Counter
	ItemsTotal       metric.Int64Counter
	ReconcileActions metric.Int64Counter

	// Remote API metrics
	APICallDuration metric.Float64Histogram
	APICallsTotal   metric.Int64Counter

	// Notifier metrics
	NotifyDuration  metric.Float64Histogram
	NotifyDelivered metric.Int64Counter
	NotifyFailed    metric.Int64Counter
	NotifyDropped   metric.Int64Counter
	NotifyRequeued  metric.Int64Counter
	NotifyQueueSize metric.Int64Gauge
}

// NewMetrics creates all instruments on a Prometheus exporter backed by a
// private registry and returns the handler serving it.
func NewMetrics(ctx context.Context) (*Metrics, http.Handler, error) {
	registry := promclient.NewRegistry()
	exporter, err := prometheus.New(prometheus.WithRegisterer(registry))
	if err != nil {
		return nil, nil, err
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	meter := provider.Meter("osfleet")
	m := &Metrics{meter: meter}

	// HTTP metrics
	m.HTTPRequestDuration, err = meter.Float64Histogram(
		"http_request_duration_seconds",
		metric.WithDescription("HTTP request latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return nil, nil, err
	}

	m.HTTPRequestsTotal, err = meter.Int64Counter(
		"http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.HTTPErrorsTotal, err = meter.Int64Counter(
		"http_errors_total",
		metric.WithDescription("Total number of HTTP errors (4xx and 5xx)"),
	)
	if err != nil {
		return nil, nil, err
	}

	// Orchestration metrics
	m.PipelineDuration, err = meter.Float64Histogram(
		"pipeline_duration_seconds",
		metric.WithDescription("Pipeline stage duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(1, 5, 10, 30, 60, 120, 300, 600, 1800, 3600, 7200),
	)
	if err != nil {
		return nil, nil, err
	}

	m.PipelineErrors, err = meter.Int64Counter(
		"pipeline_errors_total",
		metric.WithDescription("Total number of pipeline stages that returned an error"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.TrackerCycles, err = meter.Int64Counter(
		"tracker_cycles_total",
		metric.WithDescription("Total number of tracker check rounds"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.TrackerPending, err = meter.Int64Gauge(
		"tracker_pending_operations",
		metric.WithDescription("Operations still pending after the last check round (saturation)"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.OperationsTotal, err = meter.Int64Counter(
		"operations_total",
		metric.WithDescription("Total number of tracked operations by final state"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.ItemsTotal, err = meter.Int64Counter(
		"items_total",
		metric.WithDescription("Total number of pipeline items by status"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.ReconcileActions, err = meter.Int64Counter(
		"reconcile_actions_total",
		metric.WithDescription("Total number of corrective actions taken"),
	)
	if err != nil {
		return nil, nil, err
	}

	// Remote API metrics
	m.APICallDuration, err = meter.Float64Histogram(
		"api_call_duration_seconds",
		metric.WithDescription("Control plane call latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30),
	)
	if err != nil {
		return nil, nil, err
	}

	m.APICallsTotal, err = meter.Int64Counter(
		"api_calls_total",
		metric.WithDescription("Total number of control plane calls by outcome"),
	)
	if err != nil {
		return nil, nil, err
	}

	// Notifier metrics
	m.NotifyDuration, err = meter.Float64Histogram(
		"notify_duration_seconds",
		metric.WithDescription("Notification delivery latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return nil, nil, err
	}

	m.NotifyDelivered, err = meter.Int64Counter(
		"notify_delivered_total",
		metric.WithDescription("Total notifications successfully delivered"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.NotifyFailed, err = meter.Int64Counter(
		"notify_failed_total",
		metric.WithDescription("Total notifications failed after retries"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.NotifyDropped, err = meter.Int64Counter(
		"notify_dropped_total",
		metric.WithDescription("Total notifications dropped (queue full or max requeues)"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.NotifyRequeued, err = meter.Int64Counter(
		"notify_requeued_total",
		metric.WithDescription("Total notifications requeued due to open circuit"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.NotifyQueueSize, err = meter.Int64Gauge(
		"notify_queue_size",
		metric.WithDescription("Current number of notifications in queue (saturation)"),
	)
	if err != nil {
		return nil, nil, err
	}

	return m, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}), nil
}

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, path string, statusCode int, durationSeconds float64) {
	attrs := metric.WithAttributes(
		methodAttr(method),
		pathAttr(path),
		statusAttr(statusCode),
	)

	m.HTTPRequestDuration.Record(ctx, durationSeconds, attrs)
	m.HTTPRequestsTotal.Add(ctx, 1, attrs)

	if statusCode >= 400 {
		m.HTTPErrorsTotal.Add(ctx, 1, attrs)
	}
}

// RecordTrackerCycle records one check round and the operations left pending.
func (m *Metrics) RecordTrackerCycle(kind string, pending int) {
	ctx := context.Background()
	attrs := metric.WithAttributes(kindAttr(kind))
	m.TrackerCycles.Add(ctx, 1, attrs)
	m.TrackerPending.Record(ctx, int64(pending), attrs)
}

// RecordOperation records an operation leaving tracking.
func (m *Metrics) RecordOperation(kind, state string) {
	m.OperationsTotal.Add(context.Background(), 1, metric.WithAttributes(kindAttr(kind), stateAttr(state)))
}

// RecordReconcile records count corrective actions of one kind.
func (m *Metrics) RecordReconcile(action string, count int) {
	if count <= 0 {
		return
	}
	m.ReconcileActions.Add(context.Background(), int64(count), metric.WithAttributes(actionAttr(action)))
}

// RecordItem records the final status of one pipeline item.
func (m *Metrics) RecordItem(kind, status string) {
	m.ItemsTotal.Add(context.Background(), 1, metric.WithAttributes(kindAttr(kind), stateAttr(status)))
}

// RecordPipeline records a pipeline stage duration.
func (m *Metrics) RecordPipeline(name string, d time.Duration, ok bool) {
	ctx := context.Background()
	attrs := metric.WithAttributes(stageAttr(name), successAttr(ok))
	m.PipelineDuration.Record(ctx, d.Seconds(), attrs)
	if !ok {
		m.PipelineErrors.Add(ctx, 1, metric.WithAttributes(stageAttr(name)))
	}
}

// RecordAPICall records one control plane call.
func (m *Metrics) RecordAPICall(ctx context.Context, service, outcome string, d time.Duration) {
	attrs := metric.WithAttributes(serviceAttr(service), outcomeAttr(outcome))
	m.APICallDuration.Record(ctx, d.Seconds(), attrs)
	m.APICallsTotal.Add(ctx, 1, attrs)
}

// RecordNotifyDelivered records a successful delivery with its duration.
func (m *Metrics) RecordNotifyDelivered(ctx context.Context, durationSeconds float64) {
	m.NotifyDelivered.Add(ctx, 1)
	m.NotifyDuration.Record(ctx, durationSeconds)
}

// RecordNotifyFailed records a failed delivery.
func (m *Metrics) RecordNotifyFailed(ctx context.Context) {
	m.NotifyFailed.Add(ctx, 1)
}

// RecordNotifyDropped records a dropped notification.
func (m *Metrics) RecordNotifyDropped(ctx context.Context) {
	m.NotifyDropped.Add(ctx, 1)
}

// RecordNotifyRequeued records a requeued notification.
func (m *Metrics) RecordNotifyRequeued(ctx context.Context) {
	m.NotifyRequeued.Add(ctx, 1)
}

// RecordNotifyQueueSize records the current queue size.
func (m *Metrics) RecordNotifyQueueSize(ctx context.Context, size int64) {
	m.NotifyQueueSize.Record(ctx, size)
}
