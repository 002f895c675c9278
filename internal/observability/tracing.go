package observability

import (
	"context"
	"errors"
	"fmt"
	"io"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// Trace exporters understood by SetupTracing.
const (
	TracesNone   = "none"
	TracesStdout = "stdout"
)

// ErrUnknownExporter is returned for an unsupported exporter name.
var ErrUnknownExporter = errors.New("unknown traces exporter")

// SetupTracing installs the global tracer provider selected by exporter.
// Spans are written to w when exporter is "stdout". The returned shutdown
// flushes pending spans and must be called before exit.
func SetupTracing(ctx context.Context, exporter, runID string, w io.Writer) (func(context.Context) error, error) {
	noop := func(context.Context) error { return nil }

	switch exporter {
	case "", TracesNone:
		return noop, nil
	case TracesStdout:
	default:
		return noop, fmt.Errorf("%w: %s", ErrUnknownExporter, exporter)
	}

	exp, err := stdouttrace.New(stdouttrace.WithWriter(w))
	if err != nil {
		return noop, fmt.Errorf("create exporter: %w", err)
	}

	res := resource.NewWithAttributes(
		"",
		attribute.String("service.name", "osfleet"),
		attribute.String("osfleet.run_id", runID),
	)

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(tp)

	return tp.Shutdown, nil
}
