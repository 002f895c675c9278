package openstack

import (
	"context"
	"errors"
	"time"

	"github.com/gophercloud/gophercloud/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"osfleet/internal/apperrors"
	"osfleet/pkg/circuitbreaker"
)

// Service names used for breakers, spans and metrics.
const (
	svcIdentity = "identity"
	svcCompute  = "compute"
	svcImage    = "image"
	svcVolume   = "volume"
	svcNetwork  = "network"
)

// Recorder receives per-call metrics.
type Recorder interface {
	RecordAPICall(ctx context.Context, service, outcome string, d time.Duration)
}

// caller is shared by every scoped client of one Connector: one rate limit
// and one breaker per service for the whole run.
type caller struct {
	limiter  *rate.Limiter
	breakers *circuitbreaker.Registry
	metrics  Recorder
	tracer   trace.Tracer
}

func newCaller(rps float64, burst int, metrics Recorder) *caller {
	return &caller{
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		breakers: circuitbreaker.NewRegistry(circuitbreaker.Config{
			Threshold: 5,
			Cooldown:  30 * time.Second,
			IsFailure: func(err error) bool { return errors.Is(err, apperrors.ErrUnavailable) },
		}),
		metrics: metrics,
		tracer:  otel.Tracer("osfleet/cloud"),
	}
}

// do runs one remote call: rate limited, behind the service breaker, inside
// a span, with the error classified.
func (c *caller) do(ctx context.Context, service, op, resource, id string, fn func(context.Context) error) error {
	ctx, span := c.tracer.Start(ctx, service+"."+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("resource", resource), attribute.String("id", id)))
	defer span.End()

	start := time.Now()
	err := c.limiter.Wait(ctx)
	if err == nil {
		err = c.breakers.Get(service).Do(func() error {
			return classify(service+"."+op, resource, id, fn(ctx))
		})
		if errors.Is(err, circuitbreaker.ErrOpen) {
			err = apperrors.Unavailable(service+"."+op, service)
		}
	}

	if c.metrics != nil {
		outcome := "ok"
		if err != nil {
			outcome = apperrors.Kind(err)
		}
		c.metrics.RecordAPICall(ctx, service, outcome, time.Since(start))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, apperrors.Kind(err))
	}
	return err
}

// fetch is do for calls returning a value.
func fetch[T any](ctx context.Context, c *caller, service, op, resource, id string, fn func(context.Context) (T, error)) (T, error) {
	var out T
	err := c.do(ctx, service, op, resource, id, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

// classify maps a gophercloud error onto the apperrors taxonomy. Errors
// without an HTTP status are transport failures and count as unavailable.
func classify(op, resource, id string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var apperr *apperrors.Error
	if errors.As(err, &apperr) {
		return err
	}
	var codeErr gophercloud.ErrUnexpectedResponseCode
	if errors.As(err, &codeErr) {
		return apperrors.FromStatus(op, resource, id, codeErr.Actual, err)
	}
	var codeErrPtr *gophercloud.ErrUnexpectedResponseCode
	if errors.As(err, &codeErrPtr) && codeErrPtr != nil {
		return apperrors.FromStatus(op, resource, id, codeErrPtr.Actual, err)
	}
	var notFound gophercloud.ErrResourceNotFound
	if errors.As(err, &notFound) {
		return apperrors.NotFound(resource, id)
	}
	return &apperrors.Error{
		Sentinel: apperrors.ErrUnavailable,
		Message:  op + " " + id + ": " + err.Error(),
		Op:       op,
		Resource: resource,
		ID:       id,
		Cause:    err,
	}
}
