// Package tracker drives a set of asynchronous remote operations to a
// terminal state with bounded, fixed-interval polling.
//
// Each cycle runs the caller's tri-state check for every pending operation
// in parallel. Operations leave tracking the moment they resolve; once the
// cycle budget is spent the rest are reported as timed out. Cancelling the
// context abandons whatever is still pending and returns immediately.
package tracker

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"osfleet/internal/workerpool"
)

// Outcome is the result of one status check.
type Outcome int

const (
	Pending Outcome = iota
	Succeeded
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	default:
		return "pending"
	}
}

// State is how an operation left tracking.
type State string

const (
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
	StateTimedOut  State = "timedout"
	StateAbandoned State = "abandoned"
)

// OK reports whether the operation succeeded.
func (s State) OK() bool { return s == StateSucceeded }

// CheckFunc reports the current outcome of operation id. A returned error
// resolves the operation as Failed; it is never retried.
type CheckFunc[C any] func(ctx context.Context, id string, c C) (Outcome, error)

// TerminalFunc is called exactly once for every operation that succeeds,
// fails, or times out. It runs on a pool goroutine and must be safe for
// concurrent use.
type TerminalFunc[C any] func(ctx context.Context, id string, c C, st State)

// Recorder receives tracker metrics.
type Recorder interface {
	RecordTrackerCycle(kind string, pending int)
	RecordOperation(kind string, state string)
}

// Options configure one Await call.
type Options struct {
	Kind      string        // Operation kind, for logs and metrics (e.g. "image_upload")
	MaxCycles int           // Check rounds before pending operations time out
	Interval  time.Duration // Sleep between rounds
	PoolSize  int           // Concurrent checks; <= 0 means NumCPU
	Logger    *slog.Logger
	Metrics   Recorder
}

// Summary describes how an Await call ended.
type Summary struct {
	Succeeded   []string
	Failed      []string
	TimedOut    []string
	Abandoned   []string
	Cycles      int
	Interrupted bool
}

// Total returns the number of operations the call was given.
func (s Summary) Total() int {
	return len(s.Succeeded) + len(s.Failed) + len(s.TimedOut) + len(s.Abandoned)
}

type resolution struct {
	id    string
	state State // empty while pending
}

// Await tracks the operations in tracked until all of them resolve, the
// cycle budget is exhausted, or ctx is cancelled. The caller's map is not
// modified. Await never returns an error: interrupts are reported through
// Summary.Interrupted and Summary.Abandoned.
func Await[C any](ctx context.Context, tracked map[string]C, opts Options, check CheckFunc[C], onTerminal TerminalFunc[C]) Summary {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "tracker", "kind", opts.Kind)
	if onTerminal == nil {
		onTerminal = func(context.Context, string, C, State) {}
	}

	ctx, span := otel.Tracer("osfleet/tracker").Start(ctx, "tracker.Await",
		trace.WithAttributes(
			attribute.String("kind", opts.Kind),
			attribute.Int("operations", len(tracked)),
			attribute.Int("max_cycles", opts.MaxCycles),
		))
	defer span.End()

	pending := maps.Clone(tracked)
	if pending == nil {
		pending = map[string]C{}
	}
	var sum Summary

	record := func(id string, st State) {
		switch st {
		case StateSucceeded:
			sum.Succeeded = append(sum.Succeeded, id)
		case StateFailed:
			sum.Failed = append(sum.Failed, id)
		case StateTimedOut:
			sum.TimedOut = append(sum.TimedOut, id)
		case StateAbandoned:
			sum.Abandoned = append(sum.Abandoned, id)
		}
		if opts.Metrics != nil {
			opts.Metrics.RecordOperation(opts.Kind, string(st))
		}
		delete(pending, id)
	}

	for len(pending) > 0 {
		if ctx.Err() != nil {
			break
		}
		if sum.Cycles >= opts.MaxCycles {
			timeOut(ctx, logger, pending, opts, onTerminal, record)
			break
		}
		sum.Cycles++
		if opts.Metrics != nil {
			opts.Metrics.RecordTrackerCycle(opts.Kind, len(pending))
		}

		ids := slices.Sorted(maps.Keys(pending))
		results := workerpool.Map(ctx, opts.PoolSize, ids, func(ctx context.Context, id string) (resolution, error) {
			return resolve(ctx, logger, id, pending[id], check, onTerminal), nil
		})
		for _, r := range results {
			if r.Err != nil {
				// Not started because ctx was cancelled.
				continue
			}
			if r.Value.state != "" {
				record(r.Value.id, r.Value.state)
			}
		}

		if len(pending) == 0 || sum.Cycles >= opts.MaxCycles {
			continue
		}
		if !sleep(ctx, opts.Interval) {
			break
		}
	}

	if len(pending) > 0 {
		sum.Interrupted = true
		for _, id := range slices.Sorted(maps.Keys(pending)) {
			record(id, StateAbandoned)
		}
		logger.Warn("Tracking interrupted", "abandoned", len(sum.Abandoned), "cycles", sum.Cycles)
		span.SetStatus(codes.Error, "interrupted")
	}

	span.SetAttributes(
		attribute.Int("succeeded", len(sum.Succeeded)),
		attribute.Int("failed", len(sum.Failed)),
		attribute.Int("timed_out", len(sum.TimedOut)),
		attribute.Int("cycles", sum.Cycles),
	)
	return sum
}

// resolve runs one check. The returned state is empty while the operation
// is still pending or when ctx was cancelled during the check. A panicking
// check resolves the operation as Failed.
func resolve[C any](ctx context.Context, logger *slog.Logger, id string, c C, check CheckFunc[C], onTerminal TerminalFunc[C]) resolution {
	outcome, err := runCheck(ctx, id, c, check)
	if err != nil {
		if ctx.Err() != nil {
			return resolution{id: id}
		}
		logger.Warn("Operation check failed", "opId", id, "error", err)
		outcome = Failed
	}

	var st State
	switch outcome {
	case Succeeded:
		st = StateSucceeded
	case Failed:
		st = StateFailed
	default:
		return resolution{id: id}
	}
	logger.Debug("Operation resolved", "opId", id, "state", st)
	fire(ctx, logger, id, c, st, onTerminal)
	return resolution{id: id, state: st}
}

func runCheck[C any](ctx context.Context, id string, c C, check CheckFunc[C]) (outcome Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", workerpool.ErrPanic, r)
		}
	}()
	return check(ctx, id, c)
}

// fire calls onTerminal. A panic there is logged and the operation keeps
// the state it resolved with.
func fire[C any](ctx context.Context, logger *slog.Logger, id string, c C, st State, onTerminal TerminalFunc[C]) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Terminal handler panicked", "opId", id, "state", st, "panic", r)
		}
	}()
	onTerminal(ctx, id, c, st)
}

func timeOut[C any](ctx context.Context, logger *slog.Logger, pending map[string]C, opts Options, onTerminal TerminalFunc[C], record func(string, State)) {
	ids := slices.Sorted(maps.Keys(pending))
	logger.Warn("Operations timed out", "count", len(ids), "maxCycles", opts.MaxCycles)
	workerpool.ForEach(ctx, opts.PoolSize, ids, func(ctx context.Context, id string) error {
		fire(ctx, logger, id, pending[id], StateTimedOut, onTerminal)
		return nil
	})
	for _, id := range ids {
		record(id, StateTimedOut)
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
