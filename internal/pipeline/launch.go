package pipeline

import (
	"context"
	"errors"
	"fmt"

	"osfleet/internal/apperrors"
	"osfleet/internal/tracker"
	"osfleet/internal/workerpool"
)

// ErrSkipped marks an item that was deliberately not launched.
var ErrSkipped = errors.New("skipped")

// Skip returns an error that makes Launch report the item as skipped.
func Skip(reason string) error {
	return fmt.Errorf("%w: %s", ErrSkipped, reason)
}

// Item names one unit of work for reporting.
type Item struct {
	ID   string
	Name string
}

// StartFunc issues the remote start call for one item and returns the
// operation id to track plus the context needed on completion.
type StartFunc[T, C any] func(ctx context.Context, item T) (opID string, c C, err error)

type launched[C any] struct {
	opID string
	c    C
}

// Launch starts every item in parallel and returns the tracked set. Items
// whose start call fails are reported Failed at once and never tracked;
// start errors are not retried.
func Launch[T, C any](ctx context.Context, e *Env, r *Report, items []T, describe func(T) Item, start StartFunc[T, C]) map[string]C {
	results := workerpool.Map(ctx, e.Cfg.PoolSize, items, func(ctx context.Context, it T) (launched[C], error) {
		id, c, err := start(ctx, it)
		return launched[C]{opID: id, c: c}, err
	})

	tracked := make(map[string]C, len(items))
	for i, res := range results {
		d := describe(items[i])
		switch {
		case errors.Is(res.Err, ErrSkipped):
			e.Item(ctx, r, d.ID, d.Name, ItemSkipped, res.Err)
		case res.Err != nil && ctx.Err() != nil:
			e.Item(ctx, r, d.ID, d.Name, ItemAbandoned, nil)
		case res.Err != nil:
			if apperrors.IsLaunchFatal(res.Err) {
				res.Err = fmt.Errorf("launch rejected: %w", res.Err)
			}
			e.Item(ctx, r, d.ID, d.Name, ItemFailed, res.Err)
		case res.Value.opID == "":
			e.Item(ctx, r, d.ID, d.Name, ItemSkipped, errors.New("nothing to do"))
		default:
			tracked[res.Value.opID] = res.Value.c
			e.Item(ctx, r, d.ID, d.Name, ItemStarted, nil)
		}
	}
	return tracked
}

// ItemStatusOf maps a tracker state to an item status.
func ItemStatusOf(st tracker.State) ItemStatus {
	switch st {
	case tracker.StateSucceeded:
		return ItemSucceeded
	case tracker.StateTimedOut:
		return ItemTimedOut
	case tracker.StateAbandoned:
		return ItemAbandoned
	default:
		return ItemFailed
	}
}

// Abandon reports the operations a tracker call left behind.
func Abandon[C any](ctx context.Context, e *Env, r *Report, sum tracker.Summary, tracked map[string]C, describe func(string, C) Item) {
	for _, id := range sum.Abandoned {
		d := describe(id, tracked[id])
		e.Item(ctx, r, d.ID, d.Name, ItemAbandoned, nil)
	}
}
