// Package workerpool runs a function over many items with bounded
// concurrency. A failing or panicking item never aborts its siblings.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"runtime/debug"

	"golang.org/x/sync/errgroup"
)

// ErrPanic is wrapped by results whose function panicked.
var ErrPanic = errors.New("worker panicked")

// Result is the outcome of one item, at the item's input position.
type Result[R any] struct {
	Value R
	Err   error
}

// Size returns n, or the number of CPUs when n is not positive.
func Size(n int) int {
	if n <= 0 {
		return runtime.NumCPU()
	}
	return n
}

// Map calls fn for every item using at most size concurrent goroutines and
// returns results in input order. Items not started before ctx is cancelled
// get ctx.Err() without fn being called.
func Map[T, R any](ctx context.Context, size int, items []T, fn func(context.Context, T) (R, error)) []Result[R] {
	results := make([]Result[R], len(items))
	if len(items) == 0 {
		return results
	}

	// errgroup's context is not used: one item's error must not cancel the rest.
	var g errgroup.Group
	g.SetLimit(Size(size))

	for i, item := range items {
		if err := ctx.Err(); err != nil {
			for j := i; j < len(items); j++ {
				results[j].Err = err
			}
			break
		}
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				results[i].Err = err
				return nil
			}
			results[i].Value, results[i].Err = call(ctx, item, fn)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// ForEach is Map for functions without a value. The returned slice holds
// one error (possibly nil) per item.
func ForEach[T any](ctx context.Context, size int, items []T, fn func(context.Context, T) error) []error {
	res := Map(ctx, size, items, func(ctx context.Context, item T) (struct{}, error) {
		return struct{}{}, fn(ctx, item)
	})
	errs := make([]error, len(res))
	for i, r := range res {
		errs[i] = r.Err
	}
	return errs
}

// Errors returns the non-nil errors in errs.
func Errors(errs []error) []error {
	var out []error
	for _, err := range errs {
		if err != nil {
			out = append(out, err)
		}
	}
	return out
}

func call[T, R any](ctx context.Context, item T, fn func(context.Context, T) (R, error)) (value R, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v\n%s", ErrPanic, r, debug.Stack())
		}
	}()
	return fn(ctx, item)
}
