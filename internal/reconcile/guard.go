package reconcile

import (
	"context"
	"log/slog"
	"time"
)

// DefaultCleanupTimeout bounds the cleanup phase of a Guard.
const DefaultCleanupTimeout = 2 * time.Minute

type hook struct {
	name string
	fn   func(context.Context) error
}

// Guard runs cleanup hooks after a pipeline invocation, whether it
// finished, failed, panicked, or was interrupted. Hooks run in reverse
// registration order with a fresh context that survives the cancellation
// of the invocation's context.
type Guard struct {
	timeout time.Duration
	logger  *slog.Logger
	hooks   []hook
}

// NewGuard returns a Guard whose cleanup phase is bounded by timeout.
func NewGuard(timeout time.Duration, logger *slog.Logger) *Guard {
	if timeout <= 0 {
		timeout = DefaultCleanupTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{timeout: timeout, logger: logger.With("component", "guard")}
}

// Defer registers a cleanup hook.
func (g *Guard) Defer(name string, fn func(context.Context) error) {
	g.hooks = append(g.hooks, hook{name: name, fn: fn})
}

// Run calls fn and then the registered hooks.
func (g *Guard) Run(ctx context.Context, fn func(context.Context) error) error {
	defer g.cleanup(ctx)
	return fn(ctx)
}

func (g *Guard) cleanup(parent context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), g.timeout)
	defer cancel()

	for i := len(g.hooks) - 1; i >= 0; i-- {
		h := g.hooks[i]
		start := time.Now()
		if err := g.runHook(ctx, h); err != nil {
			g.logger.Error("Cleanup failed", "hook", h.name, "error", err)
			continue
		}
		g.logger.Debug("Cleanup done", "hook", h.name, "duration", time.Since(start))
	}
}

func (g *Guard) runHook(ctx context.Context, h hook) (err error) {
	defer func() {
		if r := recover(); r != nil {
			g.logger.Error("Cleanup panicked", "hook", h.name, "panic", r)
		}
	}()
	return h.fn(ctx)
}
