package pipeline

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"
)

// ItemStatus is the per-item progress state shown to the operator.
type ItemStatus string

const (
	ItemStarted   ItemStatus = "started"
	ItemSkipped   ItemStatus = "skipped"
	ItemSucceeded ItemStatus = "succeeded"
	ItemFailed    ItemStatus = "failed"
	ItemTimedOut  ItemStatus = "timedout"
	ItemAbandoned ItemStatus = "abandoned"
)

// Terminal reports whether the status ends the item's lifecycle.
func (s ItemStatus) Terminal() bool {
	return s != ItemStarted
}

// Event describes one item transition.
type Event struct {
	RunID  string
	Tenant string
	Kind   string
	ID     string
	Name   string
	Status ItemStatus
	Err    error
	Time   time.Time
}

// Sink receives item events.
type Sink interface {
	Emit(ctx context.Context, ev Event)
}

// Sinks fans an event out to several sinks.
type Sinks []Sink

func (s Sinks) Emit(ctx context.Context, ev Event) {
	for _, sink := range s {
		if sink != nil {
			sink.Emit(ctx, ev)
		}
	}
}

// Report collects per-item outcomes of one pipeline stage.
type Report struct {
	Kind   string
	Tenant string

	mu    sync.Mutex
	items map[ItemStatus][]string
}

// NewReport returns an empty report.
func NewReport(kind, tenant string) *Report {
	return &Report{Kind: kind, Tenant: tenant, items: map[ItemStatus][]string{}}
}

func (r *Report) add(st ItemStatus, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items[st] = append(r.items[st], name)
}

// Items returns the sorted names recorded with status st.
func (r *Report) Items(st ItemStatus) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := slices.Clone(r.items[st])
	slices.Sort(out)
	return out
}

// Count returns how many items were recorded with status st.
func (r *Report) Count(st ItemStatus) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.items[st])
}

// OK reports whether no item failed, timed out, or was abandoned.
func (r *Report) OK() bool {
	return r.Count(ItemFailed)+r.Count(ItemTimedOut)+r.Count(ItemAbandoned) == 0
}

// LogValue summarizes the report for structured logs.
func (r *Report) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("kind", r.Kind),
		slog.Int("succeeded", r.Count(ItemSucceeded)),
		slog.Int("failed", r.Count(ItemFailed)),
		slog.Int("skipped", r.Count(ItemSkipped)),
		slog.Int("timedout", r.Count(ItemTimedOut)),
		slog.Int("abandoned", r.Count(ItemAbandoned)),
	)
}

// Item records an item transition in r and publishes it.
func (e *Env) Item(ctx context.Context, r *Report, id, name string, st ItemStatus, err error) {
	if st.Terminal() {
		r.add(st, name)
		e.metrics().RecordItem(r.Kind, string(st))
	}

	logger := e.Log().With("kind", r.Kind, "tenant", r.Tenant, "id", id, "name", name)
	switch st {
	case ItemFailed, ItemTimedOut:
		logger.Error("Item "+string(st), "error", err)
	case ItemAbandoned:
		logger.Warn("Item abandoned")
	case ItemSkipped:
		logger.Info("Item skipped", "reason", err)
	default:
		logger.Info("Item " + string(st))
	}

	if e.Sink != nil {
		e.Sink.Emit(ctx, Event{
			RunID:  e.RunID,
			Tenant: r.Tenant,
			Kind:   r.Kind,
			ID:     id,
			Name:   name,
			Status: st,
			Err:    err,
			Time:   time.Now().UTC(),
		})
	}
}
