package api

import (
	"context"
	"slices"
	"sync"
	"time"

	"osfleet/internal/pipeline"
)

// RunSummary is the body of GET /v1/run.
type RunSummary struct {
	RunID   string                  `json:"run_id"`
	Command string                  `json:"command"`
	Started time.Time               `json:"started"`
	Kinds   map[string]KindCounters `json:"kinds"`
}

// KindCounters counts items of one kind by status. Active is the number of
// items started but not yet finished.
type KindCounters struct {
	Active int            `json:"active"`
	Counts map[string]int `json:"counts"`
}

// KindDetail is the body of GET /v1/run/{kind}.
type KindDetail struct {
	Kind   string              `json:"kind"`
	Items  map[string][]string `json:"items"`
	Errors map[string]string   `json:"errors,omitempty"`
}

type kindState struct {
	active map[string]bool
	items  map[pipeline.ItemStatus][]string
	errors map[string]string
}

// RunState follows item events of the current run for the status server.
type RunState struct {
	runID   string
	command string
	started time.Time

	mu    sync.Mutex
	kinds map[string]*kindState
}

// NewRunState returns an empty run state.
func NewRunState(runID, command string) *RunState {
	return &RunState{
		runID:   runID,
		command: command,
		started: time.Now().UTC(),
		kinds:   map[string]*kindState{},
	}
}

// Emit records an item transition.
func (s *RunState) Emit(_ context.Context, ev pipeline.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k, ok := s.kinds[ev.Kind]
	if !ok {
		k = &kindState{
			active: map[string]bool{},
			items:  map[pipeline.ItemStatus][]string{},
			errors: map[string]string{},
		}
		s.kinds[ev.Kind] = k
	}

	name := ev.Name
	if ev.Tenant != "" {
		name = ev.Tenant + "/" + ev.Name
	}
	if !ev.Status.Terminal() {
		k.active[name] = true
		return
	}
	delete(k.active, name)
	k.items[ev.Status] = append(k.items[ev.Status], name)
	if ev.Err != nil && (ev.Status == pipeline.ItemFailed || ev.Status == pipeline.ItemTimedOut) {
		k.errors[name] = ev.Err.Error()
	}
}

// Summary returns counters for every kind seen so far.
func (s *RunState) Summary() RunSummary {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := RunSummary{
		RunID:   s.runID,
		Command: s.command,
		Started: s.started,
		Kinds:   make(map[string]KindCounters, len(s.kinds)),
	}
	for kind, k := range s.kinds {
		counts := make(map[string]int, len(k.items))
		for st, names := range k.items {
			counts[string(st)] = len(names)
		}
		out.Kinds[kind] = KindCounters{Active: len(k.active), Counts: counts}
	}
	return out
}

// Kind returns item names by status for one kind.
func (s *RunState) Kind(kind string) (KindDetail, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k, ok := s.kinds[kind]
	if !ok {
		return KindDetail{}, false
	}
	out := KindDetail{Kind: kind, Items: map[string][]string{}}
	for st, names := range k.items {
		sorted := slices.Clone(names)
		slices.Sort(sorted)
		out.Items[string(st)] = sorted
	}
	if len(k.active) > 0 {
		var active []string
		for name := range k.active {
			active = append(active, name)
		}
		slices.Sort(active)
		out.Items[string(pipeline.ItemStarted)] = active
	}
	if len(k.errors) > 0 {
		out.Errors = make(map[string]string, len(k.errors))
		for name, msg := range k.errors {
			out.Errors[name] = msg
		}
	}
	return out, true
}

var _ pipeline.Sink = (*RunState)(nil)
