// Package pipelinetest builds pipeline environments backed by the
// in-memory control plane.
package pipelinetest

import (
	"context"
	"io"
	"log/slog"
	"slices"
	"sync"
	"testing"
	"time"

	"osfleet/internal/cloud/cloudtest"
	"osfleet/internal/config"
	"osfleet/internal/manifest"
	"osfleet/internal/pipeline"
	"osfleet/internal/reconcile"
)

// Events records item events.
type Events struct {
	mu     sync.Mutex
	events []pipeline.Event
}

func (r *Events) Emit(_ context.Context, ev pipeline.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

// All returns every recorded event.
func (r *Events) All() []pipeline.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.events)
}

// Names returns the sorted names of items recorded with status st.
func (r *Events) Names(st pipeline.ItemStatus) []string {
	var out []string
	for _, ev := range r.All() {
		if ev.Status == st {
			out = append(out, ev.Name)
		}
	}
	slices.Sort(out)
	return out
}

// Config returns a configuration with fast polling for tests.
func Config(root string) *config.Config {
	cfg := config.Defaults()
	cfg.Auth = config.Auth{URL: "http://keystone.test/v3", Username: "admin", Password: "secret", ProjectName: "admin"}
	cfg.BackupRoot = root
	cfg.PoolSize = 4
	cfg.PollInterval = time.Millisecond
	cfg.UploadCycles = 20
	cfg.RestoreCycles = 20
	cfg.MigrationPollInterval = time.Millisecond
	cfg.MigrationCycles = 5
	cfg.FinalWait = time.Millisecond
	cfg.StopWait = time.Millisecond
	cfg.InitialPassword = "changeme"
	return cfg
}

// NewEnv returns an environment over f with a temporary backup root.
func NewEnv(t *testing.T, f *cloudtest.Fake) (*pipeline.Env, *Events) {
	t.Helper()
	cfg := Config(t.TempDir())
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	events := &Events{}
	return &pipeline.Env{
		RunID:      "test-run",
		Cfg:        cfg,
		Connector:  f,
		Admin:      f.Clients(),
		Store:      manifest.NewStore(cfg.BackupRoot),
		Reconciler: reconcile.New(cfg.PoolSize, logger, nil),
		Logger:     logger,
		Sink:       events,
	}, events
}
