// Package migrate evacuates a compute host.
//
// Every server on the host is migrated: powered-off servers cold, running
// servers live or by stop-then-cold-migrate depending on the configured
// mode. Servers still on the host after two passes are reset, stopped, and
// cold migrated after a grace period. Servers this pipeline stopped are
// started again once, after every pass has resolved, whether their
// migration succeeded or not.
package migrate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"

	"osfleet/internal/apperrors"
	"osfleet/internal/cloud"
	"osfleet/internal/config"
	"osfleet/internal/pipeline"
	"osfleet/internal/tracker"
	"osfleet/pkg/backoff"
)

// stopAttempts bounds the wait for a stopped server to report SHUTOFF.
const stopAttempts = 8

// Pipeline migrates the servers of one host. It keeps per-run state and
// must not be reused across hosts.
type Pipeline struct {
	env  *pipeline.Env
	host string

	mu      sync.Mutex
	cold    map[string]string // servers cold migrated, id to name
	restart map[string]string // servers this run stopped, id to name
}

// New returns a migration pipeline for host.
func New(env *pipeline.Env, host string) *Pipeline {
	return &Pipeline{
		env:     env,
		host:    host,
		cold:    make(map[string]string),
		restart: make(map[string]string),
	}
}

func (p *Pipeline) log() *slog.Logger { return p.env.Log().With("host", p.host) }

// Run evacuates the host and returns one report per pass.
func (p *Pipeline) Run(ctx context.Context) ([]*pipeline.Report, error) {
	env := p.env
	if p.host == "" {
		return nil, apperrors.Validation("host", "hypervisor name is required")
	}

	servers, err := p.servers(ctx)
	if err != nil {
		return nil, apperrors.Setup("list servers on "+p.host, err)
	}
	if len(servers) == 0 {
		p.log().Info("Hypervisor serves no servers")
		return nil, nil
	}

	var reports []*pipeline.Report
	stage := func(name string, fn func(context.Context) *pipeline.Report) {
		_ = env.Stage(ctx, "migrate."+name, func(ctx context.Context) error {
			r := fn(ctx)
			reports = append(reports, r)
			p.log().Info("Migration pass finished", "pass", name, "report", r)
			if !r.OK() {
				return fmt.Errorf("migration pass %s incomplete", name)
			}
			return nil
		})
	}

	stage("first", func(ctx context.Context) *pipeline.Report {
		return p.pass(ctx, "migration_first", servers, p.launch)
	})

	for _, name := range []string{"second", "final"} {
		if ctx.Err() != nil {
			break
		}
		left, err := p.servers(ctx)
		if err != nil {
			p.log().Error("Could not list remaining servers", "error", err)
			break
		}
		if len(left) == 0 {
			break
		}
		if name == "second" {
			stage(name, func(ctx context.Context) *pipeline.Report {
				return p.pass(ctx, "migration_second", left, p.launch)
			})
			continue
		}
		p.log().Warn("Servers left on host, waiting before forced migration", "count", len(left), "wait", env.Cfg.FinalWait)
		if err := backoff.Sleep(ctx, env.Cfg.FinalWait); err != nil {
			break
		}
		stage(name, func(ctx context.Context) *pipeline.Report {
			return p.pass(ctx, "migration_final", left, p.force)
		})
	}

	// Settling runs even after an interrupt so migrated servers do not
	// stay in VERIFY_RESIZE.
	stage("settle", func(ctx context.Context) *pipeline.Report {
		return p.settle(context.WithoutCancel(ctx))
	})
	return reports, ctx.Err()
}

func (p *Pipeline) servers(ctx context.Context) ([]cloud.Server, error) {
	return p.env.Admin.Compute.ListServers(ctx, cloud.ServerFilter{Host: p.host, AllTenants: true})
}

func describe(s cloud.Server) pipeline.Item {
	return pipeline.Item{ID: s.ID, Name: s.Name}
}

// pass launches a migration for every server and tracks each until it has
// left the host.
func (p *Pipeline) pass(ctx context.Context, kind string, servers []cloud.Server, start pipeline.StartFunc[cloud.Server, cloud.Server]) *pipeline.Report {
	env := p.env
	r := pipeline.NewReport(kind, p.host)
	tracked := pipeline.Launch(ctx, env, r, servers, describe, start)

	sum := tracker.Await(ctx, tracked, env.TrackOptions(kind, env.Cfg.MigrationCycles, env.Cfg.MigrationPollInterval),
		pipeline.Check[cloud.Server](pipeline.ServerLeftHost(env.Admin.Compute, p.host)),
		func(ctx context.Context, id string, s cloud.Server, st tracker.State) {
			var err error
			switch st {
			case tracker.StateFailed:
				err = fmt.Errorf("server %s entered an error state", s.Name)
			case tracker.StateTimedOut:
				err = fmt.Errorf("server %s still on %s after %d checks", s.Name, p.host, env.Cfg.MigrationCycles)
			}
			env.Item(ctx, r, id, s.Name, pipeline.ItemStatusOf(st), err)
		})
	pipeline.Abandon(ctx, env, r, sum, tracked, func(_ string, s cloud.Server) pipeline.Item {
		return describe(s)
	})
	return r
}

func (p *Pipeline) remember(m map[string]string, s cloud.Server) {
	p.mu.Lock()
	defer p.mu.Unlock()
	m[s.ID] = s.Name
}

// launch starts the migration of one server. Servers already migrating
// are skipped.
func (p *Pipeline) launch(ctx context.Context, s cloud.Server) (string, cloud.Server, error) {
	env := p.env
	compute := env.Admin.Compute
	logger := p.log().With("server", s.Name, "serverId", s.ID)

	status := strings.ToUpper(s.Status)
	if status == cloud.ServerMigrating || status == cloud.ServerVerifyResize {
		return "", s, pipeline.Skip("server is " + status)
	}

	if err := compute.LockServer(ctx, s.ID); err != nil {
		return "", s, fmt.Errorf("lock server: %w", err)
	}
	defer func() {
		if err := compute.UnlockServer(context.WithoutCancel(ctx), s.ID); err != nil {
			logger.Warn("Could not unlock server", "error", err)
		}
	}()

	if status == cloud.ServerShutoff {
		logger.Info("Cold migration of stopped server")
		if err := compute.Migrate(ctx, s.ID); err != nil {
			return "", s, fmt.Errorf("migrate: %w", err)
		}
		p.remember(p.cold, s)
		return s.ID, s, nil
	}

	if err := compute.ResetState(ctx, s.ID, "active"); err != nil {
		return "", s, fmt.Errorf("reset state: %w", err)
	}
	if env.Cfg.MigrationMode == config.MigrationLive {
		logger.Info("Live migration", "blockMigration", env.Cfg.BlockMigration)
		if err := compute.LiveMigrate(ctx, s.ID, env.Cfg.BlockMigration); err != nil {
			return "", s, fmt.Errorf("live migrate: %w", err)
		}
		return s.ID, s, nil
	}

	logger.Info("Stopping server for cold migration")
	if err := compute.StopServer(ctx, s.ID); err != nil {
		return "", s, fmt.Errorf("stop: %w", err)
	}
	p.remember(p.restart, s)
	if err := p.waitStopped(ctx, s.ID); err != nil {
		return "", s, err
	}
	if err := compute.Migrate(ctx, s.ID); err != nil {
		return "", s, fmt.Errorf("migrate: %w", err)
	}
	p.remember(p.cold, s)
	return s.ID, s, nil
}

// force resets, stops, and cold migrates a server that two passes could
// not move.
func (p *Pipeline) force(ctx context.Context, s cloud.Server) (string, cloud.Server, error) {
	env := p.env
	compute := env.Admin.Compute
	logger := p.log().With("server", s.Name, "serverId", s.ID)

	if err := compute.ResetState(ctx, s.ID, "active"); err != nil {
		return "", s, fmt.Errorf("reset state: %w", err)
	}
	logger.Info("Stopping server for forced migration")
	if err := compute.StopServer(ctx, s.ID); err != nil {
		logger.Error("Stopping failed", "error", err)
	} else if !strings.EqualFold(s.Status, cloud.ServerShutoff) {
		p.remember(p.restart, s)
	}
	if err := backoff.Sleep(ctx, env.Cfg.StopWait); err != nil {
		return "", s, err
	}
	logger.Info("Forced cold migration")
	if err := compute.Migrate(ctx, s.ID); err != nil {
		return "", s, fmt.Errorf("migrate: %w", err)
	}
	p.remember(p.cold, s)
	return s.ID, s, nil
}

func (p *Pipeline) waitStopped(ctx context.Context, id string) error {
	cfg := &backoff.Config{Initial: p.env.Cfg.PollInterval, Max: p.env.Cfg.StopWait}
	err := backoff.Until(ctx, stopAttempts, cfg, func(ctx context.Context) (bool, error) {
		s, err := p.env.Admin.Compute.GetServer(ctx, id)
		if err != nil {
			return false, err
		}
		return strings.EqualFold(s.Status, cloud.ServerShutoff), nil
	})
	if err != nil {
		return fmt.Errorf("wait for server to stop: %w", err)
	}
	return nil
}

// settle confirms cold migrations and restarts the servers this run
// stopped, once each, however their migration ended.
func (p *Pipeline) settle(ctx context.Context) *pipeline.Report {
	env := p.env
	compute := env.Admin.Compute
	r := pipeline.NewReport("migration_settle", p.host)

	p.mu.Lock()
	touched := maps.Clone(p.cold)
	maps.Copy(touched, p.restart)
	restart := maps.Clone(p.restart)
	p.mu.Unlock()

	for _, id := range slices.Sorted(maps.Keys(touched)) {
		name := touched[id]
		s, err := env.Reconciler.SettleMigrated(ctx, compute, id)
		if err != nil {
			env.Item(ctx, r, id, name, pipeline.ItemFailed, fmt.Errorf("settle: %w", err))
			continue
		}

		if _, wasRunning := restart[id]; wasRunning {
			err = p.start(ctx, s)
		} else {
			err = p.ensureStopped(ctx, s)
		}
		if err != nil {
			env.Item(ctx, r, id, name, pipeline.ItemFailed, err)
			continue
		}
		env.Item(ctx, r, id, name, pipeline.ItemSucceeded, nil)
	}
	return r
}

func (p *Pipeline) start(ctx context.Context, s *cloud.Server) error {
	compute := p.env.Admin.Compute
	if !strings.EqualFold(s.Status, cloud.ServerShutoff) {
		// Reset and stop first; servers sometimes hang in RESIZE.
		if err := compute.ResetState(ctx, s.ID, "active"); err != nil {
			return fmt.Errorf("reset before start: %w", err)
		}
		if err := compute.StopServer(ctx, s.ID); err != nil && !errors.Is(err, apperrors.ErrConflict) {
			return fmt.Errorf("stop before start: %w", err)
		}
		if err := p.waitStopped(ctx, s.ID); err != nil {
			return err
		}
	}
	p.log().Info("Starting migrated server", "server", s.Name)
	if err := compute.StartServer(ctx, s.ID); err != nil {
		return fmt.Errorf("start: %w", err)
	}
	return nil
}

func (p *Pipeline) ensureStopped(ctx context.Context, s *cloud.Server) error {
	if strings.EqualFold(s.Status, cloud.ServerShutoff) {
		return nil
	}
	if err := p.env.Admin.Compute.StopServer(ctx, s.ID); err != nil && !errors.Is(err, apperrors.ErrConflict) {
		return fmt.Errorf("stop: %w", err)
	}
	return nil
}
