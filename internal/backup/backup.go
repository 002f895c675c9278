// Package backup saves a tenant's identity records, servers, images, and
// volumes to the manifest store.
//
// Servers and volumes are copied through transient images: the pipeline
// launches a snapshot or upload for every item at once, tracks the uploads,
// downloads each finished image, and deletes it.
package backup

import (
	"context"
	"fmt"
	"slices"

	"osfleet/internal/cloud"
	"osfleet/internal/manifest"
	"osfleet/internal/pipeline"
	"osfleet/internal/reconcile"
)

// Order is the order subsystems are backed up in.
var Order = []manifest.Subsystem{manifest.Keystone, manifest.Nova, manifest.Glance, manifest.Cinder}

// Pipeline backs up tenants.
type Pipeline struct {
	env *pipeline.Env
}

// New returns a backup pipeline.
func New(env *pipeline.Env) *Pipeline {
	return &Pipeline{env: env}
}

// Tenant backs up the given subsystems of a tenant, all of them when
// subsystems is empty. Stuck snapshot tasks and leftover transient images
// are cleaned up afterwards, even when ctx is cancelled.
func (p *Pipeline) Tenant(ctx context.Context, project cloud.Project, subsystems ...manifest.Subsystem) ([]*pipeline.Report, error) {
	if len(subsystems) == 0 {
		subsystems = Order
	}
	env := p.env
	logger := env.Log().With("tenant", project.Name, "tenantId", project.ID)

	if err := pipeline.EnsureAdminAccess(ctx, env.Admin.Identity, env.Cfg.Auth.Username, project.ID); err != nil {
		logger.Warn("Could not grant admin access to tenant", "error", err)
	}

	guard := reconcile.NewGuard(reconcile.DefaultCleanupTimeout, env.Log())
	if slices.Contains(subsystems, manifest.Nova) {
		guard.Defer("reset stuck servers", func(ctx context.Context) error {
			_, err := env.Reconciler.ResetStuckServers(ctx, env.Admin.Compute, cloud.ServerFilter{TenantID: project.ID, AllTenants: true})
			return err
		})
	}
	guard.Defer("remove transient images", func(ctx context.Context) error {
		_, err := env.Reconciler.CleanupTransientImages(ctx, env.Admin.Images, env.Cfg.BackupPrefix, project.ID)
		return err
	})

	var reports []*pipeline.Report
	err := guard.Run(ctx, func(ctx context.Context) error {
		for _, sub := range subsystems {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			var (
				r   *pipeline.Report
				err error
			)
			stage := "backup." + string(sub)
			err = env.Stage(ctx, stage, func(ctx context.Context) error {
				r, err = p.run(ctx, project, sub)
				return err
			})
			if r != nil {
				reports = append(reports, r)
				logger.Info("Backup stage finished", "report", r)
			}
			if err != nil {
				logger.Error("Backup stage failed", "subsystem", sub, "error", err)
			}
		}
		return nil
	})
	return reports, err
}

func (p *Pipeline) run(ctx context.Context, project cloud.Project, sub manifest.Subsystem) (*pipeline.Report, error) {
	switch sub {
	case manifest.Keystone:
		return p.Identity(ctx, project)
	case manifest.Nova:
		return p.Compute(ctx, project)
	case manifest.Glance:
		return p.Images(ctx, project)
	case manifest.Cinder:
		return p.Volumes(ctx, project, VolumeOptions{})
	default:
		return nil, fmt.Errorf("unknown subsystem %q", sub)
	}
}
