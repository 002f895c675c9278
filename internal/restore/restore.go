// Package restore recreates a tenant from the manifest store.
//
// Servers and volumes are rebuilt from transient images: the saved content
// is uploaded, the resource is created from it, and the image is deleted
// once the resource is ready.
package restore

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"osfleet/internal/apperrors"
	"osfleet/internal/cloud"
	"osfleet/internal/manifest"
	"osfleet/internal/pipeline"
	"osfleet/internal/reconcile"
	"osfleet/internal/tracker"
)

// Order is the order subsystems are restored in. Images come before
// servers so servers booted from tenant images find them.
var Order = []manifest.Subsystem{manifest.Keystone, manifest.Glance, manifest.Nova, manifest.Cinder}

// Options controls where a backup is restored to.
type Options struct {
	// Into names an existing tenant to restore into instead of the
	// tenant recorded in the backup.
	Into string
}

// Pipeline restores tenants.
type Pipeline struct {
	env *pipeline.Env
}

// New returns a restore pipeline.
func New(env *pipeline.Env) *Pipeline {
	return &Pipeline{env: env}
}

// Tenant restores the given subsystems of the backup stored under
// sourceID, all of them when subsystems is empty.
func (p *Pipeline) Tenant(ctx context.Context, sourceID string, opts Options, subsystems ...manifest.Subsystem) ([]*pipeline.Report, error) {
	if len(subsystems) == 0 {
		subsystems = Order
	}
	env := p.env
	if sourceID == "" {
		return nil, apperrors.Validation("tenant", "backup tenant id is required")
	}

	var target *cloud.Project
	if opts.Into != "" {
		t, err := pipeline.ResolveTenant(ctx, env.Admin.Identity, opts.Into)
		if err != nil {
			return nil, err
		}
		target = t
	}

	var reports []*pipeline.Report
	if slices.Contains(subsystems, manifest.Keystone) {
		var (
			r   *pipeline.Report
			err error
		)
		err = env.Stage(ctx, "restore.keystone", func(ctx context.Context) error {
			target, r, err = p.Identity(ctx, sourceID, target)
			return err
		})
		if r != nil {
			reports = append(reports, r)
		}
		if err != nil {
			return reports, err
		}
	}
	if target == nil {
		t, err := p.recordedTenant(ctx, sourceID)
		if err != nil {
			return reports, err
		}
		target = t
	}
	logger := env.Log().With("source", sourceID, "tenant", target.Name, "tenantId", target.ID)

	guard := reconcile.NewGuard(reconcile.DefaultCleanupTimeout, env.Log())
	guard.Defer("remove transient images", func(ctx context.Context) error {
		_, err := env.Reconciler.CleanupTransientImages(ctx, env.Admin.Images, p.transientPrefix(sourceID), "")
		return err
	})
	err := guard.Run(ctx, func(ctx context.Context) error {
		for _, sub := range subsystems {
			if sub == manifest.Keystone {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			var (
				r   *pipeline.Report
				err error
			)
			err = env.Stage(ctx, "restore."+string(sub), func(ctx context.Context) error {
				r, err = p.run(ctx, sourceID, *target, sub)
				return err
			})
			if r != nil {
				reports = append(reports, r)
				logger.Info("Restore stage finished", "report", r)
			}
			if err != nil {
				logger.Error("Restore stage failed", "subsystem", sub, "error", err)
			}
		}
		return nil
	})
	return reports, err
}

func (p *Pipeline) run(ctx context.Context, sourceID string, target cloud.Project, sub manifest.Subsystem) (*pipeline.Report, error) {
	switch sub {
	case manifest.Glance:
		return p.Images(ctx, sourceID, target)
	case manifest.Nova:
		return p.Compute(ctx, sourceID, target)
	case manifest.Cinder:
		return p.Volumes(ctx, sourceID, target)
	default:
		return nil, fmt.Errorf("unknown subsystem %q", sub)
	}
}

// recordedTenant finds the live tenant a backup belongs to: by the name in
// its project manifest, else by the backup id itself.
func (p *Pipeline) recordedTenant(ctx context.Context, sourceID string) (*cloud.Project, error) {
	idOrName := sourceID
	projects, err := manifest.Load[*manifest.Project](p.env.Store, sourceID, manifest.KindProject)
	if err == nil && len(projects) > 0 {
		idOrName = projects[0].Name
	}
	return pipeline.ResolveTenant(ctx, p.env.Admin.Identity, idOrName)
}

func (p *Pipeline) transientPrefix(sourceID string) string {
	return p.env.Cfg.BackupPrefix + "_restore_" + sourceID + "_"
}

// uploadImage creates a transient image and streams a content file into
// it. The image is removed again when the upload fails.
func (p *Pipeline) uploadImage(ctx context.Context, images cloud.Images, sourceID string, sub manifest.Subsystem, content string, spec cloud.ImageSpec) (string, error) {
	if content == "" {
		return "", apperrors.NotFound("content file", string(sub)+" entry "+spec.Name)
	}
	f, err := p.env.Store.OpenContent(sourceID, sub, content)
	if err != nil {
		return "", err
	}
	defer f.Close()

	img, err := images.CreateImage(ctx, spec)
	if err != nil {
		return "", fmt.Errorf("create image %s: %w", spec.Name, err)
	}
	if err := images.Upload(ctx, img.ID, f); err != nil {
		p.dropImage(context.WithoutCancel(ctx), images, img.ID)
		return "", fmt.Errorf("upload image %s: %w", spec.Name, err)
	}
	return img.ID, nil
}

func (p *Pipeline) dropImage(ctx context.Context, images cloud.Images, id string) {
	if err := p.env.Reconciler.DeleteImages(ctx, images, []string{id}); err != nil {
		p.env.Log().Warn("Could not delete transient image", "image", id, "error", err)
	}
}

// finish reports a tracked item's terminal state.
func (p *Pipeline) finish(ctx context.Context, r *pipeline.Report, id, name string, st tracker.State) {
	var err error
	switch st {
	case tracker.StateFailed:
		err = errors.New("resource entered an error state")
	case tracker.StateTimedOut:
		err = fmt.Errorf("not ready after %d checks", p.env.Cfg.RestoreCycles)
	}
	p.env.Item(ctx, r, id, name, pipeline.ItemStatusOf(st), err)
}
