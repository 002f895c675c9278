package teardown

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"osfleet/internal/apperrors"
	"osfleet/internal/cloud"
	"osfleet/internal/pipeline"
	"osfleet/internal/workerpool"
	"osfleet/pkg/backoff"
)

// Images deletes the tenant's private images.
func (p *Pipeline) Images(ctx context.Context, project cloud.Project) (*pipeline.Report, error) {
	env := p.env
	r := pipeline.NewReport("image_teardown", project.ID)
	all, err := env.Admin.Images.ListImages(ctx, cloud.ImageFilter{Owner: project.ID})
	if err != nil {
		return r, fmt.Errorf("list images: %w", err)
	}
	var images []cloud.Image
	for _, img := range all {
		if img.Owner != project.ID || img.Visibility == "public" || img.Status == cloud.ImageDeleted {
			continue
		}
		images = append(images, img)
	}
	deleteAll(ctx, env, r, images,
		func(img cloud.Image) pipeline.Item { return pipeline.Item{ID: img.ID, Name: img.Name} },
		func(ctx context.Context, img cloud.Image) error { return env.Admin.Images.DeleteImage(ctx, img.ID) })
	return r, nil
}

// Servers stops the tenant's running servers, gives them time to shut
// down, and deletes every server.
func (p *Pipeline) Servers(ctx context.Context, project cloud.Project, compute cloud.Compute) (*pipeline.Report, error) {
	env := p.env
	r := pipeline.NewReport("server_teardown", project.ID)
	servers, err := compute.ListServers(ctx, cloud.ServerFilter{TenantID: project.ID})
	if err != nil {
		return r, fmt.Errorf("list servers: %w", err)
	}

	var running []cloud.Server
	for _, s := range servers {
		if strings.EqualFold(s.Status, cloud.ServerActive) {
			running = append(running, s)
		}
	}
	errs := workerpool.ForEach(ctx, env.Cfg.PoolSize, running, func(ctx context.Context, s cloud.Server) error {
		env.Log().Info("Stopping server", "server", s.Name)
		return compute.StopServer(ctx, s.ID)
	})
	stopped := 0
	for i, err := range errs {
		if err != nil {
			env.Log().Warn("Could not stop server", "server", running[i].Name, "error", err)
			continue
		}
		stopped++
	}
	if stopped > 0 {
		env.Log().Info("Waiting for servers to shut down", "count", stopped, "wait", env.Cfg.StopWait)
		if err := backoff.Sleep(ctx, env.Cfg.StopWait); err != nil {
			return r, err
		}
	}

	servers, err = compute.ListServers(ctx, cloud.ServerFilter{TenantID: project.ID})
	if err != nil {
		return r, fmt.Errorf("list servers: %w", err)
	}
	deleteAll(ctx, env, r, servers,
		func(s cloud.Server) pipeline.Item { return pipeline.Item{ID: s.ID, Name: s.Name} },
		func(ctx context.Context, s cloud.Server) error { return compute.DeleteServer(ctx, s.ID) })
	return r, nil
}

// detachAttempts bounds the wait for a detached volume to become
// available.
const detachAttempts = 8

// Volumes detaches the tenant's in-use volumes and deletes every volume.
func (p *Pipeline) Volumes(ctx context.Context, project cloud.Project, scoped *cloud.Clients) (*pipeline.Report, error) {
	env := p.env
	r := pipeline.NewReport("volume_teardown", project.ID)
	volumes, err := scoped.Volumes.ListVolumes(ctx, cloud.VolumeFilter{TenantID: project.ID})
	if err != nil {
		return r, fmt.Errorf("list volumes: %w", err)
	}
	wait := &backoff.Config{Initial: env.Cfg.PollInterval, Max: env.Cfg.StopWait}

	deleteAll(ctx, env, r, volumes,
		func(v cloud.Volume) pipeline.Item { return pipeline.Item{ID: v.ID, Name: v.Name} },
		func(ctx context.Context, v cloud.Volume) error {
			att, err := env.Reconciler.Detach(ctx, scoped.Compute, v)
			if err != nil {
				env.Log().Warn("Volume could not be detached", "volume", v.Name, "error", err)
			}
			if att != nil {
				err := backoff.Until(ctx, detachAttempts, wait, func(ctx context.Context) (bool, error) {
					cur, err := scoped.Volumes.GetVolume(ctx, v.ID)
					if err != nil {
						return false, err
					}
					return strings.EqualFold(cur.Status, cloud.VolumeAvailable), nil
				})
				if err != nil && !errors.Is(err, apperrors.ErrNotFound) {
					env.Log().Warn("Volume still busy after detach", "volume", v.Name, "error", err)
				}
			}
			if err := scoped.Volumes.DeleteVolume(ctx, v.ID); err != nil {
				return fmt.Errorf("delete volume %s: %w", v.Name, err)
			}
			return nil
		})
	return r, nil
}
