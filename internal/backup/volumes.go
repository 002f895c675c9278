package backup

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"

	"osfleet/internal/apperrors"
	"osfleet/internal/cloud"
	"osfleet/internal/config"
	"osfleet/internal/manifest"
	"osfleet/internal/pipeline"
	"osfleet/internal/tracker"
)

// VolumeOptions narrows and shapes a volume backup.
type VolumeOptions struct {
	// Select keeps only volumes whose name starts with this prefix.
	Select string
	// Native uses the block storage backup service instead of copying
	// the volume through a transient image. Volumes are not detached.
	Native bool
}

// volumeJob follows one volume through detach, upload, and reattach.
type volumeJob struct {
	vol   cloud.Volume
	att   *cloud.Attachment
	image string
	file  string
}

func describeVolume(v cloud.Volume) pipeline.Item {
	return pipeline.Item{ID: v.ID, Name: v.Name}
}

func jobItem(_ string, j *volumeJob) pipeline.Item {
	return describeVolume(j.vol)
}

// Volumes saves the tenant's volumes. Attached volumes are detached for
// the copy and reattached at their original device afterwards, whatever
// the outcome. Native backups leave attachments alone.
func (p *Pipeline) Volumes(ctx context.Context, project cloud.Project, opts VolumeOptions) (*pipeline.Report, error) {
	env := p.env
	cfg := env.Cfg
	r := pipeline.NewReport("volume_backup", project.ID)

	scoped, err := env.Scoped(ctx, project.ID)
	if err != nil {
		return r, fmt.Errorf("connect to tenant: %w", err)
	}
	all, err := scoped.Volumes.ListVolumes(ctx, cloud.VolumeFilter{TenantID: project.ID})
	if err != nil {
		return r, fmt.Errorf("list volumes: %w", err)
	}
	var volumes []cloud.Volume
	for _, v := range all {
		if v.TenantID != "" && v.TenantID != project.ID {
			continue
		}
		if opts.Select != "" && !strings.HasPrefix(v.Name, opts.Select) {
			continue
		}
		volumes = append(volumes, v)
	}
	if len(volumes) == 0 {
		return r, nil
	}

	if cfg.ErrorVolumePolicy == config.ErrorVolumeBlock {
		if bad := errorVolumes(volumes); len(bad) > 0 {
			for _, v := range volumes {
				env.Item(ctx, r, v.ID, v.Name, pipeline.ItemSkipped, errors.New("batch blocked by volume in error state"))
			}
			return r, apperrors.Conflict("volume", strings.Join(bad, ","), "volumes in error state block the batch")
		}
	}
	if err := env.Store.Ensure(project.ID, manifest.Cinder); err != nil {
		return r, err
	}

	if opts.Native {
		// The backup service copies attached volumes in place.
		uploads := pipeline.Launch(ctx, env, r, volumes, describeVolume,
			func(ctx context.Context, v cloud.Volume) (string, *volumeJob, error) {
				j, err := p.prepareVolume(project, v, true)
				if err != nil {
					return "", nil, err
				}
				opID, err := p.startUpload(ctx, scoped.Volumes, j, true)
				return opID, j, err
			})
		p.awaitUploads(ctx, project, scoped, r, uploads, true)
		return r, nil
	}

	// Detach everything first and wait for the volumes to become available.
	detached := pipeline.Launch(ctx, env, r, volumes, describeVolume,
		func(ctx context.Context, v cloud.Volume) (string, *volumeJob, error) {
			j, err := p.prepareVolume(project, v, false)
			if err != nil {
				return "", nil, err
			}
			att, err := env.Reconciler.Detach(ctx, scoped.Compute, v)
			if err != nil {
				return "", nil, err
			}
			j.att = att
			return v.ID, j, nil
		})

	var (
		mu      sync.Mutex
		uploads = make(map[string]*volumeJob)
	)
	sum := tracker.Await(ctx, detached, env.TrackOptions("volume_detach", cfg.UploadCycles, cfg.PollInterval),
		pipeline.Check[*volumeJob](pipeline.VolumeAvailable(scoped.Volumes)),
		func(ctx context.Context, _ string, j *volumeJob, st tracker.State) {
			if !st.OK() {
				p.reattach(ctx, scoped.Compute, j)
				p.finish(ctx, r, j.vol.ID, j.vol.Name, st, nil)
				return
			}
			opID, err := p.startUpload(ctx, scoped.Volumes, j, false)
			if err != nil {
				p.reattach(ctx, scoped.Compute, j)
				env.Item(ctx, r, j.vol.ID, j.vol.Name, pipeline.ItemFailed, err)
				return
			}
			mu.Lock()
			uploads[opID] = j
			mu.Unlock()
		})
	p.abandonVolumes(ctx, scoped.Compute, r, sum, detached)

	p.awaitUploads(ctx, project, scoped, r, uploads, false)
	return r, nil
}

// prepareVolume writes the manifest of v and returns its job. Volumes in
// an error state are skipped.
func (p *Pipeline) prepareVolume(project cloud.Project, v cloud.Volume, native bool) (*volumeJob, error) {
	if v.InError() {
		return nil, pipeline.Skip("volume is " + v.Status)
	}
	j := &volumeJob{vol: v, image: p.env.Cfg.BackupPrefix + "_" + v.ID + "_" + project.Name + "_" + v.Name}
	entry := manifest.FromVolume(v)
	if !native {
		j.file = j.image + ".img"
		entry.Content = j.file
	}
	if _, err := p.env.Store.Write(project.ID, entry); err != nil {
		return nil, err
	}
	return j, nil
}

// awaitUploads tracks image uploads or native backups to the end, saving
// image content and reattaching detached volumes.
func (p *Pipeline) awaitUploads(ctx context.Context, project cloud.Project, scoped *cloud.Clients, r *pipeline.Report, uploads map[string]*volumeJob, native bool) {
	env := p.env
	check := pipeline.ImageUploaded(env.Admin.Images)
	if native {
		check = pipeline.BackupDone(scoped.Volumes)
	}
	sum := tracker.Await(ctx, uploads, env.TrackOptions("volume_upload", env.Cfg.UploadCycles, env.Cfg.PollInterval),
		pipeline.Check[*volumeJob](check),
		func(ctx context.Context, opID string, j *volumeJob, st tracker.State) {
			var err error
			if st.OK() && !native {
				err = p.saveImage(ctx, project.ID, manifest.Cinder, opID, j.file, true)
			}
			p.reattach(ctx, scoped.Compute, j)
			p.finish(ctx, r, j.vol.ID, j.vol.Name, st, err)
		})
	p.abandonVolumes(ctx, scoped.Compute, r, sum, uploads)
}

func (p *Pipeline) startUpload(ctx context.Context, volumes cloud.Volumes, j *volumeJob, native bool) (string, error) {
	if native {
		b, err := volumes.CreateBackup(ctx, j.vol.ID, j.image)
		if err != nil {
			return "", fmt.Errorf("create backup of volume %s: %w", j.vol.ID, err)
		}
		return b.ID, nil
	}
	id, err := volumes.UploadToImage(ctx, j.vol.ID, j.image)
	if err != nil {
		return "", fmt.Errorf("upload volume %s to image: %w", j.vol.ID, err)
	}
	return id, nil
}

func (p *Pipeline) reattach(ctx context.Context, compute cloud.Compute, j *volumeJob) {
	if err := p.env.Reconciler.Reattach(ctx, compute, j.att); err != nil {
		p.env.Log().Error("Could not reattach volume", "volume", j.vol.Name, "error", err)
	}
}

// abandonVolumes reports abandoned volumes and restores their attachments
// on a context that outlives the cancellation.
func (p *Pipeline) abandonVolumes(ctx context.Context, compute cloud.Compute, r *pipeline.Report, sum tracker.Summary, tracked map[string]*volumeJob) {
	cleanup := context.WithoutCancel(ctx)
	for _, id := range sum.Abandoned {
		p.reattach(cleanup, compute, tracked[id])
	}
	pipeline.Abandon(ctx, p.env, r, sum, tracked, jobItem)
}

func errorVolumes(volumes []cloud.Volume) []string {
	var ids []string
	for _, v := range volumes {
		if v.InError() {
			ids = append(ids, v.ID)
		}
	}
	return ids
}

// Selected backs up, across all tenants, every volume whose name starts
// with the configured selection prefix. With native set the volume backup
// service is used.
func (p *Pipeline) Selected(ctx context.Context, native bool) ([]*pipeline.Report, error) {
	env := p.env
	prefix := env.Cfg.SelectPrefix
	if prefix == "" {
		return nil, apperrors.Validation("SELECT_PREFIX", "selection prefix must not be empty")
	}
	all, err := env.Admin.Volumes.ListVolumes(ctx, cloud.VolumeFilter{AllTenants: true})
	if err != nil {
		return nil, fmt.Errorf("list volumes: %w", err)
	}
	tenants := make(map[string]struct{})
	for _, v := range all {
		if strings.HasPrefix(v.Name, prefix) && v.TenantID != "" {
			tenants[v.TenantID] = struct{}{}
		}
	}

	var (
		reports []*pipeline.Report
		errs    []error
	)
	for _, id := range slices.Sorted(maps.Keys(tenants)) {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		project, err := env.Admin.Identity.GetProject(ctx, id)
		if err != nil {
			errs = append(errs, fmt.Errorf("tenant %s: %w", id, err))
			continue
		}
		if err := pipeline.EnsureAdminAccess(ctx, env.Admin.Identity, env.Cfg.Auth.Username, project.ID); err != nil {
			env.Log().Warn("Could not grant admin access to tenant", "tenant", project.Name, "error", err)
		}
		r, err := p.Volumes(ctx, *project, VolumeOptions{Select: prefix, Native: native})
		reports = append(reports, r)
		if err != nil {
			errs = append(errs, fmt.Errorf("tenant %s: %w", project.Name, err))
		}
	}
	return reports, errors.Join(errs...)
}
