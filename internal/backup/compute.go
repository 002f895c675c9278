package backup

import (
	"context"
	"fmt"

	"osfleet/internal/cloud"
	"osfleet/internal/manifest"
	"osfleet/internal/pipeline"
	"osfleet/internal/tracker"
)

type snapshot struct {
	server cloud.Server
	file   string
}

func describeServer(s cloud.Server) pipeline.Item {
	return pipeline.Item{ID: s.ID, Name: s.Name}
}

// Compute snapshots every server of the tenant and saves the snapshots.
func (p *Pipeline) Compute(ctx context.Context, project cloud.Project) (*pipeline.Report, error) {
	env := p.env
	cfg := env.Cfg
	r := pipeline.NewReport("server_backup", project.ID)

	scoped, err := env.Scoped(ctx, project.ID)
	if err != nil {
		return r, fmt.Errorf("connect to tenant: %w", err)
	}
	servers, err := scoped.Compute.ListServers(ctx, cloud.ServerFilter{TenantID: project.ID})
	if err != nil {
		return r, fmt.Errorf("list servers: %w", err)
	}
	if err := env.Store.Ensure(project.ID, manifest.Nova); err != nil {
		return r, err
	}

	tracked := pipeline.Launch(ctx, env, r, servers, describeServer,
		func(ctx context.Context, s cloud.Server) (string, snapshot, error) {
			entry := manifest.FromServer(s)
			entry.Content = s.ID + "_" + s.Name + ".img"
			if _, err := env.Store.Write(project.ID, entry); err != nil {
				return "", snapshot{}, err
			}
			if _, err := env.Reconciler.ResetErroredServer(ctx, scoped.Compute, s); err != nil {
				env.Log().Warn("Reset before snapshot failed", "server", s.Name, "error", err)
			}
			name := cfg.BackupPrefix + "_" + project.Name + "_" + s.Name
			imageID, err := scoped.Compute.SnapshotServer(ctx, s.ID, name)
			return imageID, snapshot{server: s, file: entry.Content}, err
		})

	sum := tracker.Await(ctx, tracked, env.TrackOptions("server_snapshot", cfg.UploadCycles, cfg.PollInterval),
		pipeline.Check[snapshot](pipeline.ImageUploaded(env.Admin.Images)),
		func(ctx context.Context, imageID string, snap snapshot, st tracker.State) {
			var err error
			if st.OK() {
				err = p.saveImage(ctx, project.ID, manifest.Nova, imageID, snap.file, true)
			}
			p.finish(ctx, r, snap.server.ID, snap.server.Name, st, err)
		})
	pipeline.Abandon(ctx, env, r, sum, tracked, func(_ string, snap snapshot) pipeline.Item {
		return describeServer(snap.server)
	})
	return r, nil
}

// saveImage downloads an image into the store and optionally deletes it.
func (p *Pipeline) saveImage(ctx context.Context, tenantID string, sub manifest.Subsystem, imageID, file string, transient bool) error {
	env := p.env
	rc, err := env.Admin.Images.Download(ctx, imageID)
	if err != nil {
		return fmt.Errorf("download image %s: %w", imageID, err)
	}
	n, err := env.Store.WriteContent(tenantID, sub, file, rc)
	rc.Close()
	if err != nil {
		return fmt.Errorf("save image %s: %w", imageID, err)
	}
	env.Log().Info("Saved image", "image", imageID, "file", file, "bytes", n)

	if transient {
		if err := env.Reconciler.DeleteImages(ctx, env.Admin.Images, []string{imageID}); err != nil {
			env.Log().Warn("Could not delete transient image", "image", imageID, "error", err)
		}
	}
	return nil
}

// finish reports a tracked item's terminal state.
func (p *Pipeline) finish(ctx context.Context, r *pipeline.Report, id, name string, st tracker.State, err error) {
	status := pipeline.ItemStatusOf(st)
	if err != nil {
		status = pipeline.ItemFailed
	}
	if status == pipeline.ItemFailed && err == nil {
		err = fmt.Errorf("remote operation failed")
	}
	if status == pipeline.ItemTimedOut {
		err = fmt.Errorf("not finished after %d checks", p.env.Cfg.UploadCycles)
	}
	p.env.Item(ctx, r, id, name, status, err)
}
