package restore

import (
	"context"
	"errors"
	"fmt"

	"osfleet/internal/apperrors"
	"osfleet/internal/cloud"
	"osfleet/internal/manifest"
	"osfleet/internal/pipeline"
	"osfleet/internal/tracker"
)

type booting struct {
	entry *manifest.Server
	image string
}

func describeServer(m *manifest.Server) pipeline.Item {
	return pipeline.Item{ID: m.ID, Name: m.Name}
}

// Compute boots every saved server from its snapshot and waits for it to
// become active.
func (p *Pipeline) Compute(ctx context.Context, sourceID string, target cloud.Project) (*pipeline.Report, error) {
	env := p.env
	r := pipeline.NewReport("server_restore", target.ID)

	entries, err := manifest.Load[*manifest.Server](env.Store, sourceID, manifest.KindServer)
	if errors.Is(err, apperrors.ErrNotFound) {
		return r, nil
	}
	if err != nil {
		return r, err
	}
	scoped, err := env.Scoped(ctx, target.ID)
	if err != nil {
		return r, fmt.Errorf("connect to tenant: %w", err)
	}

	tracked := pipeline.Launch(ctx, env, r, entries, describeServer,
		func(ctx context.Context, m *manifest.Server) (string, booting, error) {
			imageID, err := p.uploadImage(ctx, scoped.Images, sourceID, manifest.Nova, m.Content, cloud.ImageSpec{
				Name:            p.transientPrefix(sourceID) + m.ID,
				ContainerFormat: "bare",
				DiskFormat:      "qcow2",
				Visibility:      "private",
			})
			if err != nil {
				return "", booting{}, err
			}
			s, err := scoped.Compute.CreateServer(ctx, cloud.ServerSpec{
				Name:             m.Name,
				FlavorID:         m.FlavorID,
				ImageID:          imageID,
				KeyName:          m.KeyName,
				AvailabilityZone: m.AvailabilityZone,
				Metadata:         m.Metadata,
				SecurityGroups:   m.SecurityGroups,
			})
			if err != nil {
				p.dropImage(context.WithoutCancel(ctx), scoped.Images, imageID)
				return "", booting{}, fmt.Errorf("create server %s: %w", m.Name, err)
			}
			return s.ID, booting{entry: m, image: imageID}, nil
		})

	sum := tracker.Await(ctx, tracked, env.TrackOptions("server_restore", env.Cfg.RestoreCycles, env.Cfg.PollInterval),
		pipeline.Check[booting](pipeline.ServerInStatus(scoped.Compute, cloud.ServerActive)),
		func(ctx context.Context, _ string, b booting, st tracker.State) {
			p.dropImage(ctx, scoped.Images, b.image)
			p.finish(ctx, r, b.entry.ID, b.entry.Name, st)
		})
	pipeline.Abandon(ctx, env, r, sum, tracked, func(_ string, b booting) pipeline.Item {
		return describeServer(b.entry)
	})
	return r, nil
}
