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

type creating struct {
	entry *manifest.Volume
	image string
}

func describeVolume(m *manifest.Volume) pipeline.Item {
	return pipeline.Item{ID: m.ID, Name: m.Name}
}

// Volumes recreates every saved volume from its content image and waits
// for it to become available.
func (p *Pipeline) Volumes(ctx context.Context, sourceID string, target cloud.Project) (*pipeline.Report, error) {
	env := p.env
	r := pipeline.NewReport("volume_restore", target.ID)

	entries, err := manifest.Load[*manifest.Volume](env.Store, sourceID, manifest.KindVolume)
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

	tracked := pipeline.Launch(ctx, env, r, entries, describeVolume,
		func(ctx context.Context, m *manifest.Volume) (string, creating, error) {
			imageID, err := p.uploadImage(ctx, scoped.Images, sourceID, manifest.Cinder, m.Content, cloud.ImageSpec{
				Name:            p.transientPrefix(sourceID) + m.ID,
				ContainerFormat: "bare",
				DiskFormat:      "raw",
				Visibility:      "private",
			})
			if err != nil {
				return "", creating{}, err
			}
			v, err := scoped.Volumes.CreateVolume(ctx, cloud.VolumeSpec{
				Name:             m.Name,
				Description:      m.Description,
				Size:             m.Size,
				VolumeType:       m.VolumeType,
				AvailabilityZone: m.AvailabilityZone,
				ImageID:          imageID,
				Metadata:         m.Metadata,
			})
			if err != nil {
				p.dropImage(context.WithoutCancel(ctx), scoped.Images, imageID)
				return "", creating{}, fmt.Errorf("create volume %s: %w", m.Name, err)
			}
			return v.ID, creating{entry: m, image: imageID}, nil
		})

	sum := tracker.Await(ctx, tracked, env.TrackOptions("volume_restore", env.Cfg.RestoreCycles, env.Cfg.PollInterval),
		pipeline.Check[creating](pipeline.VolumeAvailable(scoped.Volumes)),
		func(ctx context.Context, _ string, c creating, st tracker.State) {
			p.dropImage(ctx, scoped.Images, c.image)
			p.finish(ctx, r, c.entry.ID, c.entry.Name, st)
		})
	pipeline.Abandon(ctx, env, r, sum, tracked, func(_ string, c creating) pipeline.Item {
		return describeVolume(c.entry)
	})
	return r, nil
}
