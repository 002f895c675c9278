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
	"osfleet/internal/workerpool"
)

func imageSpec(m *manifest.Image) cloud.ImageSpec {
	return cloud.ImageSpec{
		Name:            m.Name,
		ContainerFormat: m.ContainerFormat,
		DiskFormat:      m.DiskFormat,
		Visibility:      m.Visibility,
		MinDisk:         m.MinDisk,
		MinRAM:          m.MinRAM,
		Protected:       m.Protected,
		Tags:            m.Tags,
		Properties:      m.Properties,
	}
}

func describeImage(m *manifest.Image) pipeline.Item {
	return pipeline.Item{ID: m.ID, Name: m.Name}
}

// Images recreates the tenant's images unless an image with the same name
// exists already. Images saved with content are uploaded and tracked until
// active; the rest are recreated from metadata alone.
func (p *Pipeline) Images(ctx context.Context, sourceID string, target cloud.Project) (*pipeline.Report, error) {
	env := p.env
	r := pipeline.NewReport("image_restore", target.ID)

	entries, err := manifest.Load[*manifest.Image](env.Store, sourceID, manifest.KindImage)
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
	existing, err := scoped.Images.ListImages(ctx, cloud.ImageFilter{})
	if err != nil {
		return r, fmt.Errorf("list images: %w", err)
	}
	names := make(map[string]bool, len(existing))
	for _, img := range existing {
		names[img.Name] = true
	}

	var withContent, bare []*manifest.Image
	for _, m := range entries {
		switch {
		case names[m.Name]:
			env.Item(ctx, r, m.ID, m.Name, pipeline.ItemSkipped, errors.New("image with this name exists"))
		case m.Content == "":
			bare = append(bare, m)
		default:
			withContent = append(withContent, m)
		}
	}

	errs := workerpool.ForEach(ctx, env.Cfg.PoolSize, bare, func(ctx context.Context, m *manifest.Image) error {
		_, err := scoped.Images.CreateImage(ctx, imageSpec(m))
		return err
	})
	for i, err := range errs {
		st := pipeline.ItemSucceeded
		if err != nil {
			st = pipeline.ItemFailed
		}
		env.Item(ctx, r, bare[i].ID, bare[i].Name, st, err)
	}

	tracked := pipeline.Launch(ctx, env, r, withContent, describeImage,
		func(ctx context.Context, m *manifest.Image) (string, *manifest.Image, error) {
			id, err := p.uploadImage(ctx, scoped.Images, sourceID, manifest.Glance, m.Content, imageSpec(m))
			return id, m, err
		})
	sum := tracker.Await(ctx, tracked, env.TrackOptions("image_restore", env.Cfg.RestoreCycles, env.Cfg.PollInterval),
		pipeline.Check[*manifest.Image](pipeline.ImageUploaded(scoped.Images)),
		func(ctx context.Context, _ string, m *manifest.Image, st tracker.State) {
			p.finish(ctx, r, m.ID, m.Name, st)
		})
	pipeline.Abandon(ctx, env, r, sum, tracked, func(_ string, m *manifest.Image) pipeline.Item {
		return describeImage(m)
	})
	return r, nil
}
