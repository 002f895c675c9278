package backup

import (
	"context"
	"fmt"
	"strings"

	"osfleet/internal/cloud"
	"osfleet/internal/manifest"
	"osfleet/internal/pipeline"
	"osfleet/internal/workerpool"
)

// Images saves every image the tenant owns, except transient backup images.
func (p *Pipeline) Images(ctx context.Context, project cloud.Project) (*pipeline.Report, error) {
	env := p.env
	r := pipeline.NewReport("image_backup", project.ID)

	all, err := env.Admin.Images.ListImages(ctx, cloud.ImageFilter{Owner: project.ID})
	if err != nil {
		return r, fmt.Errorf("list images: %w", err)
	}
	var images []cloud.Image
	for _, img := range all {
		if img.Owner != project.ID || strings.HasPrefix(img.Name, env.Cfg.BackupPrefix) {
			continue
		}
		images = append(images, img)
	}
	if err := env.Store.Ensure(project.ID, manifest.Glance); err != nil {
		return r, err
	}

	errs := workerpool.ForEach(ctx, env.Cfg.PoolSize, images, func(ctx context.Context, img cloud.Image) error {
		entry := manifest.FromImage(img)
		entry.Content = img.ID + "_" + img.Name + ".img"
		if _, err := env.Store.Write(project.ID, entry); err != nil {
			return err
		}
		return p.saveImage(ctx, project.ID, manifest.Glance, img.ID, entry.Content, false)
	})
	for i, err := range errs {
		st := pipeline.ItemSucceeded
		switch {
		case err != nil && ctx.Err() != nil:
			st = pipeline.ItemAbandoned
		case err != nil:
			st = pipeline.ItemFailed
		}
		env.Item(ctx, r, images[i].ID, images[i].Name, st, err)
	}
	return r, nil
}
