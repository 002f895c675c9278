package openstack

import (
	"context"
	"fmt"
	"io"

	"github.com/gophercloud/gophercloud/v2"
	"github.com/gophercloud/gophercloud/v2/openstack/image/v2/imagedata"
	"github.com/gophercloud/gophercloud/v2/openstack/image/v2/images"

	"osfleet/internal/cloud"
)

type imageClient struct {
	sc   *gophercloud.ServiceClient
	call *caller
}

func toImage(i images.Image) cloud.Image {
	out := cloud.Image{
		ID:              i.ID,
		Name:            i.Name,
		Status:          string(i.Status),
		Owner:           i.Owner,
		Visibility:      string(i.Visibility),
		ContainerFormat: i.ContainerFormat,
		DiskFormat:      i.DiskFormat,
		MinDisk:         i.MinDiskGigabytes,
		MinRAM:          i.MinRAMMegabytes,
		Protected:       i.Protected,
		Size:            i.SizeBytes,
		Tags:            i.Tags,
	}
	if len(i.Properties) > 0 {
		out.Properties = make(map[string]string, len(i.Properties))
		for k, v := range i.Properties {
			switch v := v.(type) {
			case string:
				out.Properties[k] = v
			case nil:
			default:
				out.Properties[k] = fmt.Sprint(v)
			}
		}
	}
	return out
}

func (c *imageClient) ListImages(ctx context.Context, f cloud.ImageFilter) ([]cloud.Image, error) {
	list, err := fetch(ctx, c.call, svcImage, "listImages", "image", f.Owner, func(ctx context.Context) ([]images.Image, error) {
		pages, err := images.List(c.sc, images.ListOpts{Owner: f.Owner}).AllPages(ctx)
		if err != nil {
			return nil, err
		}
		return images.ExtractImages(pages)
	})
	if err != nil {
		return nil, err
	}
	out := make([]cloud.Image, 0, len(list))
	for _, i := range list {
		out = append(out, toImage(i))
	}
	return out, nil
}

func (c *imageClient) GetImage(ctx context.Context, id string) (*cloud.Image, error) {
	i, err := fetch(ctx, c.call, svcImage, "getImage", "image", id, func(ctx context.Context) (*images.Image, error) {
		return images.Get(ctx, c.sc, id).Extract()
	})
	if err != nil {
		return nil, err
	}
	out := toImage(*i)
	return &out, nil
}

func (c *imageClient) CreateImage(ctx context.Context, spec cloud.ImageSpec) (*cloud.Image, error) {
	protected := spec.Protected
	opts := images.CreateOpts{
		Name:            spec.Name,
		ContainerFormat: spec.ContainerFormat,
		DiskFormat:      spec.DiskFormat,
		MinDisk:         spec.MinDisk,
		MinRAM:          spec.MinRAM,
		Protected:       &protected,
		Tags:            spec.Tags,
		Properties:      spec.Properties,
	}
	if spec.Visibility != "" {
		v := images.ImageVisibility(spec.Visibility)
		opts.Visibility = &v
	}
	i, err := fetch(ctx, c.call, svcImage, "createImage", "image", spec.Name, func(ctx context.Context) (*images.Image, error) {
		return images.Create(ctx, c.sc, opts).Extract()
	})
	if err != nil {
		return nil, err
	}
	out := toImage(*i)
	return &out, nil
}

// Upload streams r into a queued image. The reader is consumed once, so a
// failed upload is not retried here.
func (c *imageClient) Upload(ctx context.Context, id string, r io.Reader) error {
	return c.call.do(ctx, svcImage, "upload", "image", id, func(ctx context.Context) error {
		return imagedata.Upload(ctx, c.sc, id, r).ExtractErr()
	})
}

// Download opens the image content. The caller closes the reader.
func (c *imageClient) Download(ctx context.Context, id string) (io.ReadCloser, error) {
	return fetch(ctx, c.call, svcImage, "download", "image", id, func(ctx context.Context) (io.ReadCloser, error) {
		return imagedata.Download(ctx, c.sc, id).Extract()
	})
}

func (c *imageClient) DeleteImage(ctx context.Context, id string) error {
	return c.call.do(ctx, svcImage, "deleteImage", "image", id, func(ctx context.Context) error {
		return images.Delete(ctx, c.sc, id).ExtractErr()
	})
}

var _ cloud.Images = (*imageClient)(nil)
