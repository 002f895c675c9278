package openstack

import (
	"context"
	"strconv"

	"github.com/gophercloud/gophercloud/v2"
	"github.com/gophercloud/gophercloud/v2/openstack/blockstorage/v3/backups"
	"github.com/gophercloud/gophercloud/v2/openstack/blockstorage/v3/volumes"

	"osfleet/internal/cloud"
)

type volumeClient struct {
	sc   *gophercloud.ServiceClient
	call *caller
}

func toVolume(v volumes.Volume) cloud.Volume {
	bootable, _ := strconv.ParseBool(v.Bootable)
	out := cloud.Volume{
		ID:               v.ID,
		Name:             v.Name,
		Description:      v.Description,
		Status:           v.Status,
		Size:             v.Size,
		AvailabilityZone: v.AvailabilityZone,
		VolumeType:       v.VolumeType,
		Bootable:         bootable,
		TenantID:         v.TenantID,
		Metadata:         v.Metadata,
	}
	for _, a := range v.Attachments {
		out.Attachments = append(out.Attachments, cloud.Attachment{
			VolumeID:     v.ID,
			ServerID:     a.ServerID,
			Device:       a.Device,
			AttachmentID: a.AttachmentID,
		})
	}
	return out
}

func toBackup(b backups.Backup) cloud.Backup {
	return cloud.Backup{
		ID:       b.ID,
		Name:     b.Name,
		VolumeID: b.VolumeID,
		Status:   b.Status,
		Size:     b.Size,
	}
}

func (c *volumeClient) ListVolumes(ctx context.Context, f cloud.VolumeFilter) ([]cloud.Volume, error) {
	opts := volumes.ListOpts{
		TenantID:   f.TenantID,
		AllTenants: f.AllTenants || f.TenantID != "",
	}
	list, err := fetch(ctx, c.call, svcVolume, "listVolumes", "volume", f.TenantID, func(ctx context.Context) ([]volumes.Volume, error) {
		pages, err := volumes.List(c.sc, opts).AllPages(ctx)
		if err != nil {
			return nil, err
		}
		return volumes.ExtractVolumes(pages)
	})
	if err != nil {
		return nil, err
	}
	out := make([]cloud.Volume, 0, len(list))
	for _, v := range list {
		out = append(out, toVolume(v))
	}
	return out, nil
}

func (c *volumeClient) GetVolume(ctx context.Context, id string) (*cloud.Volume, error) {
	v, err := fetch(ctx, c.call, svcVolume, "getVolume", "volume", id, func(ctx context.Context) (*volumes.Volume, error) {
		return volumes.Get(ctx, c.sc, id).Extract()
	})
	if err != nil {
		return nil, err
	}
	out := toVolume(*v)
	return &out, nil
}

func (c *volumeClient) CreateVolume(ctx context.Context, spec cloud.VolumeSpec) (*cloud.Volume, error) {
	opts := volumes.CreateOpts{
		Name:             spec.Name,
		Description:      spec.Description,
		Size:             spec.Size,
		VolumeType:       spec.VolumeType,
		AvailabilityZone: spec.AvailabilityZone,
		ImageID:          spec.ImageID,
		Metadata:         spec.Metadata,
	}
	v, err := fetch(ctx, c.call, svcVolume, "createVolume", "volume", spec.Name, func(ctx context.Context) (*volumes.Volume, error) {
		return volumes.Create(ctx, c.sc, opts, nil).Extract()
	})
	if err != nil {
		return nil, err
	}
	out := toVolume(*v)
	return &out, nil
}

func (c *volumeClient) DeleteVolume(ctx context.Context, id string) error {
	return c.call.do(ctx, svcVolume, "deleteVolume", "volume", id, func(ctx context.Context) error {
		return volumes.Delete(ctx, c.sc, id, volumes.DeleteOpts{}).ExtractErr()
	})
}

// UploadToImage copies an attached or detached volume into a raw image.
func (c *volumeClient) UploadToImage(ctx context.Context, volumeID, imageName string) (string, error) {
	img, err := fetch(ctx, c.call, svcVolume, "uploadImage", "volume", volumeID, func(ctx context.Context) (volumes.VolumeImage, error) {
		return volumes.UploadImage(ctx, c.sc, volumeID, volumes.UploadImageOpts{
			ImageName:       imageName,
			Force:           true,
			DiskFormat:      "raw",
			ContainerFormat: "bare",
		}).Extract()
	})
	if err != nil {
		return "", err
	}
	return img.ImageID, nil
}

func (c *volumeClient) CreateBackup(ctx context.Context, volumeID, name string) (*cloud.Backup, error) {
	b, err := fetch(ctx, c.call, svcVolume, "createBackup", "volume", volumeID, func(ctx context.Context) (*backups.Backup, error) {
		return backups.Create(ctx, c.sc, backups.CreateOpts{
			VolumeID: volumeID,
			Name:     name,
			Force:    true,
		}).Extract()
	})
	if err != nil {
		return nil, err
	}
	out := toBackup(*b)
	return &out, nil
}

func (c *volumeClient) GetBackup(ctx context.Context, id string) (*cloud.Backup, error) {
	b, err := fetch(ctx, c.call, svcVolume, "getBackup", "backup", id, func(ctx context.Context) (*backups.Backup, error) {
		return backups.Get(ctx, c.sc, id).Extract()
	})
	if err != nil {
		return nil, err
	}
	out := toBackup(*b)
	return &out, nil
}

var _ cloud.Volumes = (*volumeClient)(nil)
