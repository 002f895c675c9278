package cloudtest

import (
	"bytes"
	"context"
	"io"
	"maps"
	"slices"

	"osfleet/internal/apperrors"
	"osfleet/internal/cloud"
)

func copyImage(img *cloud.Image) cloud.Image {
	out := *img
	out.Tags = slices.Clone(img.Tags)
	out.Properties = maps.Clone(img.Properties)
	return out
}

func (f *Fake) ListImages(_ context.Context, flt cloud.ImageFilter) ([]cloud.Image, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enterLocked("ListImages", flt.Owner); err != nil {
		return nil, err
	}
	var out []cloud.Image
	for _, id := range slices.Sorted(maps.Keys(f.images)) {
		img := f.images[id]
		if flt.Owner != "" && img.Owner != flt.Owner {
			continue
		}
		out = append(out, copyImage(img))
	}
	return out, nil
}

func (f *Fake) GetImage(_ context.Context, id string) (*cloud.Image, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enterLocked("GetImage", id); err != nil {
		return nil, err
	}
	img, ok := f.images[id]
	if !ok {
		return nil, apperrors.NotFound("image", id)
	}
	f.advance("image:"+id, &img.Status)
	out := copyImage(img)
	return &out, nil
}

func (f *Fake) CreateImage(_ context.Context, spec cloud.ImageSpec) (*cloud.Image, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enterLocked("CreateImage", spec.Name); err != nil {
		return nil, err
	}
	img := &cloud.Image{
		ID:              f.nextID("image"),
		Name:            spec.Name,
		Status:          cloud.ImageQueued,
		Visibility:      spec.Visibility,
		ContainerFormat: spec.ContainerFormat,
		DiskFormat:      spec.DiskFormat,
		MinDisk:         spec.MinDisk,
		MinRAM:          spec.MinRAM,
		Protected:       spec.Protected,
		Tags:            slices.Clone(spec.Tags),
		Properties:      maps.Clone(spec.Properties),
	}
	f.images[img.ID] = img
	out := copyImage(img)
	return &out, nil
}

func (f *Fake) Upload(_ context.Context, id string, r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enterLocked("Upload", id); err != nil {
		return err
	}
	img, ok := f.images[id]
	if !ok {
		return apperrors.NotFound("image", id)
	}
	f.content[id] = data
	img.Size = int64(len(data))
	img.Status = f.initial("image:"+id, f.NewImageStatuses, cloud.ImageActive)
	return nil
}

func (f *Fake) Download(_ context.Context, id string) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enterLocked("Download", id); err != nil {
		return nil, err
	}
	data, ok := f.content[id]
	if !ok {
		return nil, apperrors.NotFound("image data", id)
	}
	return io.NopCloser(bytes.NewReader(slices.Clone(data))), nil
}

func (f *Fake) DeleteImage(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enterLocked("DeleteImage", id); err != nil {
		return err
	}
	if _, ok := f.images[id]; !ok {
		return apperrors.NotFound("image", id)
	}
	delete(f.images, id)
	delete(f.content, id)
	return nil
}

func copyVolume(v *cloud.Volume) cloud.Volume {
	out := *v
	out.Metadata = maps.Clone(v.Metadata)
	out.Attachments = slices.Clone(v.Attachments)
	return out
}

func (f *Fake) ListVolumes(_ context.Context, flt cloud.VolumeFilter) ([]cloud.Volume, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enterLocked("ListVolumes", flt.TenantID); err != nil {
		return nil, err
	}
	var out []cloud.Volume
	for _, id := range slices.Sorted(maps.Keys(f.volumes)) {
		v := f.volumes[id]
		if !flt.AllTenants && flt.TenantID != "" && v.TenantID != flt.TenantID {
			continue
		}
		out = append(out, copyVolume(v))
	}
	return out, nil
}

func (f *Fake) GetVolume(_ context.Context, id string) (*cloud.Volume, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enterLocked("GetVolume", id); err != nil {
		return nil, err
	}
	v, ok := f.volumes[id]
	if !ok {
		return nil, apperrors.NotFound("volume", id)
	}
	f.advance("volume:"+id, &v.Status)
	out := copyVolume(v)
	return &out, nil
}

func (f *Fake) CreateVolume(_ context.Context, spec cloud.VolumeSpec) (*cloud.Volume, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enterLocked("CreateVolume", spec.Name, spec.ImageID); err != nil {
		return nil, err
	}
	if spec.ImageID != "" {
		if _, ok := f.images[spec.ImageID]; !ok {
			return nil, apperrors.NotFound("image", spec.ImageID)
		}
	}
	id := f.nextID("volume")
	v := &cloud.Volume{
		ID:               id,
		Name:             spec.Name,
		Description:      spec.Description,
		Status:           f.initial("volume:"+id, f.NewVolumeStatuses, cloud.VolumeAvailable),
		Size:             spec.Size,
		AvailabilityZone: spec.AvailabilityZone,
		VolumeType:       spec.VolumeType,
		Metadata:         maps.Clone(spec.Metadata),
	}
	f.volumes[id] = v
	out := copyVolume(v)
	return &out, nil
}

func (f *Fake) DeleteVolume(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enterLocked("DeleteVolume", id); err != nil {
		return err
	}
	v, ok := f.volumes[id]
	if !ok {
		return apperrors.NotFound("volume", id)
	}
	if len(v.Attachments) > 0 {
		return apperrors.Conflict("volume", id, "volume is attached")
	}
	delete(f.volumes, id)
	return nil
}

func (f *Fake) UploadToImage(_ context.Context, volumeID, imageName string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enterLocked("UploadToImage", volumeID, imageName); err != nil {
		return "", err
	}
	v, ok := f.volumes[volumeID]
	if !ok {
		return "", apperrors.NotFound("volume", volumeID)
	}
	if v.Status != cloud.VolumeAvailable {
		return "", apperrors.Conflict("volume", volumeID, "volume status must be available, not "+v.Status)
	}
	id := f.nextID("image")
	f.images[id] = &cloud.Image{
		ID:              id,
		Name:            imageName,
		Status:          f.initial("image:"+id, f.NewImageStatuses, cloud.ImageActive),
		Owner:           v.TenantID,
		Visibility:      "private",
		ContainerFormat: "bare",
		DiskFormat:      "raw",
	}
	f.content[id] = []byte("volume " + volumeID)
	return id, nil
}

func (f *Fake) CreateBackup(_ context.Context, volumeID, name string) (*cloud.Backup, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enterLocked("CreateBackup", volumeID, name); err != nil {
		return nil, err
	}
	v, ok := f.volumes[volumeID]
	if !ok {
		return nil, apperrors.NotFound("volume", volumeID)
	}
	id := f.nextID("backup")
	b := &cloud.Backup{
		ID:       id,
		Name:     name,
		VolumeID: volumeID,
		Size:     v.Size,
		Status:   f.initial("backup:"+id, f.NewBackupStatuses, cloud.BackupAvailable),
	}
	f.backups[id] = b
	out := *b
	return &out, nil
}

func (f *Fake) GetBackup(_ context.Context, id string) (*cloud.Backup, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enterLocked("GetBackup", id); err != nil {
		return nil, err
	}
	b, ok := f.backups[id]
	if !ok {
		return nil, apperrors.NotFound("backup", id)
	}
	f.advance("backup:"+id, &b.Status)
	out := *b
	return &out, nil
}
