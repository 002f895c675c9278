package cloudtest

import (
	"context"
	"maps"
	"slices"
	"strings"

	"osfleet/internal/apperrors"
	"osfleet/internal/cloud"
)

func copyServer(s *cloud.Server) cloud.Server {
	out := *s
	out.Metadata = maps.Clone(s.Metadata)
	out.SecurityGroups = slices.Clone(s.SecurityGroups)
	out.Networks = slices.Clone(s.Networks)
	return out
}

func (f *Fake) ListServers(_ context.Context, flt cloud.ServerFilter) ([]cloud.Server, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enterLocked("ListServers", flt.TenantID, flt.Host); err != nil {
		return nil, err
	}
	var out []cloud.Server
	for _, id := range slices.Sorted(maps.Keys(f.servers)) {
		s := f.servers[id]
		if flt.TenantID != "" && s.TenantID != flt.TenantID {
			continue
		}
		if flt.Host != "" && s.Host != flt.Host {
			continue
		}
		out = append(out, copyServer(s))
	}
	return out, nil
}

func (f *Fake) server(method, id string, args ...string) (*cloud.Server, error) {
	if err := f.enterLocked(method, append([]string{id}, args...)...); err != nil {
		return nil, err
	}
	s, ok := f.servers[id]
	if !ok {
		return nil, apperrors.NotFound("server", id)
	}
	return s, nil
}

func (f *Fake) GetServer(_ context.Context, id string) (*cloud.Server, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, err := f.server("GetServer", id)
	if err != nil {
		return nil, err
	}
	f.advance("server:"+id, &s.Status)
	out := copyServer(s)
	return &out, nil
}

func (f *Fake) CreateServer(_ context.Context, spec cloud.ServerSpec) (*cloud.Server, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enterLocked("CreateServer", spec.Name, spec.ImageID, spec.FlavorID); err != nil {
		return nil, err
	}
	if _, ok := f.images[spec.ImageID]; !ok {
		return nil, apperrors.NotFound("image", spec.ImageID)
	}
	id := f.nextID("server")
	s := &cloud.Server{
		ID:               id,
		Name:             spec.Name,
		Status:           f.initial("server:"+id, f.NewServerStatuses, cloud.ServerActive),
		Host:             "compute-1",
		FlavorID:         spec.FlavorID,
		ImageID:          spec.ImageID,
		KeyName:          spec.KeyName,
		AvailabilityZone: spec.AvailabilityZone,
		Metadata:         maps.Clone(spec.Metadata),
		SecurityGroups:   slices.Clone(spec.SecurityGroups),
		Networks:         slices.Clone(spec.Networks),
	}
	f.servers[id] = s
	out := copyServer(s)
	return &out, nil
}

func (f *Fake) DeleteServer(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, err := f.server("DeleteServer", id); err != nil {
		return err
	}
	delete(f.servers, id)
	for _, v := range f.volumes {
		v.Attachments = slices.DeleteFunc(v.Attachments, func(a cloud.Attachment) bool { return a.ServerID == id })
		if v.Status == cloud.VolumeInUse && len(v.Attachments) == 0 {
			v.Status = cloud.VolumeAvailable
		}
	}
	return nil
}

func (f *Fake) StartServer(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, err := f.server("StartServer", id)
	if err != nil {
		return err
	}
	if s.Status != cloud.ServerShutoff {
		return apperrors.Conflict("server", id, "cannot start server in state "+s.Status)
	}
	s.Status = cloud.ServerActive
	return nil
}

func (f *Fake) StopServer(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, err := f.server("StopServer", id)
	if err != nil {
		return err
	}
	if s.Status == cloud.ServerShutoff {
		return apperrors.Conflict("server", id, "server is already stopped")
	}
	s.Status = cloud.ServerShutoff
	return nil
}

func (f *Fake) LockServer(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, err := f.server("LockServer", id); err != nil {
		return err
	}
	f.locked[id] = true
	return nil
}

func (f *Fake) UnlockServer(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, err := f.server("UnlockServer", id); err != nil {
		return err
	}
	delete(f.locked, id)
	return nil
}

func (f *Fake) ResetState(_ context.Context, id, state string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, err := f.server("ResetState", id, state)
	if err != nil {
		return err
	}
	s.Status = strings.ToUpper(state)
	s.TaskState = ""
	return nil
}

func (f *Fake) SnapshotServer(_ context.Context, serverID, name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, err := f.server("SnapshotServer", serverID, name)
	if err != nil {
		return "", err
	}
	if s.TaskState != "" {
		return "", apperrors.Conflict("server", serverID, "server is busy with task "+s.TaskState)
	}
	id := f.nextID("image")
	f.images[id] = &cloud.Image{
		ID:              id,
		Name:            name,
		Status:          f.initial("image:"+id, f.NewImageStatuses, cloud.ImageActive),
		Owner:           s.TenantID,
		Visibility:      "private",
		ContainerFormat: "bare",
		DiskFormat:      "qcow2",
	}
	f.content[id] = []byte("snapshot of " + serverID)
	return id, nil
}

func (f *Fake) Migrate(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, err := f.server("Migrate", id)
	if err != nil {
		return err
	}
	if s.Status == cloud.ServerMigrating || s.Status == cloud.ServerVerifyResize {
		return apperrors.Conflict("server", id, "server is already migrating")
	}
	if f.stuck[id] {
		s.Status = cloud.ServerMigrating
		return nil
	}
	f.preResize[id] = s.Status
	s.Host = f.MigrateTo
	s.Status = cloud.ServerVerifyResize
	return nil
}

func (f *Fake) LiveMigrate(_ context.Context, id string, blockMigration bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, err := f.server("LiveMigrate", id, boolArg(blockMigration))
	if err != nil {
		return err
	}
	if s.Status != cloud.ServerActive {
		return apperrors.Conflict("server", id, "live migration requires an active server")
	}
	if f.stuck[id] {
		s.Status = cloud.ServerMigrating
		return nil
	}
	s.Host = f.MigrateTo
	return nil
}

func (f *Fake) ConfirmResize(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, err := f.server("ConfirmResize", id)
	if err != nil {
		return err
	}
	if s.Status != cloud.ServerVerifyResize {
		return apperrors.Conflict("server", id, "server is not awaiting resize confirmation")
	}
	s.Status = cloud.ServerActive
	if prev := f.preResize[id]; prev == cloud.ServerShutoff {
		s.Status = prev
	}
	delete(f.preResize, id)
	return nil
}

func (f *Fake) AttachVolume(_ context.Context, serverID, volumeID, device string) (*cloud.Attachment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, err := f.server("AttachVolume", serverID, volumeID, device); err != nil {
		return nil, err
	}
	v, ok := f.volumes[volumeID]
	if !ok {
		return nil, apperrors.NotFound("volume", volumeID)
	}
	if v.Status != cloud.VolumeAvailable {
		return nil, apperrors.Conflict("volume", volumeID, "volume is "+v.Status)
	}
	if device == "" {
		device = "/dev/vdb"
	}
	att := cloud.Attachment{VolumeID: volumeID, ServerID: serverID, Device: device, AttachmentID: volumeID}
	v.Attachments = append(v.Attachments, att)
	v.Status = cloud.VolumeInUse
	return &att, nil
}

func (f *Fake) DetachVolume(_ context.Context, serverID, volumeID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, err := f.server("DetachVolume", serverID, volumeID); err != nil {
		return err
	}
	v, ok := f.volumes[volumeID]
	if !ok {
		return apperrors.NotFound("volume", volumeID)
	}
	i := slices.IndexFunc(v.Attachments, func(a cloud.Attachment) bool { return a.ServerID == serverID })
	if i < 0 {
		return apperrors.NotFound("attachment", volumeID)
	}
	v.Attachments = slices.Delete(v.Attachments, i, i+1)
	if len(v.Attachments) == 0 {
		v.Status = cloud.VolumeAvailable
	}
	return nil
}

func boolArg(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
