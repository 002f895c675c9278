package pipeline

import (
	"context"
	"errors"
	"strings"

	"osfleet/internal/apperrors"
	"osfleet/internal/cloud"
	"osfleet/internal/tracker"
)

// StatusCheck is a tri-state check that needs nothing but the operation id.
type StatusCheck func(ctx context.Context, id string) (tracker.Outcome, error)

// Check adapts a StatusCheck to any tracked context type.
func Check[C any](fn StatusCheck) tracker.CheckFunc[C] {
	return func(ctx context.Context, id string, _ C) (tracker.Outcome, error) {
		return fn(ctx, id)
	}
}

// ImageUploaded succeeds once the image is active. A missing, killed, or
// deleted image fails.
func ImageUploaded(images cloud.Images) StatusCheck {
	return func(ctx context.Context, id string) (tracker.Outcome, error) {
		img, err := images.GetImage(ctx, id)
		if err != nil {
			return tracker.Failed, err
		}
		switch strings.ToLower(img.Status) {
		case cloud.ImageActive:
			return tracker.Succeeded, nil
		case cloud.ImageKilled, cloud.ImageDeleted, "error", "pending_delete":
			return tracker.Failed, nil
		default:
			return tracker.Pending, nil
		}
	}
}

// BackupDone succeeds once a volume backup has left the creating state
// without error.
func BackupDone(volumes cloud.Volumes) StatusCheck {
	return func(ctx context.Context, id string) (tracker.Outcome, error) {
		b, err := volumes.GetBackup(ctx, id)
		if err != nil {
			return tracker.Failed, err
		}
		switch strings.ToLower(b.Status) {
		case cloud.BackupError:
			return tracker.Failed, nil
		case cloud.BackupCreating:
			return tracker.Pending, nil
		default:
			return tracker.Succeeded, nil
		}
	}
}

// VolumeAvailable succeeds once the volume is available and fails when it
// enters an error state.
func VolumeAvailable(volumes cloud.Volumes) StatusCheck {
	return func(ctx context.Context, id string) (tracker.Outcome, error) {
		v, err := volumes.GetVolume(ctx, id)
		if err != nil {
			return tracker.Failed, err
		}
		switch {
		case strings.EqualFold(v.Status, cloud.VolumeAvailable):
			return tracker.Succeeded, nil
		case v.InError():
			return tracker.Failed, nil
		default:
			return tracker.Pending, nil
		}
	}
}

// ServerInStatus succeeds once the server reaches status and fails when it
// enters ERROR.
func ServerInStatus(compute cloud.Compute, status string) StatusCheck {
	return func(ctx context.Context, id string) (tracker.Outcome, error) {
		s, err := compute.GetServer(ctx, id)
		if err != nil {
			return tracker.Failed, err
		}
		switch {
		case strings.EqualFold(s.Status, status):
			return tracker.Succeeded, nil
		case strings.EqualFold(s.Status, cloud.ServerError):
			return tracker.Failed, nil
		default:
			return tracker.Pending, nil
		}
	}
}

// ServerLeftHost succeeds once the server no longer runs on host. A server
// that disappeared has left the host too.
func ServerLeftHost(compute cloud.Compute, host string) StatusCheck {
	return func(ctx context.Context, id string) (tracker.Outcome, error) {
		s, err := compute.GetServer(ctx, id)
		if errors.Is(err, apperrors.ErrNotFound) {
			return tracker.Succeeded, nil
		}
		if err != nil {
			return tracker.Failed, err
		}
		if s.Host != host {
			return tracker.Succeeded, nil
		}
		if strings.EqualFold(s.Status, cloud.ServerError) {
			return tracker.Failed, nil
		}
		return tracker.Pending, nil
	}
}
