// Package reconcile drives remote resources left in an intermediate state
// back to a stable one: stuck snapshot tasks, leftover transient images,
// volumes detached for a backup, servers awaiting resize confirmation.
//
// Every action is idempotent. Sweeps run on a bounded worker pool.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"osfleet/internal/apperrors"
	"osfleet/internal/cloud"
	"osfleet/internal/workerpool"
)

// Recorder receives counts of corrective actions.
type Recorder interface {
	RecordReconcile(action string, count int)
}

// Reconciler runs corrective sweeps.
type Reconciler struct {
	poolSize int
	logger   *slog.Logger
	metrics  Recorder
}

// New returns a Reconciler using at most poolSize concurrent calls.
func New(poolSize int, logger *slog.Logger, metrics Recorder) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		poolSize: poolSize,
		logger:   logger.With("component", "reconcile"),
		metrics:  metrics,
	}
}

func (r *Reconciler) record(action string, n int) {
	if r.metrics != nil && n > 0 {
		r.metrics.RecordReconcile(action, n)
	}
}

// ResetStuckServers resets every active server matched by f whose task
// state shows an in-progress snapshot. It returns how many were reset.
func (r *Reconciler) ResetStuckServers(ctx context.Context, compute cloud.Compute, f cloud.ServerFilter) (int, error) {
	servers, err := compute.ListServers(ctx, f)
	if err != nil {
		return 0, fmt.Errorf("list servers: %w", err)
	}
	var stuck []cloud.Server
	for _, s := range servers {
		if s.Snapshotting() {
			stuck = append(stuck, s)
		}
	}
	if len(stuck) == 0 {
		return 0, nil
	}

	errs := workerpool.ForEach(ctx, r.poolSize, stuck, func(ctx context.Context, s cloud.Server) error {
		r.logger.Info("Resetting server stuck in snapshot", "server", s.Name, "id", s.ID, "taskState", s.TaskState)
		if err := compute.ResetState(ctx, s.ID, "active"); err != nil {
			return fmt.Errorf("reset server %s: %w", s.ID, err)
		}
		return nil
	})
	failed := workerpool.Errors(errs)
	n := len(stuck) - len(failed)
	r.record("reset_stuck_server", n)
	return n, errors.Join(failed...)
}

// ResetErroredServer resets a server that is in error or still uploading a
// previous image, so a new snapshot can start. It reports whether a reset
// was issued.
func (r *Reconciler) ResetErroredServer(ctx context.Context, compute cloud.Compute, s cloud.Server) (bool, error) {
	if !strings.EqualFold(s.Status, cloud.ServerError) && s.TaskState != cloud.TaskImageUploading {
		return false, nil
	}
	r.logger.Info("Server in bad state, resetting", "server", s.Name, "status", s.Status, "taskState", s.TaskState)
	if err := compute.ResetState(ctx, s.ID, "active"); err != nil {
		return false, fmt.Errorf("reset server %s: %w", s.ID, err)
	}
	r.record("reset_errored_server", 1)
	return true, nil
}

// CleanupTransientImages deletes images whose name starts with prefix.
// An empty owner matches images of every owner. Images already gone are
// skipped silently.
func (r *Reconciler) CleanupTransientImages(ctx context.Context, images cloud.Images, prefix, owner string) (int, error) {
	if prefix == "" {
		return 0, apperrors.Validation("prefix", "transient image prefix must not be empty")
	}
	list, err := images.ListImages(ctx, cloud.ImageFilter{Owner: owner})
	if err != nil {
		return 0, fmt.Errorf("list images: %w", err)
	}
	var ids []string
	for _, img := range list {
		if strings.HasPrefix(img.Name, prefix) && img.Status != cloud.ImageDeleted {
			ids = append(ids, img.ID)
		}
	}
	if len(ids) == 0 {
		return 0, nil
	}
	r.logger.Info("Removing transient images", "prefix", prefix, "count", len(ids))
	n, err := r.deleteImages(ctx, images, ids)
	r.record("delete_transient_image", n)
	return n, err
}

// DeleteImages deletes the given images. Missing images are not an error.
func (r *Reconciler) DeleteImages(ctx context.Context, images cloud.Images, ids []string) error {
	n, err := r.deleteImages(ctx, images, ids)
	r.record("delete_image", n)
	return err
}

func (r *Reconciler) deleteImages(ctx context.Context, images cloud.Images, ids []string) (int, error) {
	errs := workerpool.ForEach(ctx, r.poolSize, ids, func(ctx context.Context, id string) error {
		if err := apperrors.IgnoreNotFound(images.DeleteImage(ctx, id)); err != nil {
			return fmt.Errorf("delete image %s: %w", id, err)
		}
		return nil
	})
	failed := workerpool.Errors(errs)
	return len(ids) - len(failed), errors.Join(failed...)
}

// Detach detaches an in-use volume from its server and returns the
// attachment it had, so it can be restored with Reattach. It returns nil
// when the volume was not attached.
func (r *Reconciler) Detach(ctx context.Context, compute cloud.Compute, v cloud.Volume) (*cloud.Attachment, error) {
	if v.Status != cloud.VolumeInUse || len(v.Attachments) == 0 {
		return nil, nil
	}
	att := v.Attachments[0]
	att.VolumeID = v.ID
	r.logger.Info("Detaching volume", "volume", v.Name, "server", att.ServerID, "device", att.Device)
	err := compute.DetachVolume(ctx, att.ServerID, v.ID)
	if errors.Is(err, apperrors.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("detach volume %s: %w", v.ID, err)
	}
	r.record("detach_volume", 1)
	return &att, nil
}

// Reattach restores an attachment recorded by Detach. A nil attachment is
// a no-op.
func (r *Reconciler) Reattach(ctx context.Context, compute cloud.Compute, att *cloud.Attachment) error {
	if att == nil {
		return nil
	}
	r.logger.Info("Reattaching volume", "volume", att.VolumeID, "server", att.ServerID, "device", att.Device)
	if _, err := compute.AttachVolume(ctx, att.ServerID, att.VolumeID, att.Device); err != nil {
		return fmt.Errorf("reattach volume %s to %s as %s: %w", att.VolumeID, att.ServerID, att.Device, err)
	}
	r.record("reattach_volume", 1)
	return nil
}

// SettleMigrated brings a migrated server out of VERIFY_RESIZE or ERROR.
// A failed confirmation falls back to a state reset. It returns the
// server as seen afterwards.
func (r *Reconciler) SettleMigrated(ctx context.Context, compute cloud.Compute, id string) (*cloud.Server, error) {
	s, err := compute.GetServer(ctx, id)
	if err != nil {
		return nil, err
	}
	switch strings.ToUpper(s.Status) {
	case cloud.ServerVerifyResize:
		if err := compute.ConfirmResize(ctx, id); err != nil {
			r.logger.Warn("Confirm resize failed, resetting", "server", s.Name, "error", err)
			if err := compute.ResetState(ctx, id, "active"); err != nil {
				return nil, fmt.Errorf("reset server %s: %w", id, err)
			}
		}
	case cloud.ServerError, cloud.ServerResize:
		if err := compute.ResetState(ctx, id, "active"); err != nil {
			return nil, fmt.Errorf("reset server %s: %w", id, err)
		}
	default:
		return s, nil
	}
	r.record("settle_migrated", 1)
	return compute.GetServer(ctx, id)
}
