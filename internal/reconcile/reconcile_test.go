package reconcile

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"osfleet/internal/apperrors"
	"osfleet/internal/cloud"
	"osfleet/internal/cloud/cloudtest"
)

type counts struct {
	mu sync.Mutex
	m  map[string]int
}

func (c *counts) RecordReconcile(action string, n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.m == nil {
		c.m = map[string]int{}
	}
	c.m[action] += n
}

func TestResetStuckServers(t *testing.T) {
	t.Parallel()
	f := cloudtest.New()
	f.AddServer(cloud.Server{ID: "a", TenantID: "t1", Status: cloud.ServerActive, TaskState: cloud.TaskImageUploading})
	f.AddServer(cloud.Server{ID: "b", TenantID: "t1", Status: cloud.ServerActive, TaskState: cloud.TaskImagePendingUpload})
	f.AddServer(cloud.Server{ID: "c", TenantID: "t1", Status: cloud.ServerActive})
	f.AddServer(cloud.Server{ID: "d", TenantID: "t1", Status: cloud.ServerShutoff, TaskState: cloud.TaskImageUploading})
	f.AddServer(cloud.Server{ID: "e", TenantID: "t2", Status: cloud.ServerActive, TaskState: cloud.TaskImageSnapshot})
	m := &counts{}
	r := New(4, nil, m)

	n, err := r.ResetStuckServers(context.Background(), f, cloud.ServerFilter{TenantID: "t1"})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 1, f.CallCount("ResetState", "a"))
	assert.Equal(t, 1, f.CallCount("ResetState", "b"))
	assert.Equal(t, 0, f.CallCount("ResetState", "c"))
	assert.Equal(t, 0, f.CallCount("ResetState", "d"))
	assert.Equal(t, 0, f.CallCount("ResetState", "e"))
	assert.Equal(t, 2, m.m["reset_stuck_server"])

	a, _ := f.Server("a")
	assert.Empty(t, a.TaskState)
}

func TestResetStuckServers_PartialFailure(t *testing.T) {
	t.Parallel()
	f := cloudtest.New()
	f.AddServer(cloud.Server{ID: "a", Status: cloud.ServerActive, TaskState: cloud.TaskImageUploading})
	f.AddServer(cloud.Server{ID: "b", Status: cloud.ServerActive, TaskState: cloud.TaskImageUploading})
	f.FailOn("ResetState", "a", apperrors.Unavailable("compute.reset", "compute"))

	n, err := New(2, nil, nil).ResetStuckServers(context.Background(), f, cloud.ServerFilter{})
	assert.Equal(t, 1, n)
	assert.ErrorIs(t, err, apperrors.ErrUnavailable)
	b, _ := f.Server("b")
	assert.Empty(t, b.TaskState)
}

func TestResetErroredServer(t *testing.T) {
	t.Parallel()
	f := cloudtest.New()
	f.AddServer(cloud.Server{ID: "err", Status: cloud.ServerError})
	f.AddServer(cloud.Server{ID: "ok", Status: cloud.ServerActive})
	r := New(1, nil, nil)
	ctx := context.Background()

	errSrv, _ := f.Server("err")
	reset, err := r.ResetErroredServer(ctx, f, errSrv)
	require.NoError(t, err)
	assert.True(t, reset)

	okSrv, _ := f.Server("ok")
	reset, err = r.ResetErroredServer(ctx, f, okSrv)
	require.NoError(t, err)
	assert.False(t, reset)
	assert.Equal(t, 0, f.CallCount("ResetState", "ok"))
}

func TestCleanupTransientImages_Idempotent(t *testing.T) {
	t.Parallel()
	f := cloudtest.New()
	f.AddImage(cloud.Image{ID: "i1", Name: "os_bkp_acme_web", Owner: "t1", Status: cloud.ImageActive}, nil)
	f.AddImage(cloud.Image{ID: "i2", Name: "os_bkp_v1_acme_data", Owner: "t1", Status: cloud.ImageSaving}, nil)
	f.AddImage(cloud.Image{ID: "i3", Name: "ubuntu", Owner: "t1", Status: cloud.ImageActive}, nil)
	f.AddImage(cloud.Image{ID: "i4", Name: "os_bkp_other", Owner: "t2", Status: cloud.ImageActive}, nil)
	r := New(2, nil, nil)
	ctx := context.Background()

	n, err := r.CleanupTransientImages(ctx, f, "os_bkp", "t1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = r.CleanupTransientImages(ctx, f, "os_bkp", "t1")
	require.NoError(t, err, "second sweep must not fail")
	assert.Zero(t, n)

	_, ok := f.Image("i3")
	assert.True(t, ok, "user images are kept")
	_, ok = f.Image("i4")
	assert.True(t, ok, "other owners are untouched")
}

func TestCleanupTransientImages_RaceWithDelete(t *testing.T) {
	t.Parallel()
	f := cloudtest.New()
	f.AddImage(cloud.Image{ID: "i1", Name: "os_bkp_x", Status: cloud.ImageActive}, nil)
	f.FailOn("DeleteImage", "i1", apperrors.NotFound("image", "i1"))

	n, err := New(1, nil, nil).CleanupTransientImages(context.Background(), f, "os_bkp", "")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestCleanupTransientImages_EmptyPrefix(t *testing.T) {
	t.Parallel()
	_, err := New(1, nil, nil).CleanupTransientImages(context.Background(), cloudtest.New(), "", "")
	assert.True(t, errors.Is(err, apperrors.ErrValidation))
}

func TestDeleteImages(t *testing.T) {
	t.Parallel()
	f := cloudtest.New()
	f.AddImage(cloud.Image{ID: "i1"}, nil)
	r := New(2, nil, nil)

	require.NoError(t, r.DeleteImages(context.Background(), f, []string{"i1", "gone"}))
	require.NoError(t, r.DeleteImages(context.Background(), f, []string{"i1"}))
	assert.Zero(t, f.ImageCount())
}

func TestDetachReattach_RoundTrip(t *testing.T) {
	t.Parallel()
	f := cloudtest.New()
	f.AddServer(cloud.Server{ID: "vm", Status: cloud.ServerActive})
	f.AddVolume(cloud.Volume{ID: "vol", Status: cloud.VolumeAvailable})
	ctx := context.Background()
	_, err := f.AttachVolume(ctx, "vm", "vol", "/dev/vdc")
	require.NoError(t, err)
	before, _ := f.Volume("vol")
	r := New(1, nil, nil)

	att, err := r.Detach(ctx, f, before)
	require.NoError(t, err)
	require.NotNil(t, att)
	mid, _ := f.Volume("vol")
	assert.Equal(t, cloud.VolumeAvailable, mid.Status)

	require.NoError(t, r.Reattach(ctx, f, att))
	after, _ := f.Volume("vol")
	assert.Equal(t, before.Attachments, after.Attachments)
	assert.Equal(t, cloud.VolumeInUse, after.Status)
}

func TestDetach_NotAttached(t *testing.T) {
	t.Parallel()
	f := cloudtest.New()
	r := New(1, nil, nil)

	att, err := r.Detach(context.Background(), f, cloud.Volume{ID: "v", Status: cloud.VolumeAvailable})
	require.NoError(t, err)
	assert.Nil(t, att)
	assert.Zero(t, f.CallCount("DetachVolume"))
	assert.NoError(t, r.Reattach(context.Background(), f, nil))
}

func TestSettleMigrated(t *testing.T) {
	t.Parallel()
	f := cloudtest.New()
	f.AddServer(cloud.Server{ID: "off", Status: cloud.ServerShutoff, Host: "src"})
	f.AddServer(cloud.Server{ID: "broken", Status: cloud.ServerError})
	ctx := context.Background()
	require.NoError(t, f.Migrate(ctx, "off"))
	r := New(1, nil, nil)

	s, err := r.SettleMigrated(ctx, f, "off")
	require.NoError(t, err)
	assert.Equal(t, cloud.ServerShutoff, s.Status)
	assert.Equal(t, 1, f.CallCount("ConfirmResize", "off"))

	s, err = r.SettleMigrated(ctx, f, "broken")
	require.NoError(t, err)
	assert.Equal(t, cloud.ServerActive, s.Status)
}

func TestGuard_RunsCleanupAfterCancel(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	g := NewGuard(time.Second, nil)
	var order []string
	var hookCtxErr error

	g.Defer("first", func(ctx context.Context) error {
		order = append(order, "first")
		hookCtxErr = ctx.Err()
		return nil
	})
	g.Defer("second", func(context.Context) error {
		order = append(order, "second")
		return errors.New("ignored")
	})

	err := g.Run(ctx, func(ctx context.Context) error {
		cancel()
		return ctx.Err()
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []string{"second", "first"}, order)
	assert.NoError(t, hookCtxErr, "cleanup context must outlive the cancelled parent")
}

func TestGuard_RunsCleanupOnPanic(t *testing.T) {
	t.Parallel()
	g := NewGuard(0, nil)
	ran := false
	g.Defer("sweep", func(context.Context) error { ran = true; return nil })

	assert.Panics(t, func() {
		_ = g.Run(context.Background(), func(context.Context) error { panic("boom") })
	})
	assert.True(t, ran)
}
