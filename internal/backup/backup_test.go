package backup_test

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"osfleet/internal/apperrors"
	"osfleet/internal/backup"
	"osfleet/internal/cloud"
	"osfleet/internal/cloud/cloudtest"
	"osfleet/internal/config"
	"osfleet/internal/manifest"
	"osfleet/internal/pipeline"
	"osfleet/internal/pipeline/pipelinetest"
)

var tenant = cloud.Project{ID: "t1", Name: "acme", Enabled: true}

func newFake() *cloudtest.Fake {
	f := cloudtest.New()
	f.AddProject(tenant)
	return f
}

func TestComputeSnapshotsAndDownloadsOnce(t *testing.T) {
	t.Parallel()
	f := newFake()
	f.NewImageStatuses = []string{cloud.ImageQueued, cloud.ImageQueued, cloud.ImageActive}
	f.AddServer(cloud.Server{ID: "s1", Name: "web", Status: cloud.ServerActive, TenantID: "t1", FlavorID: "m1.small"})
	env, events := pipelinetest.NewEnv(t, f)

	r, err := backup.New(env).Compute(context.Background(), tenant)
	require.NoError(t, err)

	assert.Equal(t, []string{"web"}, r.Items(pipeline.ItemSucceeded))
	assert.Equal(t, []string{"web"}, events.Names(pipeline.ItemStarted))
	assert.Equal(t, 1, f.CallCount("Download"))
	assert.Equal(t, 1, f.CallCount("SnapshotServer", "s1"))
	assert.Zero(t, f.ImageCount(), "transient snapshot must be deleted")

	servers, err := manifest.Load[*manifest.Server](env.Store, "t1", manifest.KindServer)
	require.NoError(t, err)
	require.Len(t, servers, 1)
	assert.Equal(t, "s1_web.img", servers[0].Content)

	data, err := os.ReadFile(env.Store.ContentPath("t1", manifest.Nova, "s1_web.img"))
	require.NoError(t, err)
	assert.Equal(t, "snapshot of s1", string(data))
}

func TestComputeSnapshotRejected(t *testing.T) {
	t.Parallel()
	f := newFake()
	f.AddServer(cloud.Server{ID: "s1", Name: "web", Status: cloud.ServerActive, TaskState: cloud.TaskImageSnapshot, TenantID: "t1", FlavorID: "m1.small"})
	f.AddServer(cloud.Server{ID: "s2", Name: "db", Status: cloud.ServerShutoff, TenantID: "t1", FlavorID: "m1.small"})
	env, _ := pipelinetest.NewEnv(t, f)

	r, err := backup.New(env).Compute(context.Background(), tenant)
	require.NoError(t, err)

	assert.Equal(t, []string{"web"}, r.Items(pipeline.ItemFailed))
	assert.Equal(t, []string{"db"}, r.Items(pipeline.ItemSucceeded))
}

func TestImagesSkipsTransient(t *testing.T) {
	t.Parallel()
	f := newFake()
	f.AddImage(cloud.Image{ID: "i1", Name: "ubuntu", Status: cloud.ImageActive, Owner: "t1", DiskFormat: "qcow2"}, []byte("ubuntu bits"))
	f.AddImage(cloud.Image{ID: "i2", Name: "os_bkp_acme_web", Status: cloud.ImageActive, Owner: "t1"}, []byte("x"))
	f.AddImage(cloud.Image{ID: "i3", Name: "other", Status: cloud.ImageActive, Owner: "t2"}, []byte("y"))
	env, _ := pipelinetest.NewEnv(t, f)

	r, err := backup.New(env).Images(context.Background(), tenant)
	require.NoError(t, err)

	assert.Equal(t, []string{"ubuntu"}, r.Items(pipeline.ItemSucceeded))
	assert.Equal(t, 1, f.CallCount("Download"))
	assert.Equal(t, 3, f.ImageCount(), "tenant images are kept")

	data, err := os.ReadFile(env.Store.ContentPath("t1", manifest.Glance, "i1_ubuntu.img"))
	require.NoError(t, err)
	assert.Equal(t, "ubuntu bits", string(data))
}

func seedVolumes(f *cloudtest.Fake) {
	f.AddServer(cloud.Server{ID: "srv1", Name: "app", Status: cloud.ServerActive, TenantID: "t1", FlavorID: "m1.small"})
	f.AddVolume(cloud.Volume{ID: "v1", Name: "data", Status: cloud.VolumeAvailable, Size: 1, TenantID: "t1"})
	f.AddVolume(cloud.Volume{
		ID: "v2", Name: "logs", Status: cloud.VolumeInUse, Size: 2, TenantID: "t1",
		Attachments: []cloud.Attachment{{VolumeID: "v2", ServerID: "srv1", Device: "/dev/vdc"}},
	})
	f.AddVolume(cloud.Volume{ID: "v3", Name: "broken", Status: "error_restoring", Size: 1, TenantID: "t1"})
}

func TestVolumesSkipErrorAndReattach(t *testing.T) {
	t.Parallel()
	f := newFake()
	seedVolumes(f)
	env, _ := pipelinetest.NewEnv(t, f)

	r, err := backup.New(env).Volumes(context.Background(), tenant, backup.VolumeOptions{})
	require.NoError(t, err)

	assert.Equal(t, []string{"data", "logs"}, r.Items(pipeline.ItemSucceeded))
	assert.Equal(t, []string{"broken"}, r.Items(pipeline.ItemSkipped))
	assert.Zero(t, f.CallCount("UploadToImage", "v3"))
	assert.Zero(t, f.CallCount("DetachVolume", "v3"))
	assert.Equal(t, 1, f.CallCount("DetachVolume", "srv1"))

	v2, ok := f.Volume("v2")
	require.True(t, ok)
	assert.Equal(t, cloud.VolumeInUse, v2.Status)
	require.Len(t, v2.Attachments, 1)
	assert.Equal(t, "srv1", v2.Attachments[0].ServerID)
	assert.Equal(t, "/dev/vdc", v2.Attachments[0].Device)
	assert.Zero(t, f.ImageCount())

	vols, err := manifest.Load[*manifest.Volume](env.Store, "t1", manifest.KindVolume)
	require.NoError(t, err)
	assert.Len(t, vols, 2)
	_, err = os.Stat(env.Store.ContentPath("t1", manifest.Cinder, "os_bkp_v2_acme_logs.img"))
	assert.NoError(t, err)
}

func TestVolumesUploadFailureStillReattaches(t *testing.T) {
	t.Parallel()
	f := newFake()
	seedVolumes(f)
	f.FailOn("UploadToImage", "v2", apperrors.Unavailable("volume.upload", "volume"))
	env, _ := pipelinetest.NewEnv(t, f)

	r, err := backup.New(env).Volumes(context.Background(), tenant, backup.VolumeOptions{})
	require.NoError(t, err)

	assert.Equal(t, []string{"logs"}, r.Items(pipeline.ItemFailed))
	v2, _ := f.Volume("v2")
	assert.Equal(t, cloud.VolumeInUse, v2.Status)
	assert.Equal(t, 1, f.CallCount("AttachVolume", "srv1"))
}

func TestVolumesBlockPolicy(t *testing.T) {
	t.Parallel()
	f := newFake()
	seedVolumes(f)
	env, _ := pipelinetest.NewEnv(t, f)
	env.Cfg.ErrorVolumePolicy = config.ErrorVolumeBlock

	r, err := backup.New(env).Volumes(context.Background(), tenant, backup.VolumeOptions{})
	require.ErrorIs(t, err, apperrors.ErrConflict)

	assert.Equal(t, 3, r.Count(pipeline.ItemSkipped))
	assert.Zero(t, f.CallCount("DetachVolume"))
	assert.Zero(t, f.CallCount("UploadToImage"))
}

func TestVolumesNative(t *testing.T) {
	t.Parallel()
	f := newFake()
	seedVolumes(f)
	f.NewBackupStatuses = []string{cloud.BackupCreating, cloud.BackupAvailable}
	env, _ := pipelinetest.NewEnv(t, f)

	r, err := backup.New(env).Volumes(context.Background(), tenant, backup.VolumeOptions{Native: true})
	require.NoError(t, err)

	assert.Equal(t, []string{"data", "logs"}, r.Items(pipeline.ItemSucceeded))
	assert.Equal(t, []string{"broken"}, r.Items(pipeline.ItemSkipped))
	assert.Equal(t, 2, f.CallCount("CreateBackup"))
	assert.Equal(t, 1, f.CallCount("CreateBackup", "v2"), "attached volumes are backed up in place")
	assert.Zero(t, f.CallCount("DetachVolume"))
	assert.Zero(t, f.CallCount("AttachVolume"))
	assert.Zero(t, f.CallCount("Download"))

	logs, _ := f.Volume("v2")
	assert.Equal(t, cloud.VolumeInUse, logs.Status)
	require.Len(t, logs.Attachments, 1)
	assert.Equal(t, "srv1", logs.Attachments[0].ServerID)
}

func TestSelected(t *testing.T) {
	t.Parallel()
	f := newFake()
	f.AddProject(cloud.Project{ID: "t2", Name: "globex"})
	f.AddVolume(cloud.Volume{ID: "v1", Name: "backupme-db", Status: cloud.VolumeAvailable, Size: 1, TenantID: "t1"})
	f.AddVolume(cloud.Volume{ID: "v2", Name: "scratch", Status: cloud.VolumeAvailable, Size: 1, TenantID: "t1"})
	f.AddVolume(cloud.Volume{ID: "v3", Name: "backupme-web", Status: cloud.VolumeAvailable, Size: 1, TenantID: "t2"})
	env, _ := pipelinetest.NewEnv(t, f)

	reports, err := backup.New(env).Selected(context.Background(), false)
	require.NoError(t, err)
	require.Len(t, reports, 2)
	assert.Equal(t, []string{"backupme-db"}, reports[0].Items(pipeline.ItemSucceeded))
	assert.Equal(t, []string{"backupme-web"}, reports[1].Items(pipeline.ItemSucceeded))
	assert.Zero(t, f.CallCount("UploadToImage", "v2"))
}

func TestIdentityWritesManifests(t *testing.T) {
	t.Parallel()
	f := newFake()
	f.AddUser(cloud.User{ID: "u1", Name: "alice", Enabled: true})
	f.AddRole(cloud.Role{ID: "r1", Name: "member"})
	f.AddRole(cloud.Role{ID: "r2", Name: "reader"})
	f.AddAssignment(cloud.RoleAssignment{UserID: "u1", ProjectID: "t1", RoleID: "r1"})
	f.AddAssignment(cloud.RoleAssignment{UserID: "u1", ProjectID: "t1", RoleID: "r2"})
	env, _ := pipelinetest.NewEnv(t, f)

	r, err := backup.New(env).Identity(context.Background(), tenant)
	require.NoError(t, err)
	assert.Equal(t, []string{"acme", "alice"}, r.Items(pipeline.ItemSucceeded), "the project and each member")

	projects, err := manifest.Load[*manifest.Project](env.Store, "t1", manifest.KindProject)
	require.NoError(t, err)
	require.Len(t, projects, 1)
	assert.Equal(t, "acme", projects[0].Name)

	roles, err := manifest.Load[*manifest.RoleAssignment](env.Store, "t1", manifest.KindRoleAssignment)
	require.NoError(t, err)
	require.Len(t, roles, 2)
	assert.Equal(t, "member", roles[0].RoleName)
	assert.Equal(t, "reader", roles[1].RoleName)
}

func TestTenantRemovesLeftoverImagesAfterTimeout(t *testing.T) {
	t.Parallel()
	f := newFake()
	f.NewImageStatuses = []string{cloud.ImageSaving}
	f.AddServer(cloud.Server{ID: "s1", Name: "web", Status: cloud.ServerActive, TenantID: "t1", FlavorID: "m1.small"})
	env, _ := pipelinetest.NewEnv(t, f)
	env.Cfg.UploadCycles = 2

	reports, err := backup.New(env).Tenant(context.Background(), tenant, manifest.Nova)
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.Equal(t, []string{"web"}, reports[0].Items(pipeline.ItemTimedOut))
	assert.Zero(t, f.CallCount("Download"))
	assert.Zero(t, f.ImageCount(), "leftover transient image is swept")
}

func TestTenantCancelledStillCleansUp(t *testing.T) {
	t.Parallel()
	f := newFake()
	f.AddImage(cloud.Image{ID: "old", Name: "os_bkp_acme_web", Status: cloud.ImageActive, Owner: "t1"}, nil)
	env, _ := pipelinetest.NewEnv(t, f)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := backup.New(env).Tenant(ctx, tenant)
	require.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, f.ImageCount())
}
