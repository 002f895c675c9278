package pipeline_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"osfleet/internal/apperrors"
	"osfleet/internal/cloud"
	"osfleet/internal/cloud/cloudtest"
	"osfleet/internal/pipeline"
	"osfleet/internal/pipeline/pipelinetest"
	"osfleet/internal/tracker"
)

func TestLaunch(t *testing.T) {
	t.Parallel()
	env, events := pipelinetest.NewEnv(t, cloudtest.New())
	r := pipeline.NewReport("volume_backup", "t1")

	items := []string{"ok", "conflict", "skip", "unavailable", "noop"}
	tracked := pipeline.Launch(context.Background(), env, r, items,
		func(s string) pipeline.Item { return pipeline.Item{ID: s, Name: s} },
		func(_ context.Context, s string) (string, int, error) {
			switch s {
			case "conflict":
				return "", 0, apperrors.Conflict("volume", s, "volume busy")
			case "unavailable":
				return "", 0, apperrors.Unavailable("volume.upload", "volume")
			case "skip":
				return "", 0, pipeline.Skip("volume in error state")
			case "noop":
				return "", 0, nil
			}
			return "op-" + s, 7, nil
		})

	assert.Equal(t, map[string]int{"op-ok": 7}, tracked)
	assert.Equal(t, []string{"conflict", "unavailable"}, r.Items(pipeline.ItemFailed))
	assert.Equal(t, []string{"noop", "skip"}, r.Items(pipeline.ItemSkipped))
	assert.Equal(t, []string{"ok"}, events.Names(pipeline.ItemStarted))
	assert.False(t, r.OK())
}

func TestImageUploadedCheck(t *testing.T) {
	t.Parallel()
	f := cloudtest.New()
	f.AddImage(cloud.Image{ID: "q", Status: cloud.ImageQueued}, nil)
	f.AddImage(cloud.Image{ID: "a", Status: cloud.ImageActive}, nil)
	f.AddImage(cloud.Image{ID: "k", Status: cloud.ImageKilled}, nil)
	check := pipeline.ImageUploaded(f)
	ctx := context.Background()

	tests := []struct {
		id      string
		want    tracker.Outcome
		wantErr bool
	}{
		{"q", tracker.Pending, false},
		{"a", tracker.Succeeded, false},
		{"k", tracker.Failed, false},
		{"missing", tracker.Failed, true},
	}
	for _, tt := range tests {
		got, err := check(ctx, tt.id)
		assert.Equal(t, tt.want, got, tt.id)
		assert.Equal(t, tt.wantErr, err != nil, tt.id)
		// Terminal answers are stable.
		again, _ := check(ctx, tt.id)
		assert.Equal(t, got, again, tt.id)
	}
}

func TestBackupDoneCheck(t *testing.T) {
	t.Parallel()
	f := cloudtest.New()
	f.AddVolume(cloud.Volume{ID: "v", Size: 1})
	f.NewBackupStatuses = []string{cloud.BackupCreating, cloud.BackupAvailable}
	b, err := f.CreateBackup(context.Background(), "v", "nightly")
	require.NoError(t, err)
	check := pipeline.BackupDone(f)

	first, _ := check(context.Background(), b.ID)
	second, _ := check(context.Background(), b.ID)
	assert.Equal(t, tracker.Pending, first)
	assert.Equal(t, tracker.Succeeded, second)

	f.ScriptBackup(b.ID, cloud.BackupError)
	third, _ := check(context.Background(), b.ID)
	assert.Equal(t, tracker.Failed, third)
}

func TestVolumeAvailableCheck(t *testing.T) {
	t.Parallel()
	f := cloudtest.New()
	f.AddVolume(cloud.Volume{ID: "c", Status: cloud.VolumeCreating})
	f.AddVolume(cloud.Volume{ID: "a", Status: cloud.VolumeAvailable})
	f.AddVolume(cloud.Volume{ID: "e", Status: "error_restoring"})
	check := pipeline.VolumeAvailable(f)

	for id, want := range map[string]tracker.Outcome{"c": tracker.Pending, "a": tracker.Succeeded, "e": tracker.Failed} {
		got, err := check(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, want, got, id)
	}
}

func TestServerLeftHostCheck(t *testing.T) {
	t.Parallel()
	f := cloudtest.New()
	f.AddServer(cloud.Server{ID: "here", Host: "src", Status: cloud.ServerMigrating})
	f.AddServer(cloud.Server{ID: "gone", Host: "dst", Status: cloud.ServerActive})
	f.AddServer(cloud.Server{ID: "broken", Host: "src", Status: cloud.ServerError})
	check := pipeline.ServerLeftHost(f, "src")
	ctx := context.Background()

	got, _ := check(ctx, "here")
	assert.Equal(t, tracker.Pending, got)
	got, _ = check(ctx, "gone")
	assert.Equal(t, tracker.Succeeded, got)
	got, _ = check(ctx, "deleted")
	assert.Equal(t, tracker.Succeeded, got)
	got, _ = check(ctx, "broken")
	assert.Equal(t, tracker.Failed, got)
}

func TestServerInStatusCheck(t *testing.T) {
	t.Parallel()
	f := cloudtest.New()
	f.AddServer(cloud.Server{ID: "s", Status: cloud.ServerBuild})
	f.ScriptServer("s", cloud.ServerBuild, cloud.ServerActive)
	check := pipeline.ServerInStatus(f, cloud.ServerActive)

	first, _ := check(context.Background(), "s")
	second, _ := check(context.Background(), "s")
	assert.Equal(t, tracker.Pending, first)
	assert.Equal(t, tracker.Succeeded, second)
}

func TestResolveTenant(t *testing.T) {
	t.Parallel()
	f := cloudtest.New()
	f.AddProject(cloud.Project{ID: "t1", Name: "acme"})
	ctx := context.Background()

	p, err := pipeline.ResolveTenant(ctx, f, "acme")
	require.NoError(t, err)
	assert.Equal(t, "t1", p.ID)

	_, err = pipeline.ResolveTenant(ctx, f, "nope")
	assert.True(t, errors.Is(err, apperrors.ErrSetup))
	assert.Equal(t, 1, apperrors.ExitCode(err))

	_, err = pipeline.ResolveTenant(ctx, f, "")
	assert.Equal(t, 1, apperrors.ExitCode(err))
}

func TestEnsureAdminAccess(t *testing.T) {
	t.Parallel()
	f := cloudtest.New()
	f.AddProject(cloud.Project{ID: "t1", Name: "acme"})
	f.AddUser(cloud.User{ID: "u-admin", Name: "admin"})
	f.AddRole(cloud.Role{ID: "r-admin", Name: "admin"})
	ctx := context.Background()

	require.NoError(t, pipeline.EnsureAdminAccess(ctx, f, "admin", "t1"))
	require.NoError(t, pipeline.EnsureAdminAccess(ctx, f, "admin", "t1"))
	assert.Equal(t, 1, f.CallCount("AssignRole"), "existing assignment is not re-granted")
}
