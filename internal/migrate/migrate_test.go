package migrate_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"osfleet/internal/apperrors"
	"osfleet/internal/cloud"
	"osfleet/internal/cloud/cloudtest"
	"osfleet/internal/config"
	"osfleet/internal/migrate"
	"osfleet/internal/pipeline"
	"osfleet/internal/pipeline/pipelinetest"
)

const host = "compute-7"

func server(id, name, status string) cloud.Server {
	return cloud.Server{ID: id, Name: name, Status: status, Host: host, TenantID: "t1", FlavorID: "m1"}
}

func reportOf(t *testing.T, reports []*pipeline.Report, kind string) *pipeline.Report {
	t.Helper()
	for _, r := range reports {
		if r.Kind == kind {
			return r
		}
	}
	require.Failf(t, "report missing", "no %s report", kind)
	return nil
}

func TestRunColdMigratesAndRestartsOnce(t *testing.T) {
	t.Parallel()
	f := cloudtest.New()
	f.AddServer(server("a", "web", cloud.ServerActive))
	f.AddServer(server("b", "batch", cloud.ServerShutoff))
	f.AddServer(server("c", "busy", cloud.ServerMigrating))
	env, _ := pipelinetest.NewEnv(t, f)

	reports, err := migrate.New(env, host).Run(context.Background())
	require.NoError(t, err)

	first := reportOf(t, reports, "migration_first")
	assert.Equal(t, []string{"batch", "web"}, first.Items(pipeline.ItemSucceeded))
	assert.Equal(t, []string{"busy"}, first.Items(pipeline.ItemSkipped))
	assert.Empty(t, first.Items(pipeline.ItemFailed), "a migrating server is skipped, not failed")
	assert.Equal(t, []string{"busy"}, reportOf(t, reports, "migration_final").Items(pipeline.ItemSucceeded))

	for _, id := range []string{"a", "b", "c"} {
		s, ok := f.Server(id)
		require.True(t, ok)
		assert.Equal(t, "dest-host", s.Host, id)
		assert.False(t, f.Locked(id), "%s must be unlocked", id)
	}

	web, _ := f.Server("a")
	assert.Equal(t, cloud.ServerActive, web.Status)
	assert.Equal(t, 1, f.CallCount("StartServer", "a"))
	assert.Zero(t, f.CallCount("LiveMigrate"))

	batch, _ := f.Server("b")
	assert.Equal(t, cloud.ServerShutoff, batch.Status, "a server that was off stays off")
	assert.Zero(t, f.CallCount("StartServer", "b"))
	assert.Zero(t, f.CallCount("StopServer", "b"))
}

func TestRunLiveMode(t *testing.T) {
	t.Parallel()
	f := cloudtest.New()
	f.AddServer(server("a", "web", cloud.ServerActive))
	env, _ := pipelinetest.NewEnv(t, f)
	env.Cfg.MigrationMode = config.MigrationLive
	env.Cfg.BlockMigration = true

	reports, err := migrate.New(env, host).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"web"}, reportOf(t, reports, "migration_first").Items(pipeline.ItemSucceeded))
	calls := f.Calls("LiveMigrate")
	require.Len(t, calls, 1)
	assert.Equal(t, []string{"a", "true"}, calls[0].Args)
	assert.Zero(t, f.CallCount("StopServer"))
	assert.Zero(t, f.CallCount("StartServer"))
}

func TestRunStuckServerIsRestartedOnce(t *testing.T) {
	t.Parallel()
	f := cloudtest.New()
	f.AddServer(server("a", "web", cloud.ServerActive))
	f.StickMigration("a", true)
	env, _ := pipelinetest.NewEnv(t, f)

	reports, err := migrate.New(env, host).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"web"}, reportOf(t, reports, "migration_first").Items(pipeline.ItemTimedOut))
	assert.Equal(t, []string{"web"}, reportOf(t, reports, "migration_second").Items(pipeline.ItemSkipped))
	assert.Equal(t, []string{"web"}, reportOf(t, reports, "migration_final").Items(pipeline.ItemTimedOut))
	assert.Equal(t, []string{"web"}, reportOf(t, reports, "migration_settle").Items(pipeline.ItemSucceeded))

	assert.Equal(t, 1, f.CallCount("StartServer", "a"))
	s, _ := f.Server("a")
	assert.Equal(t, host, s.Host)
	assert.Equal(t, cloud.ServerActive, s.Status)
	assert.False(t, f.Locked("a"))
}

func TestRunRejectedMigrationRestartsServer(t *testing.T) {
	t.Parallel()
	f := cloudtest.New()
	f.AddServer(server("a", "web", cloud.ServerActive))
	f.FailOn("Migrate", "a", apperrors.FromStatus("compute.migrate", "server", "a", 409, nil))
	env, _ := pipelinetest.NewEnv(t, f)

	reports, err := migrate.New(env, host).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"web"}, reportOf(t, reports, "migration_first").Items(pipeline.ItemFailed))
	assert.Equal(t, []string{"web"}, reportOf(t, reports, "migration_final").Items(pipeline.ItemFailed))

	assert.Equal(t, 1, f.CallCount("StartServer", "a"), "started once, after every pass resolved")
	s, _ := f.Server("a")
	assert.Equal(t, host, s.Host)
	assert.Equal(t, cloud.ServerActive, s.Status)
}

func TestRunLaunchFailureUnlocks(t *testing.T) {
	t.Parallel()
	f := cloudtest.New()
	f.AddServer(server("b", "batch", cloud.ServerShutoff))
	f.FailOn("Migrate", "b", apperrors.FromStatus("compute.migrate", "server", "b", 409, nil))
	env, _ := pipelinetest.NewEnv(t, f)

	reports, err := migrate.New(env, host).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"batch"}, reportOf(t, reports, "migration_first").Items(pipeline.ItemFailed))
	assert.False(t, f.Locked("b"))
	assert.Equal(t, f.CallCount("LockServer", "b"), f.CallCount("UnlockServer", "b"))
}

func TestRunEmptyHost(t *testing.T) {
	t.Parallel()
	env, _ := pipelinetest.NewEnv(t, cloudtest.New())

	reports, err := migrate.New(env, host).Run(context.Background())
	require.NoError(t, err)
	assert.Empty(t, reports)
}

func TestRunRequiresHost(t *testing.T) {
	t.Parallel()
	env, _ := pipelinetest.NewEnv(t, cloudtest.New())

	_, err := migrate.New(env, "").Run(context.Background())
	require.ErrorIs(t, err, apperrors.ErrValidation)
}

func TestRunListFailureIsSetupError(t *testing.T) {
	t.Parallel()
	f := cloudtest.New()
	f.FailOn("ListServers", "", apperrors.Unavailable("compute.list", "server"))
	env, _ := pipelinetest.NewEnv(t, f)

	_, err := migrate.New(env, host).Run(context.Background())
	require.ErrorIs(t, err, apperrors.ErrSetup)
	assert.Equal(t, 1, apperrors.ExitCode(err))
}
