package cli

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"osfleet/internal/apperrors"
	"osfleet/internal/cloud"
	"osfleet/internal/cloud/cloudtest"
	"osfleet/internal/config"
	"osfleet/internal/health"
	"osfleet/internal/manifest"
	"osfleet/internal/observability"
	"osfleet/internal/pipeline"
	"osfleet/internal/pipeline/pipelinetest"
)

// syncBuffer guards a buffer written by progress and the logger at once.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type harness struct {
	fake     *cloudtest.Fake
	cfg      *config.Config
	stdout   *syncBuffer
	stderr   *syncBuffer
	connects int
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	f := cloudtest.New()
	f.AddProject(cloud.Project{ID: "t1", Name: "acme", Enabled: true})
	return &harness{
		fake:   f,
		cfg:    pipelinetest.Config(t.TempDir()),
		stdout: &syncBuffer{},
		stderr: &syncBuffer{},
	}
}

func (h *harness) execute(args ...string) int {
	return Execute(context.Background(), args, Options{
		Stdout: h.stdout,
		Stderr: h.stderr,
		Config: func(string) (*config.Config, error) { return h.cfg, nil },
		Connect: func(context.Context, *config.Config, *observability.Metrics, *slog.Logger) (cloud.Connector, health.BreakerStats, error) {
			h.connects++
			return h.fake, nil, nil
		},
	})
}

func TestExecute_UsageErrorsExitOne(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"missing tenant", []string{"backup"}, "tenant is required"},
		{"missing restore source", []string{"restore"}, "tenant_id is required"},
		{"unknown backup subsystem", []string{"backup", "acme", "neutron"}, "unknown subsystem"},
		{"unknown teardown subsystem", []string{"teardown", "acme", "keystone"}, "unknown subsystem"},
		{"too many arguments", []string{"cleanup", "acme", "extra"}, "at most 1 arguments"},
		{"unknown flag", []string{"backup", "acme", "--bogus"}, "unknown flag"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t)
			assert.Equal(t, 1, h.execute(tt.args...))
			assert.Contains(t, h.stderr.String(), tt.want)
			assert.Zero(t, h.connects, "usage errors are caught before connecting")
		})
	}
}

func TestExecute_UnresolvableTenantExitsOne(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	assert.Equal(t, 1, h.execute("backup", "nobody"))
	assert.Contains(t, h.stderr.String(), "resolve tenant nobody")
	assert.Zero(t, h.fake.CallCount("SnapshotServer"))
}

func TestExecute_InvalidConfigExitsOne(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.cfg.MigrationMode = "teleport"

	assert.Equal(t, 1, h.execute("migrate", "compute-1"))
	assert.Zero(t, h.connects)
}

func TestExecute_PreflightFailureExitsOne(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.fake.FailOn("ListVolumes", "", apperrors.Unavailable("volume.list", "volume"))

	assert.Equal(t, 1, h.execute("backup", "acme"))
	assert.Contains(t, h.stderr.String(), "preflight")
	assert.Zero(t, h.fake.CallCount("SnapshotServer"))
}

func TestExecute_BackupWritesManifestsAndProgress(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.fake.AddServer(cloud.Server{ID: "s1", Name: "web", Status: cloud.ServerActive, TenantID: "t1", FlavorID: "m1.small"})

	require.Equal(t, 0, h.execute("backup", "acme", "nova"))

	out := h.stdout.String()
	assert.Contains(t, out, "[server_backup] succeeded t1/web")
	assert.Contains(t, out, "backup finished")

	store := manifest.NewStore(h.cfg.BackupRoot)
	servers, err := manifest.Load[*manifest.Server](store, "t1", manifest.KindServer)
	require.NoError(t, err)
	require.Len(t, servers, 1)
	assert.Equal(t, "web", servers[0].Name)
	assert.Zero(t, h.fake.ImageCount(), "transient snapshot must be gone")
}

func TestExecute_ItemFailuresExitZero(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.fake.AddServer(cloud.Server{ID: "s1", Name: "web", Status: cloud.ServerShutoff, TenantID: "t1"})
	h.fake.FailOn("DeleteServer", "s1", errors.New("nova exploded"))

	assert.Equal(t, 0, h.execute("teardown", "acme", "nova"))
	assert.Regexp(t, `\[server_teardown\] failed\s+t1/web: .*nova exploded`, h.stdout.String())
	_, exists := h.fake.Server("s1")
	assert.True(t, exists)
}

func TestExecute_CleanupRemovesTransientImages(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.fake.AddImage(cloud.Image{ID: "i1", Name: "os_bkp_t1_web", Owner: "t1", Status: cloud.ImageActive}, nil)
	h.fake.AddImage(cloud.Image{ID: "i2", Name: "golden", Owner: "t1", Status: cloud.ImageActive}, nil)
	h.fake.AddImage(cloud.Image{ID: "i3", Name: "os_bkp_t2_db", Owner: "t2", Status: cloud.ImageActive}, nil)

	require.Equal(t, 0, h.execute("cleanup", "acme"))

	_, ok := h.fake.Image("i1")
	assert.False(t, ok)
	_, ok = h.fake.Image("i2")
	assert.True(t, ok, "user images are kept")
	_, ok = h.fake.Image("i3")
	assert.True(t, ok, "other tenants are untouched")
}

func TestExecute_MigrateEmptyHost(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	assert.Equal(t, 0, h.execute("migrate", "compute-9"))
	assert.Contains(t, h.stdout.String(), "migrate finished")
	assert.Zero(t, h.fake.CallCount("Migrate"))
}

func TestProgress_PlainOutput(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	p := NewProgress(&buf)

	p.Emit(context.Background(), pipeline.Event{Tenant: "t1", Kind: "volume_backup", Name: "data", Status: pipeline.ItemFailed, Err: errors.New("quota")})
	r := pipeline.NewReport("volume_backup", "t1")
	p.Summary("backup", []*pipeline.Report{r})

	out := buf.String()
	assert.Contains(t, out, "[volume_backup] failed    t1/data: quota")
	assert.Contains(t, out, "backup finished")
	assert.Contains(t, out, "ok")
	assert.NotContains(t, out, "\x1b[", "no colour codes outside a terminal")
}

func TestNewLogger_FansOutToFile(t *testing.T) {
	t.Parallel()
	cfg := config.Defaults()
	cfg.LogFormat = "text"
	cfg.LogFile = filepath.Join(t.TempDir(), "osfleet.log")

	var console bytes.Buffer
	logger, closeLog, err := newLogger(cfg, &console)
	require.NoError(t, err)
	logger.With("component", "migrate").Info("Server moved", "server", "s1")
	require.NoError(t, closeLog())

	assert.True(t, strings.HasPrefix(console.String(), "time="), "console uses the text handler")
	data, err := os.ReadFile(cfg.LogFile)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"component":"migrate"`)
	assert.Contains(t, string(data), `"server":"s1"`)
}

func TestNewLogger_UnwritableFile(t *testing.T) {
	t.Parallel()
	cfg := config.Defaults()
	cfg.LogFile = filepath.Join(t.TempDir(), "missing", "osfleet.log")

	_, _, err := newLogger(cfg, &bytes.Buffer{})
	assert.ErrorIs(t, err, apperrors.ErrSetup)
}

func TestParseSubsystems(t *testing.T) {
	t.Parallel()
	subs, err := parseSubsystems([]string{"acme"}, []manifest.Subsystem{manifest.Nova})
	require.NoError(t, err)
	assert.Nil(t, subs)

	subs, err = parseSubsystems([]string{"acme", "Cinder"}, []manifest.Subsystem{manifest.Nova, manifest.Cinder})
	require.NoError(t, err)
	assert.Equal(t, []manifest.Subsystem{manifest.Cinder}, subs)
}
