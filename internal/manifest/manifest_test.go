package manifest

import (
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"osfleet/internal/apperrors"
	"osfleet/internal/cloud"
)

func TestFromServer_DropsTransientFields(t *testing.T) {
	t.Parallel()
	srv := cloud.Server{
		ID:        "vm-1",
		Name:      "web",
		Status:    cloud.ServerActive,
		TaskState: cloud.TaskImageUploading,
		Host:      "compute-3",
		FlavorID:  "m1.small",
		Metadata:  map[string]string{"role": "web"},
	}

	data, err := Marshal(FromServer(srv))
	require.NoError(t, err)

	var raw struct {
		Entry map[string]any `json:"entry"`
	}
	require.NoError(t, json.Unmarshal(data, &raw))
	entry := raw.Entry
	assert.Equal(t, "vm-1", entry["id"])
	for _, field := range []string{"status", "task_state", "host", "attachments"} {
		assert.NotContains(t, entry, field)
	}
}

func TestMarshalUnmarshal_Dispatch(t *testing.T) {
	t.Parallel()
	entries := []Entry{
		&Project{ID: "p", Name: "acme", Enabled: true},
		&User{ID: "u", Name: "alice"},
		&RoleAssignment{UserName: "alice", RoleName: "member"},
		&Server{ID: "s", Name: "web", FlavorID: "1"},
		&Image{ID: "i", Name: "ubuntu"},
		&Volume{ID: "v", Name: "data", Size: 10},
	}
	for _, e := range entries {
		data, err := Marshal(e)
		require.NoError(t, err)
		got, err := Unmarshal(data)
		require.NoError(t, err)
		assert.Equal(t, e, got)
	}
}

func TestUnmarshal_Errors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		data string
		want string
	}{
		{"not json", "{", "envelope"},
		{"bad version", `{"version":9,"kind":"user","entry":{}}`, "version"},
		{"unknown kind", `{"version":1,"kind":"flavor","entry":{}}`, "unknown manifest kind"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := Unmarshal([]byte(tt.data))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	assert.NoError(t, Validate(&Volume{ID: "v", Size: 1}))

	err := Validate(&Volume{ID: "v"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrValidation))

	err = Validate(&Server{ID: "s", Name: "web"})
	require.Error(t, err)
	var appErr *apperrors.Error
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, "server.flavorid", appErr.Field)
}

func TestFileNames(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "tenant.json", (&Project{}).FileName())
	assert.Equal(t, "user_alice.json", (&User{Name: "alice"}).FileName())
	assert.Equal(t, "role_alice_admin.json", (&RoleAssignment{UserName: "alice", RoleName: "admin"}).FileName())
	assert.Equal(t, "vm_s1_web.json", (&Server{ID: "s1", Name: "web"}).FileName())
	assert.Equal(t, "i1_a_b.json", (&Image{ID: "i1", Name: "a/b"}).FileName())
	assert.Equal(t, "vol_v1_data.json", (&Volume{ID: "v1", Name: "data"}).FileName())
}

func TestStore_WriteLoad(t *testing.T) {
	t.Parallel()
	s := NewStore(t.TempDir())

	_, err := s.Write("t1", &Project{ID: "t1", Name: "acme"})
	require.NoError(t, err)
	_, err = s.Write("t1", &User{ID: "u1", Name: "alice"})
	require.NoError(t, err)
	_, err = s.Write("t1", &User{ID: "u2", Name: "bob"})
	require.NoError(t, err)
	path, err := s.Write("t1", &Volume{ID: "v1", Name: "data", Size: 5})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(s.Root(), "t1", "cinder", "vol_v1_data.json"), path)

	users, err := Load[*User](s, "t1", KindUser)
	require.NoError(t, err)
	require.Len(t, users, 2)
	assert.Equal(t, "alice", users[0].Name)

	projects, err := Load[*Project](s, "t1", KindProject)
	require.NoError(t, err)
	require.Len(t, projects, 1)

	_, err = Load[*Server](s, "t1", KindServer)
	assert.True(t, errors.Is(err, apperrors.ErrNotFound))
}

func TestStore_LoadSkipsCorruptFiles(t *testing.T) {
	t.Parallel()
	s := NewStore(t.TempDir())
	_, err := s.Write("t1", &Image{ID: "i1", Name: "ok"})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(s.Dir("t1", Glance), "junk.json"), []byte("{"), 0o600))

	images, err := Load[*Image](s, "t1", KindImage)
	require.NoError(t, err)
	require.Len(t, images, 1)
}

func TestStore_WriteRejectsInvalid(t *testing.T) {
	t.Parallel()
	s := NewStore(t.TempDir())
	_, err := s.Write("t1", &User{ID: "u1"})
	assert.True(t, errors.Is(err, apperrors.ErrValidation))
}

func TestStore_Content(t *testing.T) {
	t.Parallel()
	s := NewStore(t.TempDir())

	n, err := s.WriteContent("t1", Nova, "vm-1_web.img", strings.NewReader("disk bytes"))
	require.NoError(t, err)
	assert.Equal(t, int64(10), n)

	f, err := s.OpenContent("t1", Nova, "vm-1_web.img")
	require.NoError(t, err)
	defer f.Close()
	data, err := io.ReadAll(f)
	require.NoError(t, err)
	assert.Equal(t, "disk bytes", string(data))

	entries, err := os.ReadDir(s.Dir("t1", Nova))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")

	_, err = s.OpenContent("t1", Nova, "missing.img")
	assert.True(t, errors.Is(err, apperrors.ErrNotFound))
}
