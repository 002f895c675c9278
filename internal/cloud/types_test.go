package cloud

import "testing"

func TestServerSnapshotting(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		server Server
		want   bool
	}{
		{"active uploading", Server{Status: ServerActive, TaskState: TaskImageUploading}, true},
		{"active pending upload", Server{Status: ServerActive, TaskState: TaskImagePendingUpload}, true},
		{"active snapshot", Server{Status: ServerActive, TaskState: TaskImageSnapshot}, true},
		{"lowercase status", Server{Status: "active", TaskState: TaskImageSnapshot}, true},
		{"active idle", Server{Status: ServerActive}, false},
		{"shutoff uploading", Server{Status: ServerShutoff, TaskState: TaskImageUploading}, false},
	}
	for _, tt := range tests {
		if got := tt.server.Snapshotting(); got != tt.want {
			t.Errorf("%s: Snapshotting() = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestVolumeInError(t *testing.T) {
	t.Parallel()
	for status, want := range map[string]bool{
		"error":           true,
		"error_restoring": true,
		"error_deleting":  true,
		"available":       false,
		"in-use":          false,
	} {
		if got := (Volume{Status: status}).InError(); got != want {
			t.Errorf("InError(%q) = %v, want %v", status, got, want)
		}
	}
}
