// Package cloud defines the boundary to the cloud control plane: typed,
// point-in-time snapshots of remote resources and the per-service clients
// that fetch and mutate them.
//
// Snapshots are never cached. Every status check re-reads the resource.
package cloud

import "strings"

// Server statuses.
const (
	ServerActive       = "ACTIVE"
	ServerShutoff      = "SHUTOFF"
	ServerError        = "ERROR"
	ServerBuild        = "BUILD"
	ServerMigrating    = "MIGRATING"
	ServerResize       = "RESIZE"
	ServerVerifyResize = "VERIFY_RESIZE"
	ServerDeleted      = "DELETED"
)

// Server task states that mark an in-progress snapshot.
const (
	TaskImageSnapshot      = "image_snapshot"
	TaskImagePendingUpload = "image_pending_upload"
	TaskImageUploading     = "image_uploading"
)

// Volume statuses.
const (
	VolumeAvailable = "available"
	VolumeInUse     = "in-use"
	VolumeCreating  = "creating"
	VolumeError     = "error"
	VolumeDetaching = "detaching"
	VolumeUploading = "uploading"
)

// Image statuses.
const (
	ImageQueued  = "queued"
	ImageSaving  = "saving"
	ImageActive  = "active"
	ImageKilled  = "killed"
	ImageDeleted = "deleted"
)

// Backup statuses.
const (
	BackupCreating  = "creating"
	BackupAvailable = "available"
	BackupError     = "error"
)

type Project struct {
	ID          string
	Name        string
	Description string
	DomainID    string
	Enabled     bool
}

type User struct {
	ID               string
	Name             string
	Email            string
	DomainID         string
	DefaultProjectID string
	Enabled          bool
}

type Role struct {
	ID   string
	Name string
}

type RoleAssignment struct {
	UserID    string
	ProjectID string
	RoleID    string
}

type Server struct {
	ID               string
	Name             string
	Status           string
	TaskState        string
	PowerState       int
	Host             string
	TenantID         string
	FlavorID         string
	ImageID          string
	KeyName          string
	AvailabilityZone string
	Metadata         map[string]string
	SecurityGroups   []string
	Networks         []string
}

// Snapshotting reports whether the server is active with a stuck or running
// snapshot task.
func (s Server) Snapshotting() bool {
	if !strings.EqualFold(s.Status, ServerActive) {
		return false
	}
	switch s.TaskState {
	case TaskImageSnapshot, TaskImagePendingUpload, TaskImageUploading:
		return true
	}
	return false
}

// Attachment records where a volume is attached.
type Attachment struct {
	VolumeID     string
	ServerID     string
	Device       string
	AttachmentID string
}

type Volume struct {
	ID               string
	Name             string
	Description      string
	Status           string
	Size             int
	AvailabilityZone string
	VolumeType       string
	Bootable         bool
	TenantID         string
	Metadata         map[string]string
	Attachments      []Attachment
}

// InError reports whether the volume is in any error state
// (error, error_restoring, error_extending, error_deleting).
func (v Volume) InError() bool {
	return strings.HasPrefix(v.Status, VolumeError)
}

type Image struct {
	ID              string
	Name            string
	Status          string
	Owner           string
	Visibility      string
	ContainerFormat string
	DiskFormat      string
	MinDisk         int
	MinRAM          int
	Protected       bool
	Size            int64
	Tags            []string
	Properties      map[string]string
}

type Backup struct {
	ID       string
	Name     string
	VolumeID string
	Status   string
	Size     int
}

type Network struct {
	ID       string
	Name     string
	TenantID string
	External bool
	Subnets  []string
}

type Subnet struct {
	ID        string
	Name      string
	NetworkID string
	CIDR      string
}

type Port struct {
	ID          string
	NetworkID   string
	DeviceID    string
	DeviceOwner string
	SubnetIDs   []string
}

type Router struct {
	ID               string
	Name             string
	TenantID         string
	GatewayNetworkID string
}

type FloatingIP struct {
	ID         string
	FloatingIP string
	PortID     string
}

type SecurityGroup struct {
	ID       string
	Name     string
	TenantID string
	RuleIDs  []string
}
