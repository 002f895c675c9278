package cloud

import (
	"context"
	"io"
)

// ServerFilter selects servers to list. Zero values match everything the
// caller's scope can see.
type ServerFilter struct {
	TenantID   string
	Host       string
	AllTenants bool
}

type VolumeFilter struct {
	TenantID   string
	AllTenants bool
}

type ImageFilter struct {
	Owner string
}

type ProjectSpec struct {
	Name        string
	Description string
	DomainID    string
	Enabled     bool
}

type UserSpec struct {
	Name             string
	Email            string
	Password         string
	DomainID         string
	DefaultProjectID string
	Enabled          bool
}

type ServerSpec struct {
	Name             string
	FlavorID         string
	ImageID          string
	KeyName          string
	AvailabilityZone string
	Metadata         map[string]string
	SecurityGroups   []string
	Networks         []string
}

type VolumeSpec struct {
	Name             string
	Description      string
	Size             int
	VolumeType       string
	AvailabilityZone string
	ImageID          string
	Metadata         map[string]string
}

type ImageSpec struct {
	Name            string
	ContainerFormat string
	DiskFormat      string
	Visibility      string
	MinDisk         int
	MinRAM          int
	Protected       bool
	Tags            []string
	Properties      map[string]string
}

// Identity manages projects, users, and role assignments.
type Identity interface {
	// GetProject resolves a project by id or, failing that, by name.
	GetProject(ctx context.Context, idOrName string) (*Project, error)
	ListProjects(ctx context.Context) ([]Project, error)
	CreateProject(ctx context.Context, spec ProjectSpec) (*Project, error)
	DeleteProject(ctx context.Context, id string) error

	FindUser(ctx context.Context, name string) (*User, error)
	GetUser(ctx context.Context, id string) (*User, error)
	CreateUser(ctx context.Context, spec UserSpec) (*User, error)
	DeleteUser(ctx context.Context, id string) error

	ListRoles(ctx context.Context) ([]Role, error)
	ListRoleAssignments(ctx context.Context, projectID string) ([]RoleAssignment, error)
	AssignRole(ctx context.Context, projectID, userID, roleID string) error
}

// Compute manages servers and their volume attachments.
type Compute interface {
	ListServers(ctx context.Context, f ServerFilter) ([]Server, error)
	GetServer(ctx context.Context, id string) (*Server, error)
	CreateServer(ctx context.Context, spec ServerSpec) (*Server, error)
	DeleteServer(ctx context.Context, id string) error

	StartServer(ctx context.Context, id string) error
	StopServer(ctx context.Context, id string) error
	LockServer(ctx context.Context, id string) error
	UnlockServer(ctx context.Context, id string) error
	// ResetState forces the server status, e.g. to "active".
	ResetState(ctx context.Context, id, state string) error

	// SnapshotServer starts an image snapshot of the server and returns the
	// image id.
	SnapshotServer(ctx context.Context, serverID, name string) (string, error)
	Migrate(ctx context.Context, id string) error
	LiveMigrate(ctx context.Context, id string, blockMigration bool) error
	ConfirmResize(ctx context.Context, id string) error

	AttachVolume(ctx context.Context, serverID, volumeID, device string) (*Attachment, error)
	DetachVolume(ctx context.Context, serverID, volumeID string) error
}

// Images manages images and their content.
type Images interface {
	ListImages(ctx context.Context, f ImageFilter) ([]Image, error)
	GetImage(ctx context.Context, id string) (*Image, error)
	CreateImage(ctx context.Context, spec ImageSpec) (*Image, error)
	Upload(ctx context.Context, id string, r io.Reader) error
	Download(ctx context.Context, id string) (io.ReadCloser, error)
	DeleteImage(ctx context.Context, id string) error
}

// Volumes manages block volumes and volume backups.
type Volumes interface {
	ListVolumes(ctx context.Context, f VolumeFilter) ([]Volume, error)
	GetVolume(ctx context.Context, id string) (*Volume, error)
	CreateVolume(ctx context.Context, spec VolumeSpec) (*Volume, error)
	DeleteVolume(ctx context.Context, id string) error
	// UploadToImage starts copying the volume into a new raw image and
	// returns the image id.
	UploadToImage(ctx context.Context, volumeID, imageName string) (string, error)

	CreateBackup(ctx context.Context, volumeID, name string) (*Backup, error)
	GetBackup(ctx context.Context, id string) (*Backup, error)
}

// Networks manages a tenant's network resources.
type Networks interface {
	ListNetworks(ctx context.Context, tenantID string) ([]Network, error)
	DeleteNetwork(ctx context.Context, id string) error
	ListSubnets(ctx context.Context, tenantID string) ([]Subnet, error)
	DeleteSubnet(ctx context.Context, id string) error
	ListPorts(ctx context.Context, tenantID string) ([]Port, error)
	DeletePort(ctx context.Context, id string) error
	ListRouters(ctx context.Context, tenantID string) ([]Router, error)
	RemoveRouterInterface(ctx context.Context, routerID, subnetID string) error
	DeleteRouter(ctx context.Context, id string) error
	ListFloatingIPs(ctx context.Context, tenantID string) ([]FloatingIP, error)
	DeleteFloatingIP(ctx context.Context, id string) error
	ListSecurityGroups(ctx context.Context, tenantID string) ([]SecurityGroup, error)
	DeleteSecurityGroupRule(ctx context.Context, id string) error
	DeleteSecurityGroup(ctx context.Context, id string) error
}

// Clients bundles the service clients for one project scope.
type Clients struct {
	Identity Identity
	Compute  Compute
	Images   Images
	Volumes  Volumes
	Networks Networks
}

// Connector authenticates and returns clients scoped to a project. An
// empty project id means the credentials' own project.
type Connector interface {
	Connect(ctx context.Context, projectID string) (*Clients, error)
}
