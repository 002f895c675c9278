// Package manifest defines the persisted backup records used to rebuild
// resources on restore, and their on-disk layout.
//
// Each kind has an explicit schema listing exactly the attributes that can
// be reconstructed. Status, timestamps, and references to other live
// resources are never persisted.
package manifest

import (
	"maps"
	"slices"

	"osfleet/internal/cloud"
)

// Kind identifies a manifest schema.
type Kind string

const (
	KindProject        Kind = "project"
	KindUser           Kind = "user"
	KindRoleAssignment Kind = "role_assignment"
	KindServer         Kind = "server"
	KindImage          Kind = "image"
	KindVolume         Kind = "volume"
)

// Subsystem is a per-service directory under a tenant's backup root.
type Subsystem string

const (
	Keystone Subsystem = "keystone"
	Nova     Subsystem = "nova"
	Glance   Subsystem = "glance"
	Cinder   Subsystem = "cinder"
)

// Subsystem returns the directory entries of this kind are stored in.
func (k Kind) Subsystem() Subsystem {
	switch k {
	case KindServer:
		return Nova
	case KindImage:
		return Glance
	case KindVolume:
		return Cinder
	default:
		return Keystone
	}
}

// Entry is one persisted resource record.
type Entry interface {
	EntryKind() Kind
	EntryID() string
	// FileName is the metadata file name within the subsystem directory.
	FileName() string
}

type Project struct {
	ID          string `json:"id" validate:"required"`
	Name        string `json:"name" validate:"required"`
	Description string `json:"description,omitempty"`
	DomainID    string `json:"domain_id,omitempty"`
	Enabled     bool   `json:"enabled"`
}

func (p *Project) EntryKind() Kind  { return KindProject }
func (p *Project) EntryID() string  { return p.ID }
func (p *Project) FileName() string { return "tenant.json" }

type User struct {
	ID       string `json:"id" validate:"required"`
	Name     string `json:"name" validate:"required"`
	Email    string `json:"email,omitempty"`
	DomainID string `json:"domain_id,omitempty"`
	Enabled  bool   `json:"enabled"`
}

func (u *User) EntryKind() Kind  { return KindUser }
func (u *User) EntryID() string  { return u.ID }
func (u *User) FileName() string { return "user_" + safeName(u.Name) + ".json" }

// RoleAssignment records a role a user holds on the backed-up project.
// Roles are matched by name on restore.
type RoleAssignment struct {
	UserName string `json:"user_name" validate:"required"`
	RoleName string `json:"role_name" validate:"required"`
}

func (r *RoleAssignment) EntryKind() Kind { return KindRoleAssignment }
func (r *RoleAssignment) EntryID() string { return r.UserName + "/" + r.RoleName }
func (r *RoleAssignment) FileName() string {
	return "role_" + safeName(r.UserName) + "_" + safeName(r.RoleName) + ".json"
}

type Server struct {
	ID               string            `json:"id" validate:"required"`
	Name             string            `json:"name" validate:"required"`
	FlavorID         string            `json:"flavor_id" validate:"required"`
	ImageID          string            `json:"image_id,omitempty"`
	KeyName          string            `json:"key_name,omitempty"`
	AvailabilityZone string            `json:"availability_zone,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty"`
	SecurityGroups   []string          `json:"security_groups,omitempty"`
	// Content is the snapshot file name, set once the snapshot was saved.
	Content string `json:"content,omitempty"`
}

func (s *Server) EntryKind() Kind  { return KindServer }
func (s *Server) EntryID() string  { return s.ID }
func (s *Server) FileName() string { return "vm_" + s.ID + "_" + safeName(s.Name) + ".json" }

type Image struct {
	ID              string            `json:"id" validate:"required"`
	Name            string            `json:"name" validate:"required"`
	Visibility      string            `json:"visibility,omitempty"`
	ContainerFormat string            `json:"container_format,omitempty"`
	DiskFormat      string            `json:"disk_format,omitempty"`
	MinDisk         int               `json:"min_disk,omitempty" validate:"gte=0"`
	MinRAM          int               `json:"min_ram,omitempty" validate:"gte=0"`
	Protected       bool              `json:"protected,omitempty"`
	Tags            []string          `json:"tags,omitempty"`
	Properties      map[string]string `json:"properties,omitempty"`
	Content         string            `json:"content,omitempty"`
}

func (i *Image) EntryKind() Kind  { return KindImage }
func (i *Image) EntryID() string  { return i.ID }
func (i *Image) FileName() string { return i.ID + "_" + safeName(i.Name) + ".json" }

type Volume struct {
	ID               string            `json:"id" validate:"required"`
	Name             string            `json:"name"`
	Description      string            `json:"description,omitempty"`
	Size             int               `json:"size" validate:"gte=1"`
	AvailabilityZone string            `json:"availability_zone,omitempty"`
	VolumeType       string            `json:"volume_type,omitempty"`
	Bootable         bool              `json:"bootable,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty"`
	Content          string            `json:"content,omitempty"`
}

func (v *Volume) EntryKind() Kind  { return KindVolume }
func (v *Volume) EntryID() string  { return v.ID }
func (v *Volume) FileName() string { return "vol_" + v.ID + "_" + safeName(v.Name) + ".json" }

func FromProject(p cloud.Project) *Project {
	return &Project{ID: p.ID, Name: p.Name, Description: p.Description, DomainID: p.DomainID, Enabled: p.Enabled}
}

func FromUser(u cloud.User) *User {
	return &User{ID: u.ID, Name: u.Name, Email: u.Email, DomainID: u.DomainID, Enabled: u.Enabled}
}

func FromServer(s cloud.Server) *Server {
	return &Server{
		ID:               s.ID,
		Name:             s.Name,
		FlavorID:         s.FlavorID,
		ImageID:          s.ImageID,
		KeyName:          s.KeyName,
		AvailabilityZone: s.AvailabilityZone,
		Metadata:         maps.Clone(s.Metadata),
		SecurityGroups:   slices.Clone(s.SecurityGroups),
	}
}

func FromImage(i cloud.Image) *Image {
	return &Image{
		ID:              i.ID,
		Name:            i.Name,
		Visibility:      i.Visibility,
		ContainerFormat: i.ContainerFormat,
		DiskFormat:      i.DiskFormat,
		MinDisk:         i.MinDisk,
		MinRAM:          i.MinRAM,
		Protected:       i.Protected,
		Tags:            slices.Clone(i.Tags),
		Properties:      maps.Clone(i.Properties),
	}
}

func FromVolume(v cloud.Volume) *Volume {
	return &Volume{
		ID:               v.ID,
		Name:             v.Name,
		Description:      v.Description,
		Size:             v.Size,
		AvailabilityZone: v.AvailabilityZone,
		VolumeType:       v.VolumeType,
		Bootable:         v.Bootable,
		Metadata:         maps.Clone(v.Metadata),
	}
}
