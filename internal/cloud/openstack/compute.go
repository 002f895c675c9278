package openstack

import (
	"context"
	"fmt"
	"slices"

	"github.com/gophercloud/gophercloud/v2"
	"github.com/gophercloud/gophercloud/v2/openstack/compute/v2/keypairs"
	"github.com/gophercloud/gophercloud/v2/openstack/compute/v2/servers"
	"github.com/gophercloud/gophercloud/v2/openstack/compute/v2/volumeattach"
	"github.com/gophercloud/gophercloud/v2/openstack/networking/v2/networks"

	"osfleet/internal/cloud"
)

type computeClient struct {
	sc      *gophercloud.ServiceClient
	network *gophercloud.ServiceClient
	call    *caller
}

func toServer(s servers.Server) cloud.Server {
	out := cloud.Server{
		ID:               s.ID,
		Name:             s.Name,
		Status:           s.Status,
		TaskState:        s.TaskState,
		PowerState:       int(s.PowerState),
		Host:             s.Host,
		TenantID:         s.TenantID,
		KeyName:          s.KeyName,
		AvailabilityZone: s.AvailabilityZone,
		Metadata:         s.Metadata,
	}
	out.FlavorID, _ = s.Flavor["id"].(string)
	// Servers booted from a volume report image as an empty string.
	out.ImageID, _ = s.Image["id"].(string)
	for _, sg := range s.SecurityGroups {
		if name, ok := sg["name"].(string); ok && !slices.Contains(out.SecurityGroups, name) {
			out.SecurityGroups = append(out.SecurityGroups, name)
		}
	}
	for name := range s.Addresses {
		out.Networks = append(out.Networks, name)
	}
	slices.Sort(out.Networks)
	return out
}

func (c *computeClient) ListServers(ctx context.Context, f cloud.ServerFilter) ([]cloud.Server, error) {
	opts := servers.ListOpts{
		TenantID:   f.TenantID,
		Host:       f.Host,
		AllTenants: f.AllTenants || f.TenantID != "" || f.Host != "",
	}
	list, err := fetch(ctx, c.call, svcCompute, "listServers", "server", f.TenantID+f.Host, func(ctx context.Context) ([]servers.Server, error) {
		pages, err := servers.List(c.sc, opts).AllPages(ctx)
		if err != nil {
			return nil, err
		}
		return servers.ExtractServers(pages)
	})
	if err != nil {
		return nil, err
	}
	out := make([]cloud.Server, 0, len(list))
	for _, s := range list {
		out = append(out, toServer(s))
	}
	return out, nil
}

func (c *computeClient) GetServer(ctx context.Context, id string) (*cloud.Server, error) {
	s, err := fetch(ctx, c.call, svcCompute, "getServer", "server", id, func(ctx context.Context) (*servers.Server, error) {
		return servers.Get(ctx, c.sc, id).Extract()
	})
	if err != nil {
		return nil, err
	}
	out := toServer(*s)
	return &out, nil
}

// CreateServer boots a server. Networks are given by name and resolved
// within the caller's project; names that no longer exist are skipped.
func (c *computeClient) CreateServer(ctx context.Context, spec cloud.ServerSpec) (*cloud.Server, error) {
	nets, err := c.resolveNetworks(ctx, spec.Networks)
	if err != nil {
		return nil, err
	}

	var opts servers.CreateOptsBuilder = servers.CreateOpts{
		Name:             spec.Name,
		ImageRef:         spec.ImageID,
		FlavorRef:        spec.FlavorID,
		AvailabilityZone: spec.AvailabilityZone,
		Metadata:         spec.Metadata,
		SecurityGroups:   spec.SecurityGroups,
		Networks:         nets,
	}
	if spec.KeyName != "" {
		opts = keypairs.CreateOptsExt{CreateOptsBuilder: opts, KeyName: spec.KeyName}
	}

	s, err := fetch(ctx, c.call, svcCompute, "createServer", "server", spec.Name, func(ctx context.Context) (*servers.Server, error) {
		return servers.Create(ctx, c.sc, opts, nil).Extract()
	})
	if err != nil {
		return nil, err
	}
	out := toServer(*s)
	return &out, nil
}

func (c *computeClient) resolveNetworks(ctx context.Context, names []string) ([]servers.Network, error) {
	var out []servers.Network
	for _, name := range names {
		list, err := fetch(ctx, c.call, svcNetwork, "listNetworks", "network", name, func(ctx context.Context) ([]networks.Network, error) {
			pages, err := networks.List(c.network, networks.ListOpts{Name: name}).AllPages(ctx)
			if err != nil {
				return nil, err
			}
			return networks.ExtractNetworks(pages)
		})
		if err != nil {
			return nil, err
		}
		if len(list) > 0 {
			out = append(out, servers.Network{UUID: list[0].ID})
		}
	}
	return out, nil
}

func (c *computeClient) DeleteServer(ctx context.Context, id string) error {
	return c.call.do(ctx, svcCompute, "deleteServer", "server", id, func(ctx context.Context) error {
		return servers.Delete(ctx, c.sc, id).ExtractErr()
	})
}

func (c *computeClient) StartServer(ctx context.Context, id string) error {
	return c.call.do(ctx, svcCompute, "startServer", "server", id, func(ctx context.Context) error {
		return servers.Start(ctx, c.sc, id).ExtractErr()
	})
}

func (c *computeClient) StopServer(ctx context.Context, id string) error {
	return c.call.do(ctx, svcCompute, "stopServer", "server", id, func(ctx context.Context) error {
		return servers.Stop(ctx, c.sc, id).ExtractErr()
	})
}

func (c *computeClient) LockServer(ctx context.Context, id string) error {
	return c.call.do(ctx, svcCompute, "lockServer", "server", id, func(ctx context.Context) error {
		return servers.Lock(ctx, c.sc, id).ExtractErr()
	})
}

func (c *computeClient) UnlockServer(ctx context.Context, id string) error {
	return c.call.do(ctx, svcCompute, "unlockServer", "server", id, func(ctx context.Context) error {
		return servers.Unlock(ctx, c.sc, id).ExtractErr()
	})
}

func (c *computeClient) ResetState(ctx context.Context, id, state string) error {
	return c.call.do(ctx, svcCompute, "resetState", "server", id, func(ctx context.Context) error {
		return servers.ResetState(ctx, c.sc, id, servers.ServerState(state)).ExtractErr()
	})
}

func (c *computeClient) SnapshotServer(ctx context.Context, serverID, name string) (string, error) {
	return fetch(ctx, c.call, svcCompute, "createImage", "server", serverID, func(ctx context.Context) (string, error) {
		return servers.CreateImage(ctx, c.sc, serverID, servers.CreateImageOpts{Name: name}).ExtractImageID()
	})
}

func (c *computeClient) Migrate(ctx context.Context, id string) error {
	return c.call.do(ctx, svcCompute, "migrate", "server", id, func(ctx context.Context) error {
		return servers.Migrate(ctx, c.sc, id).ExtractErr()
	})
}

func (c *computeClient) LiveMigrate(ctx context.Context, id string, blockMigration bool) error {
	return c.call.do(ctx, svcCompute, "liveMigrate", "server", id, func(ctx context.Context) error {
		return servers.LiveMigrate(ctx, c.sc, id, servers.LiveMigrateOpts{
			BlockMigration: &blockMigration,
		}).ExtractErr()
	})
}

func (c *computeClient) ConfirmResize(ctx context.Context, id string) error {
	return c.call.do(ctx, svcCompute, "confirmResize", "server", id, func(ctx context.Context) error {
		return servers.ConfirmResize(ctx, c.sc, id).ExtractErr()
	})
}

func (c *computeClient) AttachVolume(ctx context.Context, serverID, volumeID, device string) (*cloud.Attachment, error) {
	a, err := fetch(ctx, c.call, svcCompute, "attachVolume", "volume", volumeID, func(ctx context.Context) (*volumeattach.VolumeAttachment, error) {
		return volumeattach.Create(ctx, c.sc, serverID, volumeattach.CreateOpts{
			Device:   device,
			VolumeID: volumeID,
		}).Extract()
	})
	if err != nil {
		return nil, err
	}
	return &cloud.Attachment{
		VolumeID:     a.VolumeID,
		ServerID:     a.ServerID,
		Device:       a.Device,
		AttachmentID: a.ID,
	}, nil
}

// DetachVolume removes the attachment; nova keys attachments by volume id.
func (c *computeClient) DetachVolume(ctx context.Context, serverID, volumeID string) error {
	return c.call.do(ctx, svcCompute, "detachVolume", "volume", fmt.Sprintf("%s@%s", volumeID, serverID), func(ctx context.Context) error {
		return volumeattach.Delete(ctx, c.sc, serverID, volumeID).ExtractErr()
	})
}

var _ cloud.Compute = (*computeClient)(nil)
