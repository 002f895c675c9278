package openstack

import (
	"context"

	"github.com/gophercloud/gophercloud/v2"
	"github.com/gophercloud/gophercloud/v2/openstack/networking/v2/extensions/external"
	"github.com/gophercloud/gophercloud/v2/openstack/networking/v2/extensions/layer3/floatingips"
	"github.com/gophercloud/gophercloud/v2/openstack/networking/v2/extensions/layer3/routers"
	"github.com/gophercloud/gophercloud/v2/openstack/networking/v2/extensions/security/groups"
	"github.com/gophercloud/gophercloud/v2/openstack/networking/v2/extensions/security/rules"
	"github.com/gophercloud/gophercloud/v2/openstack/networking/v2/networks"
	"github.com/gophercloud/gophercloud/v2/openstack/networking/v2/ports"
	"github.com/gophercloud/gophercloud/v2/openstack/networking/v2/subnets"

	"osfleet/internal/cloud"
)

type networkClient struct {
	sc   *gophercloud.ServiceClient
	call *caller
}

type networkWithExternal struct {
	networks.Network
	external.NetworkExternalExt
}

func (c *networkClient) ListNetworks(ctx context.Context, tenantID string) ([]cloud.Network, error) {
	list, err := fetch(ctx, c.call, svcNetwork, "listNetworks", "network", tenantID, func(ctx context.Context) ([]networkWithExternal, error) {
		pages, err := networks.List(c.sc, networks.ListOpts{TenantID: tenantID}).AllPages(ctx)
		if err != nil {
			return nil, err
		}
		var out []networkWithExternal
		err = networks.ExtractNetworksInto(pages, &out)
		return out, err
	})
	if err != nil {
		return nil, err
	}
	out := make([]cloud.Network, 0, len(list))
	for _, n := range list {
		out = append(out, cloud.Network{
			ID:       n.ID,
			Name:     n.Name,
			TenantID: n.TenantID,
			External: n.External,
			Subnets:  n.Subnets,
		})
	}
	return out, nil
}

func (c *networkClient) DeleteNetwork(ctx context.Context, id string) error {
	return c.call.do(ctx, svcNetwork, "deleteNetwork", "network", id, func(ctx context.Context) error {
		return networks.Delete(ctx, c.sc, id).ExtractErr()
	})
}

func (c *networkClient) ListSubnets(ctx context.Context, tenantID string) ([]cloud.Subnet, error) {
	list, err := fetch(ctx, c.call, svcNetwork, "listSubnets", "subnet", tenantID, func(ctx context.Context) ([]subnets.Subnet, error) {
		pages, err := subnets.List(c.sc, subnets.ListOpts{TenantID: tenantID}).AllPages(ctx)
		if err != nil {
			return nil, err
		}
		return subnets.ExtractSubnets(pages)
	})
	if err != nil {
		return nil, err
	}
	out := make([]cloud.Subnet, 0, len(list))
	for _, s := range list {
		out = append(out, cloud.Subnet{ID: s.ID, Name: s.Name, NetworkID: s.NetworkID, CIDR: s.CIDR})
	}
	return out, nil
}

func (c *networkClient) DeleteSubnet(ctx context.Context, id string) error {
	return c.call.do(ctx, svcNetwork, "deleteSubnet", "subnet", id, func(ctx context.Context) error {
		return subnets.Delete(ctx, c.sc, id).ExtractErr()
	})
}

func (c *networkClient) ListPorts(ctx context.Context, tenantID string) ([]cloud.Port, error) {
	list, err := fetch(ctx, c.call, svcNetwork, "listPorts", "port", tenantID, func(ctx context.Context) ([]ports.Port, error) {
		pages, err := ports.List(c.sc, ports.ListOpts{TenantID: tenantID}).AllPages(ctx)
		if err != nil {
			return nil, err
		}
		return ports.ExtractPorts(pages)
	})
	if err != nil {
		return nil, err
	}
	out := make([]cloud.Port, 0, len(list))
	for _, p := range list {
		port := cloud.Port{ID: p.ID, NetworkID: p.NetworkID, DeviceID: p.DeviceID, DeviceOwner: p.DeviceOwner}
		for _, ip := range p.FixedIPs {
			port.SubnetIDs = append(port.SubnetIDs, ip.SubnetID)
		}
		out = append(out, port)
	}
	return out, nil
}

func (c *networkClient) DeletePort(ctx context.Context, id string) error {
	return c.call.do(ctx, svcNetwork, "deletePort", "port", id, func(ctx context.Context) error {
		return ports.Delete(ctx, c.sc, id).ExtractErr()
	})
}

func (c *networkClient) ListRouters(ctx context.Context, tenantID string) ([]cloud.Router, error) {
	list, err := fetch(ctx, c.call, svcNetwork, "listRouters", "router", tenantID, func(ctx context.Context) ([]routers.Router, error) {
		pages, err := routers.List(c.sc, routers.ListOpts{TenantID: tenantID}).AllPages(ctx)
		if err != nil {
			return nil, err
		}
		return routers.ExtractRouters(pages)
	})
	if err != nil {
		return nil, err
	}
	out := make([]cloud.Router, 0, len(list))
	for _, r := range list {
		out = append(out, cloud.Router{
			ID:               r.ID,
			Name:             r.Name,
			TenantID:         r.TenantID,
			GatewayNetworkID: r.GatewayInfo.NetworkID,
		})
	}
	return out, nil
}

func (c *networkClient) RemoveRouterInterface(ctx context.Context, routerID, subnetID string) error {
	return c.call.do(ctx, svcNetwork, "removeRouterInterface", "router", routerID, func(ctx context.Context) error {
		_, err := routers.RemoveInterface(ctx, c.sc, routerID, routers.RemoveInterfaceOpts{SubnetID: subnetID}).Extract()
		return err
	})
}

func (c *networkClient) DeleteRouter(ctx context.Context, id string) error {
	return c.call.do(ctx, svcNetwork, "deleteRouter", "router", id, func(ctx context.Context) error {
		return routers.Delete(ctx, c.sc, id).ExtractErr()
	})
}

func (c *networkClient) ListFloatingIPs(ctx context.Context, tenantID string) ([]cloud.FloatingIP, error) {
	list, err := fetch(ctx, c.call, svcNetwork, "listFloatingIPs", "floatingip", tenantID, func(ctx context.Context) ([]floatingips.FloatingIP, error) {
		pages, err := floatingips.List(c.sc, floatingips.ListOpts{TenantID: tenantID}).AllPages(ctx)
		if err != nil {
			return nil, err
		}
		return floatingips.ExtractFloatingIPs(pages)
	})
	if err != nil {
		return nil, err
	}
	out := make([]cloud.FloatingIP, 0, len(list))
	for _, f := range list {
		out = append(out, cloud.FloatingIP{ID: f.ID, FloatingIP: f.FloatingIP, PortID: f.PortID})
	}
	return out, nil
}

func (c *networkClient) DeleteFloatingIP(ctx context.Context, id string) error {
	return c.call.do(ctx, svcNetwork, "deleteFloatingIP", "floatingip", id, func(ctx context.Context) error {
		return floatingips.Delete(ctx, c.sc, id).ExtractErr()
	})
}

func (c *networkClient) ListSecurityGroups(ctx context.Context, tenantID string) ([]cloud.SecurityGroup, error) {
	list, err := fetch(ctx, c.call, svcNetwork, "listSecurityGroups", "security_group", tenantID, func(ctx context.Context) ([]groups.SecGroup, error) {
		pages, err := groups.List(c.sc, groups.ListOpts{TenantID: tenantID}).AllPages(ctx)
		if err != nil {
			return nil, err
		}
		return groups.ExtractGroups(pages)
	})
	if err != nil {
		return nil, err
	}
	out := make([]cloud.SecurityGroup, 0, len(list))
	for _, g := range list {
		sg := cloud.SecurityGroup{ID: g.ID, Name: g.Name, TenantID: g.TenantID}
		for _, r := range g.Rules {
			sg.RuleIDs = append(sg.RuleIDs, r.ID)
		}
		out = append(out, sg)
	}
	return out, nil
}

func (c *networkClient) DeleteSecurityGroupRule(ctx context.Context, id string) error {
	return c.call.do(ctx, svcNetwork, "deleteSecurityGroupRule", "security_group_rule", id, func(ctx context.Context) error {
		return rules.Delete(ctx, c.sc, id).ExtractErr()
	})
}

func (c *networkClient) DeleteSecurityGroup(ctx context.Context, id string) error {
	return c.call.do(ctx, svcNetwork, "deleteSecurityGroup", "security_group", id, func(ctx context.Context) error {
		return groups.Delete(ctx, c.sc, id).ExtractErr()
	})
}

var _ cloud.Networks = (*networkClient)(nil)
