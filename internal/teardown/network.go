package teardown

import (
	"context"
	"fmt"
	"slices"

	"osfleet/internal/apperrors"
	"osfleet/internal/cloud"
	"osfleet/internal/pipeline"
)

const (
	ownerRouterInterface = "network:router_interface"
	ownerRouterGateway   = "network:router_gateway"
)

// Network deletes the tenant's network resources in dependency order:
// security groups, floating ips, router interfaces on tenant subnets,
// ports, networks with their subnets, and routers. A failing step is
// reported and the remaining steps still run.
func (p *Pipeline) Network(ctx context.Context, project cloud.Project, networks cloud.Networks) *pipeline.Report {
	env := p.env
	r := pipeline.NewReport("network_teardown", project.ID)
	tenant := project.ID

	fail := func(step string, err error) {
		env.Item(ctx, r, "", step, pipeline.ItemFailed, err)
	}

	if groups, err := networks.ListSecurityGroups(ctx, tenant); err != nil {
		fail("list security groups", err)
	} else {
		deleteAll(ctx, env, r, groups,
			func(g cloud.SecurityGroup) pipeline.Item { return pipeline.Item{ID: g.ID, Name: "security group " + g.Name} },
			func(ctx context.Context, g cloud.SecurityGroup) error {
				for _, rule := range g.RuleIDs {
					if err := apperrors.IgnoreNotFound(networks.DeleteSecurityGroupRule(ctx, rule)); err != nil {
						return fmt.Errorf("delete rule %s: %w", rule, err)
					}
				}
				return networks.DeleteSecurityGroup(ctx, g.ID)
			})
	}

	if fips, err := networks.ListFloatingIPs(ctx, tenant); err != nil {
		fail("list floating ips", err)
	} else {
		deleteAll(ctx, env, r, fips,
			func(ip cloud.FloatingIP) pipeline.Item { return pipeline.Item{ID: ip.ID, Name: "floating ip " + ip.FloatingIP} },
			func(ctx context.Context, ip cloud.FloatingIP) error { return networks.DeleteFloatingIP(ctx, ip.ID) })
	}

	nets, err := networks.ListNetworks(ctx, tenant)
	if err != nil {
		fail("list networks", err)
		return r
	}
	subnets, err := networks.ListSubnets(ctx, tenant)
	if err != nil {
		fail("list subnets", err)
		return r
	}
	routers, err := networks.ListRouters(ctx, tenant)
	if err != nil {
		fail("list routers", err)
		return r
	}
	p.removeRouterInterfaces(ctx, r, networks, tenant, routers, nets, subnets)

	if ports, err := networks.ListPorts(ctx, tenant); err != nil {
		fail("list ports", err)
	} else {
		ports = slices.DeleteFunc(ports, func(port cloud.Port) bool {
			return port.DeviceOwner == ownerRouterGateway || port.DeviceOwner == ownerRouterInterface
		})
		deleteAll(ctx, env, r, ports,
			func(port cloud.Port) pipeline.Item { return pipeline.Item{ID: port.ID, Name: "port " + port.ID} },
			func(ctx context.Context, port cloud.Port) error { return networks.DeletePort(ctx, port.ID) })
	}

	deleteAll(ctx, env, r, nets,
		func(n cloud.Network) pipeline.Item { return pipeline.Item{ID: n.ID, Name: "network " + n.Name} },
		func(ctx context.Context, n cloud.Network) error {
			for _, s := range subnets {
				if s.NetworkID != n.ID {
					continue
				}
				if err := apperrors.IgnoreNotFound(networks.DeleteSubnet(ctx, s.ID)); err != nil {
					return fmt.Errorf("delete subnet %s: %w", s.ID, err)
				}
			}
			return networks.DeleteNetwork(ctx, n.ID)
		})

	deleteAll(ctx, env, r, routers,
		func(rt cloud.Router) pipeline.Item { return pipeline.Item{ID: rt.ID, Name: "router " + rt.Name} },
		func(ctx context.Context, rt cloud.Router) error { return networks.DeleteRouter(ctx, rt.ID) })
	return r
}

// removeRouterInterfaces detaches routers from the tenant's own subnets.
// Interfaces on external networks are left to the router deletion.
func (p *Pipeline) removeRouterInterfaces(ctx context.Context, r *pipeline.Report, networks cloud.Networks, tenant string, routers []cloud.Router, nets []cloud.Network, subnets []cloud.Subnet) {
	env := p.env
	external := make(map[string]bool, len(nets))
	for _, n := range nets {
		external[n.ID] = n.External
	}
	internal := make(map[string]bool, len(subnets))
	for _, s := range subnets {
		ext, known := external[s.NetworkID]
		internal[s.ID] = known && !ext
	}

	ports, err := networks.ListPorts(ctx, tenant)
	if err != nil {
		env.Item(ctx, r, "", "list ports", pipeline.ItemFailed, err)
		return
	}
	type iface struct{ router, subnet string }
	var ifaces []iface
	for _, rt := range routers {
		for _, port := range ports {
			if port.DeviceID != rt.ID {
				continue
			}
			for _, sub := range port.SubnetIDs {
				if internal[sub] {
					ifaces = append(ifaces, iface{router: rt.ID, subnet: sub})
				}
			}
		}
	}
	deleteAll(ctx, env, r, ifaces,
		func(i iface) pipeline.Item { return pipeline.Item{ID: i.router, Name: "router interface " + i.router + "/" + i.subnet} },
		func(ctx context.Context, i iface) error { return networks.RemoveRouterInterface(ctx, i.router, i.subnet) })
}
