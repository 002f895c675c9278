package cloudtest

import (
	"context"
	"slices"

	"osfleet/internal/apperrors"
	"osfleet/internal/cloud"
)

func byTenant[T any](m map[string]*T, tenantID string, tenant func(*T) string) []T {
	return sortedValues(m, func(v *T) bool { return tenantID == "" || tenant(v) == tenantID })
}

func deleteFrom[T any](f *Fake, method, kind string, m map[string]*T, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enterLocked(method, id); err != nil {
		return err
	}
	if _, ok := m[id]; !ok {
		return apperrors.NotFound(kind, id)
	}
	delete(m, id)
	return nil
}

func (f *Fake) ListNetworks(_ context.Context, tenantID string) ([]cloud.Network, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enterLocked("ListNetworks", tenantID); err != nil {
		return nil, err
	}
	return byTenant(f.networks, tenantID, func(n *cloud.Network) string { return n.TenantID }), nil
}

func (f *Fake) DeleteNetwork(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enterLocked("DeleteNetwork", id); err != nil {
		return err
	}
	if _, ok := f.networks[id]; !ok {
		return apperrors.NotFound("network", id)
	}
	for _, p := range f.ports {
		if p.NetworkID == id {
			return apperrors.Conflict("network", id, "network has ports in use")
		}
	}
	for sid, s := range f.subnets {
		if s.NetworkID == id {
			delete(f.subnets, sid)
		}
	}
	delete(f.networks, id)
	return nil
}

// Subnets and ports carry no tenant in the fake; a tenant filter keeps
// those belonging to the tenant's networks.
func (f *Fake) tenantNetworks(tenantID string) map[string]bool {
	nets := map[string]bool{}
	for id, n := range f.networks {
		if tenantID == "" || n.TenantID == tenantID {
			nets[id] = true
		}
	}
	return nets
}

func (f *Fake) ListSubnets(_ context.Context, tenantID string) ([]cloud.Subnet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enterLocked("ListSubnets", tenantID); err != nil {
		return nil, err
	}
	nets := f.tenantNetworks(tenantID)
	return sortedValues(f.subnets, func(s *cloud.Subnet) bool { return nets[s.NetworkID] }), nil
}

func (f *Fake) DeleteSubnet(_ context.Context, id string) error {
	return deleteFrom(f, "DeleteSubnet", "subnet", f.subnets, id)
}

func (f *Fake) ListPorts(_ context.Context, tenantID string) ([]cloud.Port, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enterLocked("ListPorts", tenantID); err != nil {
		return nil, err
	}
	nets := f.tenantNetworks(tenantID)
	return sortedValues(f.ports, func(p *cloud.Port) bool { return nets[p.NetworkID] }), nil
}

func (f *Fake) DeletePort(_ context.Context, id string) error {
	f.mu.Lock()
	p, ok := f.ports[id]
	if ok && p.DeviceOwner == "network:router_interface" {
		f.mu.Unlock()
		return apperrors.Conflict("port", id, "port is a router interface")
	}
	f.mu.Unlock()
	return deleteFrom(f, "DeletePort", "port", f.ports, id)
}

func (f *Fake) ListRouters(_ context.Context, tenantID string) ([]cloud.Router, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enterLocked("ListRouters", tenantID); err != nil {
		return nil, err
	}
	return byTenant(f.routers, tenantID, func(r *cloud.Router) string { return r.TenantID }), nil
}

func (f *Fake) RemoveRouterInterface(_ context.Context, routerID, subnetID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enterLocked("RemoveRouterInterface", routerID, subnetID); err != nil {
		return err
	}
	ifs := f.routerIfs[routerID]
	i := slices.Index(ifs, subnetID)
	if i < 0 {
		return apperrors.NotFound("router interface", routerID+"/"+subnetID)
	}
	f.routerIfs[routerID] = slices.Delete(ifs, i, i+1)
	for id, p := range f.ports {
		if p.DeviceID == routerID && slices.Contains(p.SubnetIDs, subnetID) {
			delete(f.ports, id)
		}
	}
	return nil
}

func (f *Fake) DeleteRouter(_ context.Context, id string) error {
	f.mu.Lock()
	if len(f.routerIfs[id]) > 0 {
		f.mu.Unlock()
		return apperrors.Conflict("router", id, "router still has interfaces")
	}
	f.mu.Unlock()
	return deleteFrom(f, "DeleteRouter", "router", f.routers, id)
}

func (f *Fake) ListFloatingIPs(_ context.Context, tenantID string) ([]cloud.FloatingIP, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enterLocked("ListFloatingIPs", tenantID); err != nil {
		return nil, err
	}
	return sortedValues(f.fips, nil), nil
}

func (f *Fake) DeleteFloatingIP(_ context.Context, id string) error {
	return deleteFrom(f, "DeleteFloatingIP", "floating ip", f.fips, id)
}

func (f *Fake) ListSecurityGroups(_ context.Context, tenantID string) ([]cloud.SecurityGroup, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enterLocked("ListSecurityGroups", tenantID); err != nil {
		return nil, err
	}
	return byTenant(f.secgroups, tenantID, func(g *cloud.SecurityGroup) string { return g.TenantID }), nil
}

func (f *Fake) DeleteSecurityGroupRule(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enterLocked("DeleteSecurityGroupRule", id); err != nil {
		return err
	}
	for _, g := range f.secgroups {
		if i := slices.Index(g.RuleIDs, id); i >= 0 {
			g.RuleIDs = slices.Delete(g.RuleIDs, i, i+1)
			return nil
		}
	}
	return apperrors.NotFound("security group rule", id)
}

func (f *Fake) DeleteSecurityGroup(_ context.Context, id string) error {
	return deleteFrom(f, "DeleteSecurityGroup", "security group", f.secgroups, id)
}
