// Package openstack implements the cloud clients on top of gophercloud.
package openstack

import (
	"context"
	"log/slog"
	"sync"

	"github.com/gophercloud/gophercloud/v2"
	"github.com/gophercloud/gophercloud/v2/openstack"

	"osfleet/internal/apperrors"
	"osfleet/internal/cloud"
	"osfleet/internal/config"
	"osfleet/pkg/circuitbreaker"
)

// Connector authenticates against Keystone and hands out clients scoped to
// a project. Scoped clients are cached for the length of the run.
type Connector struct {
	auth   config.Auth
	eo     gophercloud.EndpointOpts
	call   *caller
	logger *slog.Logger

	base     *gophercloud.ProviderClient
	identity *identityClient

	mu     sync.Mutex
	scoped map[string]*cloud.Clients
}

// New authenticates with the configured credentials. An authentication
// failure is a setup error.
func New(ctx context.Context, cfg *config.Config, metrics Recorder, logger *slog.Logger) (*Connector, error) {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Connector{
		auth:   cfg.Auth,
		eo:     gophercloud.EndpointOpts{Region: cfg.Auth.Region, Availability: gophercloud.AvailabilityPublic},
		call:   newCaller(cfg.APIRate, cfg.APIBurst, metrics),
		logger: logger.With("component", "openstack"),
		scoped: map[string]*cloud.Clients{},
	}

	base, err := c.authenticate(ctx, &gophercloud.AuthScope{
		ProjectName: cfg.Auth.ProjectName,
		DomainName:  cfg.Auth.ProjectDomainName,
	})
	if err != nil {
		return nil, err
	}
	c.base = base

	sc, err := openstack.NewIdentityV3(base, c.eo)
	if err != nil {
		return nil, apperrors.Setup("openstack.identity", err)
	}
	c.identity = &identityClient{sc: sc, call: c.call, domainID: "default"}

	c.logger.Info("Authenticated", "auth_url", cfg.Auth.URL, "project", cfg.Auth.ProjectName, "region", cfg.Auth.Region)
	return c, nil
}

// Breakers exposes the per-service breaker state for readiness reporting.
func (c *Connector) Breakers() *circuitbreaker.Registry {
	return c.call.breakers
}

// Connect returns clients acting within projectID. An empty id means the
// credentials' own project.
func (c *Connector) Connect(ctx context.Context, projectID string) (*cloud.Clients, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if clients, ok := c.scoped[projectID]; ok {
		return clients, nil
	}

	provider := c.base
	if projectID != "" {
		p, err := c.authenticate(ctx, &gophercloud.AuthScope{ProjectID: projectID})
		if err != nil {
			return nil, err
		}
		provider = p
	}

	clients, err := c.build(provider)
	if err != nil {
		return nil, err
	}
	c.scoped[projectID] = clients
	c.logger.Debug("Scoped clients ready", "project", projectID)
	return clients, nil
}

func (c *Connector) authenticate(ctx context.Context, scope *gophercloud.AuthScope) (*gophercloud.ProviderClient, error) {
	opts := gophercloud.AuthOptions{
		IdentityEndpoint: c.auth.URL,
		Username:         c.auth.Username,
		Password:         c.auth.Password,
		DomainName:       c.auth.UserDomainName,
		AllowReauth:      true,
		Scope:            scope,
	}
	provider, err := openstack.AuthenticatedClient(ctx, opts)
	if err != nil {
		target := scope.ProjectID
		if target == "" {
			target = scope.ProjectName
		}
		return nil, apperrors.Setup("openstack.authenticate "+target, err)
	}
	return provider, nil
}

func (c *Connector) build(provider *gophercloud.ProviderClient) (*cloud.Clients, error) {
	computeSC, err := openstack.NewComputeV2(provider, c.eo)
	if err != nil {
		return nil, apperrors.Setup("openstack.compute", err)
	}
	imageSC, err := openstack.NewImageV2(provider, c.eo)
	if err != nil {
		return nil, apperrors.Setup("openstack.image", err)
	}
	volumeSC, err := openstack.NewBlockStorageV3(provider, c.eo)
	if err != nil {
		return nil, apperrors.Setup("openstack.volume", err)
	}
	networkSC, err := openstack.NewNetworkV2(provider, c.eo)
	if err != nil {
		return nil, apperrors.Setup("openstack.network", err)
	}

	return &cloud.Clients{
		Identity: c.identity,
		Compute:  &computeClient{sc: computeSC, network: networkSC, call: c.call},
		Images:   &imageClient{sc: imageSC, call: c.call},
		Volumes:  &volumeClient{sc: volumeSC, call: c.call},
		Networks: &networkClient{sc: networkSC, call: c.call},
	}, nil
}

var _ cloud.Connector = (*Connector)(nil)
