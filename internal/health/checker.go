// Package health verifies the control plane before a run and answers the
// status server's liveness and readiness probes during it.
package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"osfleet/internal/apperrors"
	"osfleet/internal/cloud"
	"osfleet/internal/workerpool"
	"osfleet/pkg/circuitbreaker"
)

// Status represents the health status of a component.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusDegraded  Status = "degraded"
)

// CheckResult contains the result of a health check.
type CheckResult struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
}

// Response is the health check response.
type Response struct {
	Status Status                 `json:"status"`
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

// IsHealthy returns true if the overall status is healthy.
func (r *Response) IsHealthy() bool {
	return r.Status == StatusHealthy
}

// BreakerStats reports circuit breaker state of the remote client.
type BreakerStats interface {
	Stats() circuitbreaker.Stats
}

// Probe checks one service endpoint.
type Probe func(ctx context.Context, c *cloud.Clients) error

// Probes returns the default endpoint probes: one cheap read per service.
func Probes() map[string]Probe {
	return map[string]Probe{
		"identity": func(ctx context.Context, c *cloud.Clients) error {
			_, err := c.Identity.ListRoles(ctx)
			return err
		},
		"compute": func(ctx context.Context, c *cloud.Clients) error {
			_, err := c.Compute.ListServers(ctx, cloud.ServerFilter{})
			return err
		},
		"image": func(ctx context.Context, c *cloud.Clients) error {
			_, err := c.Images.ListImages(ctx, cloud.ImageFilter{})
			return err
		},
		"volume": func(ctx context.Context, c *cloud.Clients) error {
			_, err := c.Volumes.ListVolumes(ctx, cloud.VolumeFilter{})
			return err
		},
		"network": func(ctx context.Context, c *cloud.Clients) error {
			_, err := c.Networks.ListNetworks(ctx, "")
			return err
		},
	}
}

// Checker performs health checks on the control plane.
type Checker struct {
	connector cloud.Connector
	probes    map[string]Probe
	breakers  BreakerStats
	timeout   time.Duration
	logger    *slog.Logger

	mu           sync.RWMutex
	lastCheck    time.Time
	cachedReady  *Response
	shuttingDown bool
}

// NewChecker creates a checker probing through connector. breakers may be nil.
func NewChecker(connector cloud.Connector, breakers BreakerStats, logger *slog.Logger) *Checker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Checker{
		connector: connector,
		probes:    Probes(),
		breakers:  breakers,
		timeout:   15 * time.Second,
		logger:    logger.With("component", "health"),
	}
}

// Preflight authenticates and probes every service endpoint. Any failure
// is a setup error: orchestration must not start against a broken cloud.
func (c *Checker) Preflight(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	clients, err := c.connect(ctx)
	if err != nil {
		return apperrors.Setup("preflight", err)
	}

	results := c.runProbes(ctx, clients)
	var errs []error
	for _, name := range sortedKeys(results) {
		if r := results[name]; r.Status != StatusHealthy {
			errs = append(errs, fmt.Errorf("%s: %s", name, r.Message))
		}
	}
	if len(errs) > 0 {
		return apperrors.Setup("preflight", errors.Join(errs...))
	}
	c.logger.Info("Preflight passed", "services", len(results))
	return nil
}

// Liveness returns healthy while the process runs.
func (c *Checker) Liveness(ctx context.Context) *Response {
	return &Response{
		Status: StatusHealthy,
	}
}

// Readiness probes the control plane. Results are cached for a few seconds
// so scrapes do not add load to the cloud. Open breakers degrade the result.
func (c *Checker) Readiness(ctx context.Context) *Response {
	c.mu.RLock()
	if c.shuttingDown {
		c.mu.RUnlock()
		return &Response{
			Status: StatusUnhealthy,
			Checks: map[string]CheckResult{
				"shutdown": {Status: StatusUnhealthy, Message: "run is shutting down"},
			},
		}
	}

	if c.cachedReady != nil && time.Since(c.lastCheck) < 5*time.Second {
		cached := c.cachedReady
		c.mu.RUnlock()
		return cached
	}
	c.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var checks map[string]CheckResult
	clients, err := c.connect(ctx)
	if err != nil {
		checks = map[string]CheckResult{
			"auth": {Status: StatusUnhealthy, Message: err.Error()},
		}
	} else {
		checks = c.runProbes(ctx, clients)
		checks["auth"] = CheckResult{Status: StatusHealthy}
	}

	if c.breakers != nil {
		checks["breakers"] = breakerCheck(c.breakers.Stats())
	}

	response := &Response{Status: overall(checks), Checks: checks}

	c.mu.Lock()
	c.cachedReady = response
	c.lastCheck = time.Now()
	c.mu.Unlock()

	return response
}

// SetShuttingDown makes readiness fail from now on.
func (c *Checker) SetShuttingDown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.shuttingDown = true
	c.cachedReady = nil
}

func (c *Checker) connect(ctx context.Context) (*cloud.Clients, error) {
	if c.connector == nil {
		return nil, errors.New("cloud connector not configured")
	}
	return c.connector.Connect(ctx, "")
}

func (c *Checker) runProbes(ctx context.Context, clients *cloud.Clients) map[string]CheckResult {
	names := sortedKeys(c.probes)
	errs := workerpool.ForEach(ctx, len(names), names, func(ctx context.Context, name string) error {
		return c.probes[name](ctx, clients)
	})

	out := make(map[string]CheckResult, len(names))
	for i, name := range names {
		if errs[i] != nil {
			c.logger.Warn("Probe failed", "service", name, "error", errs[i])
			out[name] = CheckResult{Status: StatusUnhealthy, Message: errs[i].Error()}
			continue
		}
		out[name] = CheckResult{Status: StatusHealthy}
	}
	return out
}

func breakerCheck(stats circuitbreaker.Stats) CheckResult {
	if stats.Open == 0 {
		return CheckResult{Status: StatusHealthy}
	}
	return CheckResult{
		Status:  StatusDegraded,
		Message: "open: " + strings.Join(stats.OpenKeys, ","),
	}
}

func overall(checks map[string]CheckResult) Status {
	status := StatusHealthy
	for _, r := range checks {
		switch r.Status {
		case StatusUnhealthy:
			return StatusUnhealthy
		case StatusDegraded:
			status = StatusDegraded
		}
	}
	return status
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
