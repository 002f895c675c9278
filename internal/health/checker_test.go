package health

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"osfleet/internal/apperrors"
	"osfleet/internal/cloud/cloudtest"
	"osfleet/pkg/circuitbreaker"
)

type fakeBreakers struct{ stats circuitbreaker.Stats }

func (f fakeBreakers) Stats() circuitbreaker.Stats { return f.stats }

func TestChecker_Liveness(t *testing.T) {
	t.Parallel()
	checker := NewChecker(nil, nil, nil)

	response := checker.Liveness(context.Background())

	if response.Status != StatusHealthy {
		t.Errorf("Expected healthy status, got %s", response.Status)
	}
}

func TestChecker_Preflight(t *testing.T) {
	t.Parallel()
	fake := cloudtest.New()
	checker := NewChecker(fake, nil, nil)

	require.NoError(t, checker.Preflight(context.Background()))
	for _, method := range []string{"ListRoles", "ListServers", "ListImages", "ListVolumes", "ListNetworks"} {
		assert.Equal(t, 1, fake.CallCount(method), method)
	}
}

func TestChecker_PreflightFailures(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		method  string
		message string
	}{
		{"auth", "Connect", "preflight"},
		{"endpoint", "ListVolumes", "volume"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			fake := cloudtest.New()
			fake.FailOn(tt.method, "", apperrors.Unavailable(tt.method, "cloud"))

			err := NewChecker(fake, nil, nil).Preflight(context.Background())
			require.ErrorIs(t, err, apperrors.ErrSetup)
			assert.Contains(t, err.Error(), tt.message)
			assert.Equal(t, 1, apperrors.ExitCode(err))
		})
	}
}

func TestChecker_Readiness_NoConnector(t *testing.T) {
	t.Parallel()
	checker := NewChecker(nil, nil, nil)

	response := checker.Readiness(context.Background())

	require.Equal(t, StatusUnhealthy, response.Status)
	assert.Equal(t, StatusUnhealthy, response.Checks["auth"].Status)
}

func TestChecker_Readiness(t *testing.T) {
	t.Parallel()
	fake := cloudtest.New()
	checker := NewChecker(fake, fakeBreakers{}, nil)

	response := checker.Readiness(context.Background())
	require.True(t, response.IsHealthy())
	assert.Contains(t, response.Checks, "compute")
	assert.Contains(t, response.Checks, "breakers")

	// Cached
	_ = checker.Readiness(context.Background())
	assert.Equal(t, 1, fake.CallCount("ListServers"))
}

func TestChecker_Readiness_DegradedByOpenBreaker(t *testing.T) {
	t.Parallel()
	breakers := fakeBreakers{circuitbreaker.Stats{Total: 2, Open: 1, OpenKeys: []string{"volume"}}}
	checker := NewChecker(cloudtest.New(), breakers, nil)

	response := checker.Readiness(context.Background())
	assert.Equal(t, StatusDegraded, response.Status)
	assert.Equal(t, "open: volume", response.Checks["breakers"].Message)
}

func TestChecker_SetShuttingDown(t *testing.T) {
	t.Parallel()
	checker := NewChecker(cloudtest.New(), nil, nil)
	require.True(t, checker.Readiness(context.Background()).IsHealthy())

	checker.SetShuttingDown()

	response := checker.Readiness(context.Background())
	assert.Equal(t, StatusUnhealthy, response.Status)
	assert.Contains(t, response.Checks, "shutdown")
}

func TestResponse_IsHealthy(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		status   Status
		expected bool
	}{
		{"healthy", StatusHealthy, true},
		{"unhealthy", StatusUnhealthy, false},
		{"degraded", StatusDegraded, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			response := &Response{Status: tt.status}
			if response.IsHealthy() != tt.expected {
				t.Errorf("IsHealthy() = %v, want %v", response.IsHealthy(), tt.expected)
			}
		})
	}
}
