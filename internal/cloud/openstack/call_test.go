package openstack

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gophercloud/gophercloud/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"osfleet/internal/apperrors"
	"osfleet/pkg/circuitbreaker"
)

type apiCalls struct {
	mu       sync.Mutex
	outcomes []string
}

func (r *apiCalls) RecordAPICall(_ context.Context, service, outcome string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, service+":"+outcome)
}

func statusErr(code int) error {
	return gophercloud.ErrUnexpectedResponseCode{Actual: code}
}

func TestClassify(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"not found status", statusErr(404), apperrors.ErrNotFound},
		{"conflict status", statusErr(409), apperrors.ErrConflict},
		{"server error", statusErr(503), apperrors.ErrUnavailable},
		{"resource not found", gophercloud.ErrResourceNotFound{Name: "web"}, apperrors.ErrNotFound},
		{"transport failure", errors.New("connection refused"), apperrors.ErrUnavailable},
		{"canceled passes through", context.Canceled, context.Canceled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := classify("compute.getServer", "server", "srv-1", tt.err)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	assert.NoError(t, classify("op", "server", "srv-1", nil))

	already := apperrors.Conflict("volume", "vol-1", "attached")
	assert.Same(t, already, classify("op", "volume", "vol-1", already))
}

func TestCaller_RecordsOutcome(t *testing.T) {
	t.Parallel()
	rec := &apiCalls{}
	c := newCaller(1000, 10, rec)

	require.NoError(t, c.do(context.Background(), svcCompute, "getServer", "server", "a", func(context.Context) error { return nil }))
	err := c.do(context.Background(), svcImage, "getImage", "image", "b", func(context.Context) error { return statusErr(404) })
	require.ErrorIs(t, err, apperrors.ErrNotFound)

	assert.Equal(t, []string{"compute:ok", "image:" + apperrors.Kind(err)}, rec.outcomes)
}

func TestCaller_BreakerOpensOnUnavailable(t *testing.T) {
	t.Parallel()
	c := newCaller(1000, 10, nil)
	ctx := context.Background()

	// Not-found answers come from a healthy service and never trip it.
	for range 10 {
		_ = c.do(ctx, svcVolume, "getVolume", "volume", "v", func(context.Context) error { return statusErr(404) })
	}
	assert.Equal(t, circuitbreaker.Closed, c.breakers.Get(svcVolume).State())

	for range 5 {
		_ = c.do(ctx, svcVolume, "getVolume", "volume", "v", func(context.Context) error { return statusErr(502) })
	}
	assert.Equal(t, circuitbreaker.Open, c.breakers.Get(svcVolume).State())

	called := false
	err := c.do(ctx, svcVolume, "getVolume", "volume", "v", func(context.Context) error {
		called = true
		return nil
	})
	assert.False(t, called)
	assert.ErrorIs(t, err, apperrors.ErrUnavailable)

	// Other services keep their own breaker.
	assert.NoError(t, c.do(ctx, svcCompute, "getServer", "server", "s", func(context.Context) error { return nil }))
}

func TestCaller_LimiterHonoursContext(t *testing.T) {
	t.Parallel()
	c := newCaller(0.001, 1, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	require.NoError(t, c.do(ctx, svcNetwork, "listPorts", "port", "", func(context.Context) error { return nil }))

	called := false
	err := c.do(ctx, svcNetwork, "listPorts", "port", "", func(context.Context) error {
		called = true
		return nil
	})
	assert.Error(t, err)
	assert.False(t, called)
}

func TestFetch(t *testing.T) {
	t.Parallel()
	c := newCaller(1000, 10, nil)

	v, err := fetch(context.Background(), c, svcImage, "getImage", "image", "i", func(context.Context) (int, error) { return 42, nil })
	require.NoError(t, err)
	assert.Equal(t, 42, v)

	v, err = fetch(context.Background(), c, svcImage, "getImage", "image", "i", func(context.Context) (int, error) { return 7, statusErr(404) })
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
	assert.Zero(t, v)
}
