package service

import (
	"context"
	stderrors "errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Peleke/MindMirror-sub002/healthcheck"
	"github.com/Peleke/MindMirror-sub002/metric"
	"github.com/Peleke/MindMirror-sub002/testutil"
)

func TestBaseServiceLifecycle(t *testing.T) {
	s := NewBaseService("test-service", WithHealthInterval(0))
	assert.Equal(t, "test-service", s.Name())
	assert.Equal(t, StatusStopped, s.Status())

	require.NoError(t, s.Start(context.Background()))
	assert.Equal(t, StatusRunning, s.Status())

	// Starting twice is a no-op.
	require.NoError(t, s.Start(context.Background()))

	require.NoError(t, s.Stop(time.Second))
	assert.Equal(t, StatusStopped, s.Status())
	assert.False(t, s.IsHealthy())

	// Stopping twice is a no-op.
	require.NoError(t, s.Stop(time.Second))
}

func TestBaseServiceHealthCheck(t *testing.T) {
	var fail atomic.Bool
	var changes atomic.Int64

	s := NewBaseService("probe",
		WithHealthInterval(10*time.Millisecond),
		WithHealthCheck(func() error {
			if fail.Load() {
				return stderrors.New("check failed")
			}
			return nil
		}),
		OnHealthChange(func(bool) { changes.Add(1) }),
	)
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop(time.Second)

	testutil.WaitFor(t, time.Second, s.IsHealthy, "service never became healthy")

	fail.Store(true)
	testutil.WaitFor(t, time.Second, func() bool { return !s.IsHealthy() },
		"service never became unhealthy")

	info := s.GetStatus()
	assert.Equal(t, "probe", info.Name)
	assert.Positive(t, info.HealthChecks)
	assert.Positive(t, info.FailedHealthChecks)
	assert.GreaterOrEqual(t, changes.Load(), int64(2))
}

func TestBaseServiceHealthStatus(t *testing.T) {
	s := NewBaseService("status", WithHealthInterval(0))

	status := s.Health()
	assert.Equal(t, healthcheck.StateUnhealthy, status.Status)

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop(time.Second)
	s.healthy.Store(true)

	status = s.Health()
	assert.Equal(t, healthcheck.StateHealthy, status.Status)
	assert.Equal(t, "status", status.Component)
}

func TestBaseServiceContextCancelStops(t *testing.T) {
	s := NewBaseService("watcher", WithHealthInterval(0))
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Start(ctx))

	cancel()
	testutil.WaitFor(t, time.Second, func() bool { return s.Status() == StatusStopped },
		"service never stopped on context cancel")
}

func TestBaseServiceStatusGauge(t *testing.T) {
	registry, err := metric.NewMetricsRegistry()
	require.NoError(t, err)

	s := NewBaseService("gauged", WithHealthInterval(0), WithMetrics(registry))
	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Stop(time.Second))
	// No assertion on the gauge value itself; registration not
	// panicking under the shared registry is the contract.
}

func TestStatusString(t *testing.T) {
	assert.Equal(t, "stopped", StatusStopped.String())
	assert.Equal(t, "starting", StatusStarting.String())
	assert.Equal(t, "running", StatusRunning.String())
	assert.Equal(t, "stopping", StatusStopping.String())
	assert.Equal(t, "unknown", Status(42).String())
}
