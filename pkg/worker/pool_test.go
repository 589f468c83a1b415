package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Peleke/MindMirror-sub002/metric"
)

func TestNewPool_NilProcessor(t *testing.T) {
	_, err := NewPool[int](nil)
	assert.ErrorIs(t, err, ErrNilProcessor)
}

func TestPool_ProcessesItems(t *testing.T) {
	var processed atomic.Int64
	var wg sync.WaitGroup

	pool, err := NewPool(func(_ context.Context, _ int) error {
		processed.Add(1)
		wg.Done()
		return nil
	}, WithWorkers[int](2))
	require.NoError(t, err)
	require.NoError(t, pool.Start(context.Background()))

	const items = 20
	wg.Add(items)
	for i := 0; i < items; i++ {
		require.NoError(t, pool.Submit(i))
	}

	wg.Wait()
	require.NoError(t, pool.Stop(time.Second))

	assert.Equal(t, int64(items), processed.Load())
	stats := pool.Stats()
	assert.Equal(t, int64(items), stats.Submitted)
	assert.Equal(t, int64(items), stats.Processed)
	assert.Equal(t, int64(0), stats.Failed)
}

func TestPool_CountsFailures(t *testing.T) {
	var wg sync.WaitGroup

	pool, err := NewPool(func(_ context.Context, item int) error {
		defer wg.Done()
		if item%2 == 0 {
			return errors.New("build failed")
		}
		return nil
	}, WithWorkers[int](1))
	require.NoError(t, err)
	require.NoError(t, pool.Start(context.Background()))

	wg.Add(4)
	for i := 0; i < 4; i++ {
		require.NoError(t, pool.Submit(i))
	}
	wg.Wait()
	require.NoError(t, pool.Stop(time.Second))

	stats := pool.Stats()
	assert.Equal(t, int64(2), stats.Failed)
	assert.Equal(t, int64(2), stats.Processed)
}

func TestPool_SubmitBeforeStart(t *testing.T) {
	pool, err := NewPool(func(_ context.Context, _ int) error { return nil })
	require.NoError(t, err)

	assert.ErrorIs(t, pool.Submit(1), ErrPoolNotStarted)
}

func TestPool_SubmitAfterStop(t *testing.T) {
	pool, err := NewPool(func(_ context.Context, _ int) error { return nil })
	require.NoError(t, err)
	require.NoError(t, pool.Start(context.Background()))
	require.NoError(t, pool.Stop(time.Second))

	assert.ErrorIs(t, pool.Submit(1), ErrPoolStopped)
}

func TestPool_QueueFull(t *testing.T) {
	block := make(chan struct{})

	pool, err := NewPool(func(_ context.Context, _ int) error {
		<-block
		return nil
	}, WithWorkers[int](1), WithQueueSize[int](1))
	require.NoError(t, err)
	require.NoError(t, pool.Start(context.Background()))

	// First item occupies the worker, second fills the queue. The next
	// submit must be rejected rather than block.
	require.NoError(t, pool.Submit(1))
	require.Eventually(t, func() bool {
		return pool.Submit(2) == nil
	}, time.Second, 5*time.Millisecond)

	assert.ErrorIs(t, pool.Submit(3), ErrQueueFull)
	assert.Equal(t, int64(1), pool.Stats().Dropped)

	close(block)
	require.NoError(t, pool.Stop(time.Second))
}

func TestPool_DoubleStart(t *testing.T) {
	pool, err := NewPool(func(_ context.Context, _ int) error { return nil })
	require.NoError(t, err)
	require.NoError(t, pool.Start(context.Background()))
	assert.ErrorIs(t, pool.Start(context.Background()), ErrPoolAlreadyStarted)
	require.NoError(t, pool.Stop(time.Second))
}

func TestPool_StopTimeout(t *testing.T) {
	block := make(chan struct{})
	defer close(block)

	pool, err := NewPool(func(_ context.Context, _ int) error {
		<-block
		return nil
	}, WithWorkers[int](1))
	require.NoError(t, err)
	require.NoError(t, pool.Start(context.Background()))
	require.NoError(t, pool.Submit(1))

	// Give the worker time to pick the item up before stopping.
	time.Sleep(20 * time.Millisecond)
	assert.ErrorIs(t, pool.Stop(50*time.Millisecond), ErrStopTimeout)
}

func TestPool_StopIdempotent(t *testing.T) {
	pool, err := NewPool(func(_ context.Context, _ int) error { return nil })
	require.NoError(t, err)
	require.NoError(t, pool.Start(context.Background()))
	require.NoError(t, pool.Stop(time.Second))
	require.NoError(t, pool.Stop(time.Second))
}

func TestPool_WithMetrics(t *testing.T) {
	registry, err := metric.NewMetricsRegistry()
	require.NoError(t, err)

	pool, err := NewPool(func(_ context.Context, _ int) error { return nil },
		WithMetricsRegistry[int](registry, "pipeline_builds"))
	require.NoError(t, err)
	require.NoError(t, pool.Start(context.Background()))
	require.NoError(t, pool.Submit(1))
	require.NoError(t, pool.Stop(time.Second))

	// A second pool under the same prefix collides in the registry.
	_, err = NewPool(func(_ context.Context, _ int) error { return nil },
		WithMetricsRegistry[int](registry, "pipeline_builds"))
	assert.Error(t, err)
}
