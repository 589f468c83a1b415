package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Peleke/MindMirror-sub002/metric"
)

const (
	defaultWorkers   = 10
	defaultQueueSize = 1000

	metricsServiceName = "worker_pool"
)

// Processor handles one queued item. A non-nil error counts the item as
// failed; the pool keeps running either way.
type Processor[T any] func(ctx context.Context, item T) error

// Pool runs a fixed set of workers over a bounded queue. The pipeline
// uses it to bound concurrent build and apply jobs; submission never
// blocks, so producers see ErrQueueFull instead of stalling a deploy.
type Pool[T any] struct {
	workers   int
	queueSize int
	processor Processor[T]

	workChan chan T
	wg       sync.WaitGroup
	cancel   context.CancelFunc

	lifecycleMu sync.Mutex
	started     bool
	stopped     bool

	submitted atomic.Int64
	processed atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64

	metricsRegistry    metric.MetricsRegistrar
	metricsPrefix      string
	queueDepthGauge    prometheus.Gauge
	utilizationGauge   prometheus.Gauge
	submittedCounter   prometheus.Counter
	processedCounter   prometheus.Counter
	failedCounter      prometheus.Counter
	droppedCounter     prometheus.Counter
	processingDuration prometheus.Histogram
}

// Option configures a Pool.
type Option[T any] func(*Pool[T])

// WithWorkers sets the worker count.
func WithWorkers[T any](workers int) Option[T] {
	return func(p *Pool[T]) {
		if workers > 0 {
			p.workers = workers
		}
	}
}

// WithQueueSize sets the queue capacity.
func WithQueueSize[T any](size int) Option[T] {
	return func(p *Pool[T]) {
		if size > 0 {
			p.queueSize = size
		}
	}
}

// WithMetricsRegistry exports pool gauges and counters under the given
// prefix, e.g. "pipeline_builds".
func WithMetricsRegistry[T any](registry metric.MetricsRegistrar, prefix string) Option[T] {
	return func(p *Pool[T]) {
		p.metricsRegistry = registry
		p.metricsPrefix = prefix
	}
}

// NewPool creates a pool. The processor must be non-nil.
func NewPool[T any](processor Processor[T], opts ...Option[T]) (*Pool[T], error) {
	if processor == nil {
		return nil, ErrNilProcessor
	}

	p := &Pool[T]{
		workers:   defaultWorkers,
		queueSize: defaultQueueSize,
		processor: processor,
	}
	for _, opt := range opts {
		opt(p)
	}

	p.workChan = make(chan T, p.queueSize)

	if p.metricsRegistry != nil {
		if err := p.initializeMetrics(); err != nil {
			return nil, err
		}
	}

	return p, nil
}

func (p *Pool[T]) initializeMetrics() error {
	p.queueDepthGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: p.metricsPrefix + "_queue_depth",
		Help: "Current number of queued items",
	})
	p.utilizationGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: p.metricsPrefix + "_queue_utilization",
		Help: "Queue fill ratio between 0 and 1",
	})
	p.submittedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: p.metricsPrefix + "_submitted_total",
		Help: "Items accepted into the queue",
	})
	p.processedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: p.metricsPrefix + "_processed_total",
		Help: "Items processed successfully",
	})
	p.failedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: p.metricsPrefix + "_failed_total",
		Help: "Items whose processor returned an error",
	})
	p.droppedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: p.metricsPrefix + "_dropped_total",
		Help: "Items rejected because the queue was full",
	})
	p.processingDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    p.metricsPrefix + "_processing_duration_seconds",
		Help:    "Per-item processing duration in seconds",
		Buckets: prometheus.DefBuckets,
	})

	registrations := []struct {
		name     string
		register func() error
	}{
		{"queue_depth", func() error {
			return p.metricsRegistry.RegisterGauge(metricsServiceName, p.metricsPrefix+"_queue_depth", p.queueDepthGauge)
		}},
		{"queue_utilization", func() error {
			return p.metricsRegistry.RegisterGauge(metricsServiceName, p.metricsPrefix+"_queue_utilization", p.utilizationGauge)
		}},
		{"submitted_total", func() error {
			return p.metricsRegistry.RegisterCounter(metricsServiceName, p.metricsPrefix+"_submitted_total", p.submittedCounter)
		}},
		{"processed_total", func() error {
			return p.metricsRegistry.RegisterCounter(metricsServiceName, p.metricsPrefix+"_processed_total", p.processedCounter)
		}},
		{"failed_total", func() error {
			return p.metricsRegistry.RegisterCounter(metricsServiceName, p.metricsPrefix+"_failed_total", p.failedCounter)
		}},
		{"dropped_total", func() error {
			return p.metricsRegistry.RegisterCounter(metricsServiceName, p.metricsPrefix+"_dropped_total", p.droppedCounter)
		}},
		{"processing_duration_seconds", func() error {
			return p.metricsRegistry.RegisterHistogram(metricsServiceName, p.metricsPrefix+"_processing_duration_seconds", p.processingDuration)
		}},
	}

	for _, reg := range registrations {
		if err := reg.register(); err != nil {
			return err
		}
	}

	return nil
}

// Start launches the workers. A second call returns
// ErrPoolAlreadyStarted.
func (p *Pool[T]) Start(ctx context.Context) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if p.started {
		return ErrPoolAlreadyStarted
	}
	if p.stopped {
		return ErrPoolStopped
	}

	workerCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(workerCtx)
	}

	if p.metricsRegistry != nil {
		go p.metricsUpdater(workerCtx)
	}

	p.started = true
	return nil
}

func (p *Pool[T]) worker(ctx context.Context) {
	defer p.wg.Done()

	for item := range p.workChan {
		start := time.Now()
		err := p.processor(ctx, item)
		elapsed := time.Since(start)

		if p.processingDuration != nil {
			p.processingDuration.Observe(elapsed.Seconds())
		}

		if err != nil {
			p.failed.Add(1)
			if p.failedCounter != nil {
				p.failedCounter.Inc()
			}
			continue
		}

		p.processed.Add(1)
		if p.processedCounter != nil {
			p.processedCounter.Inc()
		}
	}
}

func (p *Pool[T]) metricsUpdater(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			depth := len(p.workChan)
			p.queueDepthGauge.Set(float64(depth))
			p.utilizationGauge.Set(float64(depth) / float64(p.queueSize))
		}
	}
}

// Submit queues an item without blocking. Returns ErrQueueFull when the
// queue is at capacity.
func (p *Pool[T]) Submit(item T) error {
	p.lifecycleMu.Lock()
	started, stopped := p.started, p.stopped
	p.lifecycleMu.Unlock()

	if !started {
		return ErrPoolNotStarted
	}
	if stopped {
		return ErrPoolStopped
	}

	select {
	case p.workChan <- item:
		p.submitted.Add(1)
		if p.submittedCounter != nil {
			p.submittedCounter.Inc()
		}
		return nil
	default:
		p.dropped.Add(1)
		if p.droppedCounter != nil {
			p.droppedCounter.Inc()
		}
		return ErrQueueFull
	}
}

// Stop closes the queue and waits for in-flight items to drain. Returns
// ErrStopTimeout when workers are still busy after the timeout.
func (p *Pool[T]) Stop(timeout time.Duration) error {
	p.lifecycleMu.Lock()
	if !p.started || p.stopped {
		p.lifecycleMu.Unlock()
		return nil
	}
	p.stopped = true
	close(p.workChan)
	p.lifecycleMu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		if p.cancel != nil {
			p.cancel()
		}
		return nil
	case <-time.After(timeout):
		if p.cancel != nil {
			p.cancel()
		}
		return ErrStopTimeout
	}
}

// PoolStats is a point-in-time snapshot of pool counters.
type PoolStats struct {
	Submitted  int64
	Processed  int64
	Failed     int64
	Dropped    int64
	QueueDepth int
	Workers    int
}

// Stats returns current pool counters.
func (p *Pool[T]) Stats() PoolStats {
	return PoolStats{
		Submitted:  p.submitted.Load(),
		Processed:  p.processed.Load(),
		Failed:     p.failed.Load(),
		Dropped:    p.dropped.Load(),
		QueueDepth: len(p.workChan),
		Workers:    p.workers,
	}
}
