package healthcheck

import (
	"context"
	"log/slog"
	"time"

	"github.com/Peleke/MindMirror-sub002/errors"
	"github.com/Peleke/MindMirror-sub002/pkg/worker"
)

// Checker defaults.
const (
	DefaultInterval         = 15 * time.Second
	DefaultFailureThreshold = 3
	DefaultSuccessThreshold = 2
)

// TargetResolver returns the current probe targets: service name to base
// URL. Services without a resolved URL must be omitted, not mapped to "".
type TargetResolver func(ctx context.Context) (map[string]string, error)

// probeJob is one unit of sweep work.
type probeJob struct {
	service string
	url     string
}

// Checker runs continuous health sweeps. Probes fan out through a worker
// pool; results pass through consecutive-failure/success thresholds
// before the monitor state flips, so one dropped packet degrades a
// service rather than declaring it down.
type Checker struct {
	prober  *Prober
	monitor *Monitor
	resolve TargetResolver
	logger  *slog.Logger

	interval         time.Duration
	failureThreshold int
	successThreshold int
	workers          int

	pool *worker.Pool[probeJob]

	// streaks is only touched from pool workers and the sweep loop via
	// record/reconcile, both of which lock the monitor-independent state.
	streaks *streakTracker
}

// CheckerOption configures a Checker.
type CheckerOption func(*Checker) error

// WithInterval sets the sweep interval.
func WithInterval(d time.Duration) CheckerOption {
	return func(c *Checker) error {
		if d <= 0 {
			return errors.WrapInvalid(errors.ErrInvalidConfig, "Checker", "WithInterval",
				"interval must be positive")
		}
		c.interval = d
		return nil
	}
}

// WithThresholds sets how many consecutive failures flip a component
// unhealthy and how many consecutive successes flip it back.
func WithThresholds(failures, successes int) CheckerOption {
	return func(c *Checker) error {
		if failures < 1 || successes < 1 {
			return errors.WrapInvalid(errors.ErrInvalidConfig, "Checker", "WithThresholds",
				"thresholds must be at least 1")
		}
		c.failureThreshold = failures
		c.successThreshold = successes
		return nil
	}
}

// WithCheckerWorkers sets the probe worker count.
func WithCheckerWorkers(n int) CheckerOption {
	return func(c *Checker) error {
		if n < 1 {
			return errors.WrapInvalid(errors.ErrInvalidConfig, "Checker", "WithCheckerWorkers",
				"worker count must be at least 1")
		}
		c.workers = n
		return nil
	}
}

// WithCheckerLogger sets the logger. Nil falls back to slog.Default.
func WithCheckerLogger(logger *slog.Logger) CheckerOption {
	return func(c *Checker) error {
		if logger != nil {
			c.logger = logger
		}
		return nil
	}
}

// NewChecker wires a prober, a monitor, and a target resolver into a
// background checker.
func NewChecker(prober *Prober, monitor *Monitor, resolve TargetResolver, opts ...CheckerOption) (*Checker, error) {
	if prober == nil || monitor == nil || resolve == nil {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "Checker", "NewChecker",
			"prober, monitor, and resolver are all required")
	}
	c := &Checker{
		prober:           prober,
		monitor:          monitor,
		resolve:          resolve,
		logger:           slog.Default(),
		interval:         DefaultInterval,
		failureThreshold: DefaultFailureThreshold,
		successThreshold: DefaultSuccessThreshold,
		workers:          4,
		streaks:          newStreakTracker(),
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}

	pool, err := worker.NewPool(c.processJob,
		worker.WithWorkers[probeJob](c.workers),
		worker.WithQueueSize[probeJob](c.workers*8),
	)
	if err != nil {
		return nil, errors.WrapFatal(err, "Checker", "NewChecker", "worker pool construction")
	}
	c.pool = pool
	return c, nil
}

// Run sweeps until the context is cancelled. The first sweep starts
// immediately so a fresh process publishes health without waiting a full
// interval.
func (c *Checker) Run(ctx context.Context) error {
	if err := c.pool.Start(ctx); err != nil {
		return errors.WrapFatal(err, "Checker", "Run", "worker pool start")
	}
	defer func() {
		if err := c.pool.Stop(5 * time.Second); err != nil {
			c.logger.Warn("probe pool did not stop cleanly", "error", err)
		}
	}()

	c.sweep(ctx)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.sweep(ctx)
		}
	}
}

// sweep resolves the current targets and enqueues one probe per service.
func (c *Checker) sweep(ctx context.Context) {
	targets, err := c.resolve(ctx)
	if err != nil {
		// Keep the last published state; a registry hiccup is not
		// evidence that the services themselves changed.
		c.logger.Warn("target resolution failed, skipping sweep", "error", err)
		return
	}

	for _, gone := range c.streaks.reconcile(targets) {
		c.monitor.Remove(gone)
		c.logger.Info("stopped tracking removed service", "service", gone)
	}

	for service, url := range targets {
		if err := c.pool.Submit(probeJob{service: service, url: url}); err != nil {
			c.logger.Warn("probe queue full, skipping service this sweep",
				"service", service, "error", err)
		}
	}
}

func (c *Checker) processJob(ctx context.Context, job probeJob) error {
	res := c.prober.Check(ctx, job.service, job.url)
	if ctx.Err() != nil {
		// Shutdown cancelled the probe; the result says nothing about
		// the service.
		return nil
	}
	c.record(res)
	return nil
}

// record applies thresholds and publishes the resulting state.
func (c *Checker) record(res ProbeResult) {
	state, message := c.streaks.apply(res, c.failureThreshold, c.successThreshold)
	status := FromProbe(res)
	status.Status = state
	status.Healthy = state == StateHealthy
	if message != "" {
		status.Message = message
	}
	c.monitor.Update(res.Service, status)
}
