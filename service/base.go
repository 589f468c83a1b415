package service

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Peleke/MindMirror-sub002/healthcheck"
	"github.com/Peleke/MindMirror-sub002/metric"
	"github.com/Peleke/MindMirror-sub002/natsclient"
)

// Status represents the current status of a service.
type Status int

// Possible service statuses.
const (
	StatusStopped Status = iota
	StatusStarting
	StatusRunning
	StatusStopping
)

// String returns the string representation of Status.
func (s Status) String() string {
	switch s {
	case StatusStopped:
		return "stopped"
	case StatusStarting:
		return "starting"
	case StatusRunning:
		return "running"
	case StatusStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// Info holds runtime information for a service.
type Info struct {
	Name               string        `json:"name"`
	Status             Status        `json:"status"`
	Uptime             time.Duration `json:"uptime"`
	StartTime          time.Time     `json:"start_time"`
	HealthChecks       int64         `json:"health_checks"`
	FailedHealthChecks int64         `json:"failed_health_checks"`
}

// HealthCheckFunc defines a custom health check function.
type HealthCheckFunc func() error

// Option is a functional option for configuring BaseService.
type Option func(*BaseService)

// BaseService provides the lifecycle machinery concrete services embed:
// atomic status transitions, a periodic health check loop, and
// context-driven graceful shutdown.
type BaseService struct {
	name            string
	nats            *natsclient.Client
	metricsRegistry *metric.MetricsRegistry
	logger          *slog.Logger

	status    atomic.Value // Status
	startTime atomic.Value // time.Time
	healthy   atomic.Bool

	healthChecks       atomic.Int64
	failedHealthChecks atomic.Int64

	healthCheckFunc HealthCheckFunc
	healthTicker    *time.Ticker
	healthInterval  time.Duration
	onHealthChange  func(bool)

	done      chan struct{}
	waitGroup sync.WaitGroup
	mu        sync.RWMutex
}

// NewBaseService creates a base service using the functional options
// pattern.
func NewBaseService(name string, opts ...Option) *BaseService {
	s := &BaseService{
		name:           name,
		healthInterval: 30 * time.Second,
		logger:         slog.Default().With("service", name),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.status.Store(StatusStopped)
	if s.metricsRegistry != nil {
		s.metricsRegistry.Metrics.ServiceStatus.WithLabelValues(name).Set(float64(StatusStopped))
	}
	s.startTime.Store(time.Time{})

	return s
}

// WithNATS sets the NATS client. When set, a disconnected bus fails the
// default health check.
func WithNATS(client *natsclient.Client) Option {
	return func(s *BaseService) {
		s.nats = client
	}
}

// WithMetrics sets the metrics registry used for status gauges.
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(s *BaseService) {
		s.metricsRegistry = registry
	}
}

// WithLogger sets a custom logger for the service.
func WithLogger(logger *slog.Logger) Option {
	return func(s *BaseService) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithHealthCheck sets a custom health check function.
func WithHealthCheck(fn HealthCheckFunc) Option {
	return func(s *BaseService) {
		s.healthCheckFunc = fn
	}
}

// WithHealthInterval sets the health check interval. Zero disables the
// check loop.
func WithHealthInterval(interval time.Duration) Option {
	return func(s *BaseService) {
		s.healthInterval = interval
	}
}

// OnHealthChange sets a callback for health state changes.
func OnHealthChange(fn func(bool)) Option {
	return func(s *BaseService) {
		s.onHealthChange = fn
	}
}

// Name returns the service name.
func (s *BaseService) Name() string {
	return s.name
}

// Status returns the current service status.
func (s *BaseService) Status() Status {
	return s.status.Load().(Status)
}

// IsHealthy returns whether the service is healthy.
func (s *BaseService) IsHealthy() bool {
	return s.healthy.Load()
}

// Health returns the standard health status for the service. Services
// embedding BaseService override this for richer detail.
func (s *BaseService) Health() healthcheck.Status {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.healthy.Load() {
		failed := s.failedHealthChecks.Load()
		return healthcheck.NewUnhealthy(s.name,
			fmt.Sprintf("service is unhealthy (failed checks: %d)", failed))
	}

	switch s.Status() {
	case StatusRunning:
		return healthcheck.NewHealthy(s.name, "service operating normally")
	case StatusStarting:
		return healthcheck.NewDegraded(s.name, "service is starting")
	case StatusStopping:
		return healthcheck.NewDegraded(s.name, "service is stopping")
	case StatusStopped:
		return healthcheck.NewUnhealthy(s.name, "service is stopped")
	default:
		return healthcheck.NewUnhealthy(s.name, "unknown status")
	}
}

// Start starts the service lifecycle: health monitoring plus a watcher
// that shuts the service down when the parent context is canceled.
func (s *BaseService) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current := s.Status()
	if current == StatusRunning || current == StatusStarting {
		return nil
	}

	s.setStatus(StatusStarting)
	s.done = make(chan struct{})

	now := time.Now()
	s.startTime.Store(now)

	if s.healthInterval > 0 {
		s.healthTicker = time.NewTicker(s.healthInterval)
		s.waitGroup.Add(1)
		go s.healthMonitor()

		// First check runs shortly after start so a fresh process
		// reports health without waiting a full interval.
		go func() {
			time.Sleep(200 * time.Millisecond)
			s.performHealthCheck()
		}()
	}

	s.waitGroup.Add(1)
	go s.contextMonitor(ctx)

	s.setStatus(StatusRunning)
	return nil
}

// Stop stops the service gracefully.
func (s *BaseService) Stop(timeout time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current := s.Status()
	if current == StatusStopped || current == StatusStopping {
		return nil
	}

	s.setStatus(StatusStopping)

	if s.done != nil {
		select {
		case <-s.done:
		default:
			close(s.done)
		}
	}
	if s.healthTicker != nil {
		s.healthTicker.Stop()
	}

	if timeout == 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	done := make(chan struct{})
	go func() {
		s.waitGroup.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		// Timeout; goroutines are abandoned.
	}

	s.setStatus(StatusStopped)
	s.healthy.Store(false)
	return nil
}

// GetStatus returns the current service information.
func (s *BaseService) GetStatus() Info {
	startTime := s.startTime.Load().(time.Time)

	uptime := time.Duration(0)
	if !startTime.IsZero() && s.Status() == StatusRunning {
		uptime = time.Since(startTime)
	}

	return Info{
		Name:               s.name,
		Status:             s.Status(),
		Uptime:             uptime,
		StartTime:          startTime,
		HealthChecks:       s.healthChecks.Load(),
		FailedHealthChecks: s.failedHealthChecks.Load(),
	}
}

func (s *BaseService) setStatus(status Status) {
	s.status.Store(status)
	if s.metricsRegistry != nil {
		s.metricsRegistry.Metrics.ServiceStatus.WithLabelValues(s.name).Set(float64(status))
	}
}

func (s *BaseService) healthMonitor() {
	defer s.waitGroup.Done()

	for {
		select {
		case <-s.done:
			return
		case <-s.healthTicker.C:
			s.performHealthCheck()
		}
	}
}

func (s *BaseService) performHealthCheck() {
	s.healthChecks.Add(1)

	var err error
	if s.healthCheckFunc != nil {
		err = s.healthCheckFunc()
	}
	if err == nil && s.nats != nil && !s.nats.IsHealthy() {
		err = natsclient.ErrNotConnected
	}

	wasHealthy := s.healthy.Load()
	isHealthy := err == nil
	if err != nil {
		s.failedHealthChecks.Add(1)
	}
	s.healthy.Store(isHealthy)

	if wasHealthy != isHealthy && s.onHealthChange != nil {
		go s.onHealthChange(isHealthy)
	}
}

func (s *BaseService) contextMonitor(ctx context.Context) {
	defer s.waitGroup.Done()

	select {
	case <-ctx.Done():
		s.performGracefulShutdown()
	case <-s.done:
		return
	}
}

// performGracefulShutdown transitions the service to stopped when the
// parent context dies before Stop is called.
func (s *BaseService) performGracefulShutdown() {
	if !s.status.CompareAndSwap(StatusRunning, StatusStopping) {
		return
	}
	if s.metricsRegistry != nil {
		s.metricsRegistry.Metrics.ServiceStatus.WithLabelValues(s.name).Set(float64(StatusStopping))
	}
	if s.healthTicker != nil {
		s.healthTicker.Stop()
	}
	s.setStatus(StatusStopped)
	s.healthy.Store(false)
}

// Service is the contract every internal service fulfills.
type Service interface {
	Name() string
	Start(ctx context.Context) error
	Stop(timeout time.Duration) error
	Status() Status
	IsHealthy() bool
	GetStatus() Info
	Health() healthcheck.Status
}

// HTTPHandler is implemented by services that expose routes on the
// control-plane API server.
type HTTPHandler interface {
	RegisterHTTPHandlers(mux *http.ServeMux)
}
