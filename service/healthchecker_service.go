package service

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/Peleke/MindMirror-sub002/config"
	"github.com/Peleke/MindMirror-sub002/healthcheck"
	"github.com/Peleke/MindMirror-sub002/platform"
	"github.com/Peleke/MindMirror-sub002/registry"
)

// urlLister is the registry surface the checker resolves targets from.
type urlLister interface {
	List(ctx context.Context) ([]*registry.Record, error)
}

// HealthCheckerService sweeps every registered service's health
// endpoints and keeps the platform health scoreboard.
type HealthCheckerService struct {
	*BaseService
	monitor *healthcheck.Monitor
	checker *healthcheck.Checker
	env     platform.Environment
	logger  *slog.Logger

	cancel  context.CancelFunc
	runDone sync.WaitGroup
}

// NewHealthCheckerService creates the health-checker service.
func NewHealthCheckerService(deps *Dependencies) (Service, error) {
	if deps == nil || deps.ServiceRegistry == nil {
		return nil, fmt.Errorf("health checker requires the service registry")
	}
	env, err := deps.Config.Platform.Env()
	if err != nil {
		return nil, err
	}

	cfg := deps.Config.HealthCheck
	monitor, err := healthcheck.NewMonitor(
		healthcheck.WithMonitorMetrics(deps.MetricsRegistry))
	if err != nil {
		return nil, err
	}
	prober, err := newProber(cfg, deps)
	if err != nil {
		return nil, err
	}

	resolver := resolveTargets(deps.ServiceRegistry, env)
	checker, err := healthcheck.NewChecker(prober, monitor, resolver,
		healthcheck.WithInterval(cfg.Interval),
		healthcheck.WithThresholds(cfg.FailureThreshold, cfg.SuccessThreshold),
		healthcheck.WithCheckerLogger(deps.Logger),
	)
	if err != nil {
		return nil, err
	}

	s := &HealthCheckerService{
		monitor: monitor,
		checker: checker,
		env:     env,
		logger:  deps.Logger.With("service", "health-checker"),
	}
	s.BaseService = NewBaseService("health-checker",
		WithLogger(deps.Logger),
		WithMetrics(deps.MetricsRegistry),
		WithNATS(deps.NATSClient),
	)
	return s, nil
}

// newProber builds an HTTP health prober from the shared healthcheck
// configuration. Registration through the metrics registry is
// duplicate-safe; every service that probes gets the same collectors.
func newProber(cfg config.HealthCheckConfig, deps *Dependencies) (*healthcheck.Prober, error) {
	return healthcheck.NewProber(
		healthcheck.WithTimeout(cfg.Timeout),
		healthcheck.WithRateLimit(cfg.RateLimit, cfg.RateBurst),
		healthcheck.WithProberLogger(deps.Logger),
		healthcheck.WithProberMetrics(deps.MetricsRegistry),
	)
}

// resolveTargets builds the checker's target resolver: every registered
// service that has a recorded URL for the environment. Services still
// waiting on phase one are simply not probed yet.
func resolveTargets(lister urlLister, env platform.Environment) healthcheck.TargetResolver {
	return func(ctx context.Context) (map[string]string, error) {
		records, err := lister.List(ctx)
		if err != nil {
			return nil, err
		}
		targets := make(map[string]string)
		for _, record := range records {
			if url, ok := record.URL(env); ok {
				targets[record.Spec.Name] = url
			}
		}
		return targets, nil
	}
}

// Monitor exposes the scoreboard for other components.
func (s *HealthCheckerService) Monitor() *healthcheck.Monitor {
	return s.monitor
}

// Start launches the sweep loop.
func (s *HealthCheckerService) Start(ctx context.Context) error {
	if err := s.BaseService.Start(ctx); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.runDone.Add(1)
	go func() {
		defer s.runDone.Done()
		if err := s.checker.Run(runCtx); err != nil && runCtx.Err() == nil {
			s.logger.Error("health checker stopped", "error", err)
		}
	}()
	return nil
}

// Stop halts the sweep loop.
func (s *HealthCheckerService) Stop(timeout time.Duration) error {
	if s.cancel != nil {
		s.cancel()
	}
	done := make(chan struct{})
	go func() {
		s.runDone.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		s.logger.Warn("health checker did not stop within timeout")
	}
	return s.BaseService.Stop(timeout)
}

// RegisterHTTPHandlers mounts the platform health scoreboard.
func (s *HealthCheckerService) RegisterHTTPHandlers(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/services/health", s.handleServicesHealth)
}

func (s *HealthCheckerService) handleServicesHealth(w http.ResponseWriter, _ *http.Request) {
	all := s.monitor.GetAll()
	statuses := make([]healthcheck.Status, 0, len(all))
	for _, status := range all {
		statuses = append(statuses, status)
	}
	sort.Slice(statuses, func(i, j int) bool {
		return statuses[i].Component < statuses[j].Component
	})

	response := struct {
		Environment platform.Environment `json:"environment"`
		Overall     healthcheck.Status   `json:"overall"`
		Services    []healthcheck.Status `json:"services"`
	}{
		Environment: s.env,
		Overall:     s.monitor.AggregateHealth("platform"),
		Services:    statuses,
	}

	status := http.StatusOK
	if response.Overall.IsUnhealthy() {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, s.logger, status, response)
}

var _ HTTPHandler = (*HealthCheckerService)(nil)
