package service

import (
	"context"
	"fmt"
	"time"

	"github.com/Peleke/MindMirror-sub002/metric"
)

// MetricsService runs the Prometheus scrape listener.
type MetricsService struct {
	*BaseService
	server *metric.Server
}

// NewMetricsService creates the metrics service from the shared
// registry.
func NewMetricsService(deps *Dependencies) (Service, error) {
	if deps == nil || deps.MetricsRegistry == nil {
		return nil, fmt.Errorf("metrics service requires a metrics registry")
	}

	server := metric.NewServer(deps.MetricsRegistry,
		metric.WithSecurity(deps.Config.Security))

	s := &MetricsService{server: server}
	s.BaseService = NewBaseService("metrics",
		WithLogger(deps.Logger),
		WithMetrics(deps.MetricsRegistry),
	)
	return s, nil
}

// Start brings up the scrape listener.
func (s *MetricsService) Start(ctx context.Context) error {
	if err := s.BaseService.Start(ctx); err != nil {
		return err
	}
	return s.server.Start(ctx)
}

// Stop shuts the listener down.
func (s *MetricsService) Stop(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := s.server.Stop(ctx); err != nil {
		return err
	}
	return s.BaseService.Stop(timeout)
}
