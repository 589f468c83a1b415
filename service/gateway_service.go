package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Peleke/MindMirror-sub002/gateway"
)

// GatewayService runs the federation gateway on its own listener,
// serving the current supergraph and reloading when a new one goes
// current.
type GatewayService struct {
	*BaseService
	gw     *gateway.Gateway
	logger *slog.Logger

	cancel  context.CancelFunc
	runDone sync.WaitGroup
}

// NewGatewayService creates the gateway service.
func NewGatewayService(deps *Dependencies) (Service, error) {
	if deps == nil || deps.Artifacts == nil {
		return nil, fmt.Errorf("gateway requires the artifact store")
	}
	env, err := deps.Config.Platform.Env()
	if err != nil {
		return nil, err
	}

	gwDeps := gateway.Dependencies{
		Environment: env,
		Artifacts:   deps.Artifacts,
	}
	if deps.NATSClient != nil {
		gwDeps.Events = deps.NATSClient
	}

	gw, err := gateway.New(deps.Config.Gateway, gwDeps,
		gateway.WithLogger(deps.Logger),
		gateway.WithMetrics(deps.MetricsRegistry.Metrics),
		gateway.WithCacheMetrics(deps.MetricsRegistry),
		gateway.WithSecurity(deps.Config.Security),
	)
	if err != nil {
		return nil, err
	}

	s := &GatewayService{
		gw:     gw,
		logger: deps.Logger.With("service", "gateway"),
	}
	s.BaseService = NewBaseService("gateway",
		WithLogger(deps.Logger),
		WithMetrics(deps.MetricsRegistry),
		WithNATS(deps.NATSClient),
	)
	return s, nil
}

// Start brings the gateway listener up and returns once it accepts
// connections.
func (s *GatewayService) Start(ctx context.Context) error {
	if err := s.BaseService.Start(ctx); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel

	ready := make(chan struct{})
	errChan := make(chan error, 1)
	s.runDone.Add(1)
	go func() {
		defer s.runDone.Done()
		if err := s.gw.Start(runCtx, ready); err != nil {
			s.logger.Error("gateway exited", "error", err)
			select {
			case errChan <- err:
			default:
			}
		}
	}()

	select {
	case <-ready:
		return nil
	case err := <-errChan:
		cancel()
		return fmt.Errorf("start gateway: %w", err)
	case <-ctx.Done():
		cancel()
		return ctx.Err()
	}
}

// Stop shuts the gateway listener down.
func (s *GatewayService) Stop(timeout time.Duration) error {
	if err := s.gw.Stop(timeout); err != nil {
		s.logger.Warn("gateway stop", "error", err)
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.runDone.Wait()
	return s.BaseService.Stop(timeout)
}
