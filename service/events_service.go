package service

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/Peleke/MindMirror-sub002/events"
	"github.com/Peleke/MindMirror-sub002/natsclient"
)

// EventStreamService bridges the platform event bus onto websocket
// clients at /events/ws.
type EventStreamService struct {
	*BaseService
	hub    *events.Hub
	client *natsclient.Client

	cancel context.CancelFunc
}

// NewEventStreamService creates the event-stream service.
func NewEventStreamService(deps *Dependencies) (Service, error) {
	if deps == nil || deps.NATSClient == nil {
		return nil, fmt.Errorf("event stream requires the NATS client")
	}

	cfg := deps.Config.Events
	hub, err := events.NewHub(
		events.WithReplaySize(cfg.BufferSize),
		events.WithPingInterval(cfg.PingInterval),
		events.WithWriteTimeout(cfg.WriteTimeout),
		events.WithHubLogger(deps.Logger),
		events.WithHubMetrics(deps.MetricsRegistry),
	)
	if err != nil {
		return nil, err
	}

	s := &EventStreamService{hub: hub, client: deps.NATSClient}
	s.BaseService = NewBaseService("event-stream",
		WithLogger(deps.Logger),
		WithMetrics(deps.MetricsRegistry),
		WithNATS(deps.NATSClient),
	)
	return s, nil
}

// Hub exposes the broadcaster for in-process producers.
func (s *EventStreamService) Hub() *events.Hub {
	return s.hub
}

// Start subscribes the hub to the platform event subjects.
func (s *EventStreamService) Start(ctx context.Context) error {
	if err := s.BaseService.Start(ctx); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	if err := s.hub.AttachNATS(runCtx, s.client); err != nil {
		cancel()
		return fmt.Errorf("attach event hub to bus: %w", err)
	}
	return nil
}

// Stop closes every websocket client.
func (s *EventStreamService) Stop(timeout time.Duration) error {
	if s.cancel != nil {
		s.cancel()
	}
	if err := s.hub.Close(); err != nil {
		return err
	}
	return s.BaseService.Stop(timeout)
}

// RegisterHTTPHandlers mounts the websocket endpoint.
func (s *EventStreamService) RegisterHTTPHandlers(mux *http.ServeMux) {
	mux.Handle("GET /events/ws", s.hub)
}

var _ HTTPHandler = (*EventStreamService)(nil)
