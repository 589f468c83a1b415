package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Peleke/MindMirror-sub002/events"
	"github.com/Peleke/MindMirror-sub002/natsclient"
	"github.com/Peleke/MindMirror-sub002/notify"
	"github.com/Peleke/MindMirror-sub002/pkg/retry"
)

// NotifierService forwards platform events to the configured webhook
// receiver.
type NotifierService struct {
	*BaseService
	notifier *notify.Notifier
	client   *natsclient.Client
	logger   *slog.Logger

	cancel context.CancelFunc
}

// NewNotifierService creates the notifier service.
func NewNotifierService(deps *Dependencies) (Service, error) {
	if deps == nil || deps.NATSClient == nil {
		return nil, fmt.Errorf("notifier requires the NATS client")
	}
	cfg := deps.Config.Notify
	if !cfg.Enabled {
		return nil, fmt.Errorf("notifier is disabled")
	}

	endpoint := notify.Endpoint{
		Name:    "platform-webhook",
		URL:     cfg.URL,
		Timeout: cfg.Timeout,
		// Deploy outcomes and approval gates; stage-by-stage noise
		// stays on the event stream.
		Events: []events.Type{
			events.TypeDeploySucceeded,
			events.TypeDeployFailed,
			events.TypeApprovalRequested,
			events.TypeApprovalDecided,
			events.TypeRolledBack,
		},
	}
	if cfg.TokenSecret != "" && deps.Secrets != nil {
		secret, err := deps.Secrets.Resolve(cfg.TokenSecret)
		if err != nil {
			return nil, err
		}
		if secret != nil {
			endpoint.Token = secret.Value
		}
	}

	retryCfg := retry.DefaultConfig()
	if cfg.MaxAttempts > 0 {
		retryCfg.MaxAttempts = cfg.MaxAttempts
	}

	notifier, err := notify.New([]notify.Endpoint{endpoint},
		notify.WithLogger(deps.Logger),
		notify.WithMetrics(deps.MetricsRegistry),
		notify.WithRetry(retryCfg),
	)
	if err != nil {
		return nil, err
	}

	s := &NotifierService{
		notifier: notifier,
		client:   deps.NATSClient,
		logger:   deps.Logger.With("service", "notifier"),
	}
	s.BaseService = NewBaseService("notifier",
		WithLogger(deps.Logger),
		WithMetrics(deps.MetricsRegistry),
		WithNATS(deps.NATSClient),
	)
	return s, nil
}

// Start brings up the delivery workers and subscribes to the event
// bus.
func (s *NotifierService) Start(ctx context.Context) error {
	if err := s.BaseService.Start(ctx); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	if err := s.notifier.Start(runCtx); err != nil {
		cancel()
		return err
	}
	if err := s.notifier.AttachNATS(runCtx, s.client); err != nil {
		cancel()
		return fmt.Errorf("attach notifier to bus: %w", err)
	}
	return nil
}

// Stop drains pending deliveries.
func (s *NotifierService) Stop(timeout time.Duration) error {
	if s.cancel != nil {
		s.cancel()
	}
	if err := s.notifier.Stop(timeout); err != nil {
		s.logger.Warn("notifier stop", "error", err)
	}
	return s.BaseService.Stop(timeout)
}
