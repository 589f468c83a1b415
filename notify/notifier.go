// Package notify posts platform events to configured webhook endpoints.
//
// Each endpoint names the event types it wants (approval requests and
// deploy failures are the usual picks) and gets JSON envelopes POSTed
// with a bounded retry. Deliveries run on a worker pool behind a rate
// limiter, so a slow or dead endpoint never backs up into the event
// stream: when the queue fills, deliveries drop.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/Peleke/MindMirror-sub002/errors"
	"github.com/Peleke/MindMirror-sub002/events"
	"github.com/Peleke/MindMirror-sub002/metric"
	"github.com/Peleke/MindMirror-sub002/natsclient"
	"github.com/Peleke/MindMirror-sub002/pkg/retry"
	"github.com/Peleke/MindMirror-sub002/pkg/worker"
)

// Defaults.
const (
	DefaultEndpointTimeout = 10 * time.Second
	DefaultWorkers         = 4
	DefaultQueueSize       = 256
)

// Endpoint is one webhook destination.
type Endpoint struct {
	// Name labels the endpoint in logs and metrics.
	Name string `json:"name"`
	URL  string `json:"url"`
	// Token, when set, is sent as a bearer token. The receiver compares
	// it in constant time.
	Token string `json:"token,omitempty"`
	// Events filters what this endpoint receives. Empty means all.
	Events []events.Type `json:"events,omitempty"`
	// Timeout bounds each delivery attempt.
	Timeout time.Duration `json:"timeout,omitempty"`
}

func (e Endpoint) validate() error {
	if e.Name == "" {
		return errors.WrapInvalid(
			stderrors.New("endpoint name cannot be empty"),
			"Notifier", "validate", "validate endpoint")
	}
	parsed, err := url.Parse(e.URL)
	if err != nil || parsed.Host == "" || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return errors.WrapInvalid(
			fmt.Errorf("%w: endpoint %s URL %q", errors.ErrInvalidConfig, e.Name, e.URL),
			"Notifier", "validate", "validate endpoint URL")
	}
	return nil
}

// target is a validated endpoint with its type filter precomputed.
type target struct {
	endpoint Endpoint
	wants    map[events.Type]bool
}

func (t target) wantsType(eventType events.Type) bool {
	if len(t.wants) == 0 {
		return true
	}
	return t.wants[eventType]
}

// delivery is one queued webhook POST.
type delivery struct {
	target target
	event  events.Event
	data   []byte
}

type notifierMetrics struct {
	delivered *prometheus.CounterVec
	failed    *prometheus.CounterVec
}

func newNotifierMetrics(registry *metric.MetricsRegistry) (*notifierMetrics, error) {
	if registry == nil {
		return nil, nil
	}

	m := &notifierMetrics{
		delivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "notify",
			Name:      "deliveries_total",
			Help:      "Webhook deliveries that returned success",
		}, []string{"endpoint"}),
		failed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "notify",
			Name:      "failures_total",
			Help:      "Webhook deliveries that exhausted their retries",
		}, []string{"endpoint"}),
	}

	if err := registry.RegisterCounterVec("notifier", "deliveries_total", m.delivered); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounterVec("notifier", "failures_total", m.failed); err != nil {
		return nil, err
	}
	return m, nil
}

// Notifier fans selected events out to webhooks.
type Notifier struct {
	targets []target
	client  *http.Client
	pool    *worker.Pool[delivery]
	retry   retry.Config
	limiter *rate.Limiter
	logger  *slog.Logger
	metrics *notifierMetrics
}

// Option configures a Notifier.
type Option func(*notifierConfig) error

type notifierConfig struct {
	client    *http.Client
	retry     retry.Config
	limiter   *rate.Limiter
	logger    *slog.Logger
	registry  *metric.MetricsRegistry
	workers   int
	queueSize int
}

// WithHTTPClient sets the delivery client, e.g. one with webhook TLS
// config.
func WithHTTPClient(client *http.Client) Option {
	return func(cfg *notifierConfig) error {
		if client == nil {
			return errors.WrapInvalid(
				stderrors.New("http client cannot be nil"),
				"Notifier", "WithHTTPClient", "validate client")
		}
		cfg.client = client
		return nil
	}
}

// WithRetry overrides the per-delivery retry policy.
func WithRetry(config retry.Config) Option {
	return func(cfg *notifierConfig) error {
		cfg.retry = config
		return nil
	}
}

// WithRateLimit caps outbound deliveries per second.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(cfg *notifierConfig) error {
		if perSecond <= 0 || burst <= 0 {
			return errors.WrapInvalid(
				stderrors.New("rate limit must be positive"),
				"Notifier", "WithRateLimit", "validate limit")
		}
		cfg.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
		return nil
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(cfg *notifierConfig) error {
		if logger == nil {
			return errors.WrapInvalid(
				stderrors.New("logger cannot be nil"),
				"Notifier", "WithLogger", "validate logger")
		}
		cfg.logger = logger
		return nil
	}
}

// WithMetrics exports delivery counters and worker pool gauges.
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(cfg *notifierConfig) error {
		cfg.registry = registry
		return nil
	}
}

// WithWorkers sets the delivery worker count.
func WithWorkers(n int) Option {
	return func(cfg *notifierConfig) error {
		if n <= 0 {
			return errors.WrapInvalid(
				stderrors.New("worker count must be positive"),
				"Notifier", "WithWorkers", "validate workers")
		}
		cfg.workers = n
		return nil
	}
}

// New creates a notifier for the given endpoints. Zero endpoints is
// legal and yields a notifier that drops everything, so callers can
// wire it unconditionally.
func New(endpoints []Endpoint, opts ...Option) (*Notifier, error) {
	cfg := &notifierConfig{
		retry:     retry.Probe(),
		limiter:   rate.NewLimiter(rate.Limit(10), 20),
		logger:    slog.Default(),
		workers:   DefaultWorkers,
		queueSize: DefaultQueueSize,
	}
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}
	if cfg.client == nil {
		cfg.client = &http.Client{}
	}

	targets := make([]target, 0, len(endpoints))
	seen := make(map[string]bool, len(endpoints))
	for _, endpoint := range endpoints {
		if err := endpoint.validate(); err != nil {
			return nil, err
		}
		if seen[endpoint.Name] {
			return nil, errors.WrapInvalid(
				fmt.Errorf("%w: endpoint %s configured twice", errors.ErrInvalidConfig, endpoint.Name),
				"Notifier", "New", "validate endpoints")
		}
		seen[endpoint.Name] = true

		if endpoint.Timeout <= 0 {
			endpoint.Timeout = DefaultEndpointTimeout
		}
		wants := make(map[events.Type]bool, len(endpoint.Events))
		for _, eventType := range endpoint.Events {
			wants[eventType] = true
		}
		targets = append(targets, target{endpoint: endpoint, wants: wants})
	}

	metrics, err := newNotifierMetrics(cfg.registry)
	if err != nil {
		return nil, errors.WrapFatal(err, "Notifier", "New", "register metrics")
	}

	n := &Notifier{
		targets: targets,
		client:  cfg.client,
		retry:   cfg.retry,
		limiter: cfg.limiter,
		logger:  cfg.logger.With("component", "notifier"),
		metrics: metrics,
	}

	poolOpts := []worker.Option[delivery]{
		worker.WithWorkers[delivery](cfg.workers),
		worker.WithQueueSize[delivery](cfg.queueSize),
	}
	if cfg.registry != nil {
		poolOpts = append(poolOpts, worker.WithMetricsRegistry[delivery](cfg.registry, "notify_deliveries"))
	}
	pool, err := worker.NewPool(n.deliver, poolOpts...)
	if err != nil {
		return nil, errors.WrapFatal(err, "Notifier", "New", "create delivery pool")
	}
	n.pool = pool

	return n, nil
}

// Start launches the delivery workers.
func (n *Notifier) Start(ctx context.Context) error {
	if err := n.pool.Start(ctx); err != nil {
		return errors.WrapFatal(err, "Notifier", "Start", "start delivery pool")
	}
	if len(n.targets) == 0 {
		n.logger.Info("No webhook endpoints configured, notifications disabled")
	} else {
		n.logger.Info("Webhook notifier started", "endpoints", len(n.targets))
	}
	return nil
}

// Stop drains in-flight deliveries.
func (n *Notifier) Stop(timeout time.Duration) error {
	return n.pool.Stop(timeout)
}

// Notify queues an event for every endpoint whose filter matches.
// Deliveries are best-effort: a full queue drops, it never blocks.
func (n *Notifier) Notify(event events.Event) {
	if event.Type == "" {
		return
	}
	data, err := json.Marshal(event)
	if err != nil {
		n.logger.Warn("Dropping unmarshalable event", "type", event.Type, "error", err)
		return
	}
	n.dispatch(event, data)
}

// AttachNATS feeds the published event stream into the notifier.
func (n *Notifier) AttachNATS(ctx context.Context, client *natsclient.Client) error {
	if client == nil {
		return errors.WrapFatal(
			stderrors.New("nats client cannot be nil"),
			"Notifier", "AttachNATS", "validate client")
	}

	err := client.Subscribe(ctx, events.SubjectWildcard, func(_ context.Context, data []byte) {
		var event events.Event
		if err := json.Unmarshal(data, &event); err != nil {
			n.logger.Warn("Dropping malformed event payload", "error", err)
			return
		}
		n.dispatch(event, data)
	})
	if err != nil {
		return errors.WrapTransient(err, "Notifier", "AttachNATS", "subscribe "+events.SubjectWildcard)
	}
	return nil
}

func (n *Notifier) dispatch(event events.Event, data []byte) {
	for _, t := range n.targets {
		if !t.wantsType(event.Type) {
			continue
		}
		if err := n.pool.Submit(delivery{target: t, event: event, data: data}); err != nil {
			n.logger.Warn("Dropping delivery, queue full",
				"endpoint", t.endpoint.Name,
				"type", event.Type,
				"error", err)
		}
	}
}

// deliver runs on the worker pool: rate limit, then POST with retry.
func (n *Notifier) deliver(ctx context.Context, d delivery) error {
	if err := n.limiter.Wait(ctx); err != nil {
		return err
	}

	start := time.Now()
	if err := n.post(ctx, d); err != nil {
		if n.metrics != nil {
			n.metrics.failed.WithLabelValues(d.target.endpoint.Name).Inc()
		}
		n.logger.Warn("Webhook delivery failed",
			"endpoint", d.target.endpoint.Name,
			"type", d.event.Type,
			"error", err)
		return err
	}

	if n.metrics != nil {
		n.metrics.delivered.WithLabelValues(d.target.endpoint.Name).Inc()
	}
	n.logger.Debug("Webhook delivered",
		"endpoint", d.target.endpoint.Name,
		"type", d.event.Type,
		"took", time.Since(start).Round(time.Millisecond))
	return nil
}

func (n *Notifier) post(ctx context.Context, d delivery) error {
	endpoint := d.target.endpoint

	attempt := func() error {
		reqCtx, cancel := context.WithTimeout(ctx, endpoint.Timeout)
		defer cancel()

		req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, endpoint.URL, bytes.NewReader(d.data))
		if err != nil {
			return retry.NonRetryable(err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Sway-Event", string(d.event.Type))
		req.Header.Set("X-Sway-Delivery", d.event.ID)
		if endpoint.Token != "" {
			req.Header.Set("Authorization", "Bearer "+endpoint.Token)
		}

		resp, err := n.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return retry.NonRetryable(ctx.Err())
			}
			return err
		}
		defer func() {
			_, _ = io.Copy(io.Discard, resp.Body)
			_ = resp.Body.Close()
		}()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		err = fmt.Errorf("endpoint %s returned status %d", endpoint.Name, resp.StatusCode)
		// Client errors will not improve on retry; 429 is the exception.
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return retry.NonRetryable(err)
		}
		return err
	}

	if err := retry.Do(ctx, n.retry, attempt); err != nil {
		return errors.WrapTransient(err, "Notifier", "post", "deliver to "+endpoint.Name)
	}
	return nil
}
