package gateway

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Peleke/MindMirror-sub002/config"
	"github.com/Peleke/MindMirror-sub002/errors"
	"github.com/Peleke/MindMirror-sub002/events"
	"github.com/Peleke/MindMirror-sub002/metric"
	"github.com/Peleke/MindMirror-sub002/pkg/cache"
	"github.com/Peleke/MindMirror-sub002/pkg/security"
	"github.com/Peleke/MindMirror-sub002/pkg/tlscert"
	"github.com/Peleke/MindMirror-sub002/platform"
)

// ArtifactSource supplies composed supergraph artifacts.
// *artifactstore.Store satisfies it.
type ArtifactSource interface {
	GetSupergraph(ctx context.Context, env platform.Environment) (*platform.Supergraph, error)
	LatestHash(ctx context.Context, env platform.Environment) (string, error)
}

// EventSource delivers platform events. *natsclient.Client satisfies
// it.
type EventSource interface {
	Subscribe(ctx context.Context, subject string, handler func(context.Context, []byte)) error
}

// Dependencies carries what the gateway needs from the platform.
type Dependencies struct {
	// Environment selects which supergraph to serve.
	Environment platform.Environment

	// Artifacts is the supergraph source. Required.
	Artifacts ArtifactSource

	// Events triggers reloads when a new supergraph goes current.
	// Optional; without it the gateway polls on SchemaCacheTTL.
	Events EventSource
}

// Gateway serves the composed supergraph over one public GraphQL
// endpoint, routing top-level fields to the services that own them.
type Gateway struct {
	cfg         config.GatewayConfig
	environment platform.Environment
	artifacts   ArtifactSource
	events      EventSource

	planner  *planner
	executor *executor
	graph    atomic.Pointer[graph]

	security   security.Config
	tlsCleanup func()
	logger     *slog.Logger
	metrics    *metric.Metrics
	cacheReg   *metric.MetricsRegistry
	httpClient *http.Client

	server   *http.Server
	running  bool
	mu       sync.RWMutex
	stopChan chan struct{}
	stopOnce sync.Once
}

// Option configures a Gateway.
type Option func(*Gateway) error

// WithLogger sets the logger. Nil falls back to slog.Default.
func WithLogger(logger *slog.Logger) Option {
	return func(gw *Gateway) error {
		if logger != nil {
			gw.logger = logger
		}
		return nil
	}
}

// WithMetrics wires request counters and upstream latency histograms.
func WithMetrics(metrics *metric.Metrics) Option {
	return func(gw *Gateway) error {
		gw.metrics = metrics
		return nil
	}
}

// WithCacheMetrics exports operation-cache statistics through the
// given registry.
func WithCacheMetrics(registry *metric.MetricsRegistry) Option {
	return func(gw *Gateway) error {
		gw.cacheReg = registry
		return nil
	}
}

// WithSecurity applies platform TLS settings to the listener.
func WithSecurity(sec security.Config) Option {
	return func(gw *Gateway) error {
		gw.security = sec
		return nil
	}
}

// WithGatewayHTTPClient replaces the transport used for service
// requests, e.g. to add client TLS.
func WithGatewayHTTPClient(client *http.Client) Option {
	return func(gw *Gateway) error {
		if client == nil {
			return errors.WrapInvalid(errors.ErrInvalidConfig, "Gateway", "WithGatewayHTTPClient",
				"client cannot be nil")
		}
		gw.httpClient = client
		return nil
	}
}

// New creates a gateway. It starts serving nothing: queries answer 503
// until the first supergraph activates.
func New(cfg config.GatewayConfig, deps Dependencies, opts ...Option) (*Gateway, error) {
	if err := deps.Environment.Validate(); err != nil {
		return nil, err
	}
	if deps.Artifacts == nil {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "Gateway", "New",
			"artifact source is required")
	}

	if cfg.Listen == "" {
		cfg.Listen = ":4000"
	}
	if cfg.GraphQLPath == "" {
		cfg.GraphQLPath = platform.DefaultGraphQLPath
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.MaxRequestBytes <= 0 {
		cfg.MaxRequestBytes = 1 << 20
	}
	if cfg.SchemaCacheTTL <= 0 {
		cfg.SchemaCacheTTL = 30 * time.Second
	}

	gw := &Gateway{
		cfg:         cfg,
		environment: deps.Environment,
		artifacts:   deps.Artifacts,
		events:      deps.Events,
		logger:      slog.Default(),
		stopChan:    make(chan struct{}),
	}
	for _, opt := range opts {
		if err := opt(gw); err != nil {
			return nil, err
		}
	}

	var cacheOpts []cache.Option[*plan]
	if gw.cacheReg != nil {
		cacheOpts = append(cacheOpts, cache.WithMetrics[*plan](gw.cacheReg, "gateway_operations"))
	}
	pln, err := newPlanner(cfg.OperationCacheSize, cacheOpts...)
	if err != nil {
		return nil, errors.WrapTransient(err, "Gateway", "New", "operation cache")
	}
	gw.planner = pln

	if gw.httpClient == nil {
		gw.httpClient = &http.Client{Timeout: cfg.RequestTimeout}
	}
	gw.executor = newExecutor(gw.httpClient, gw.logger, gw.metrics)

	return gw, nil
}

func (gw *Gateway) activeGraph() *graph {
	return gw.graph.Load()
}

// Hash returns the content hash of the active supergraph, empty before
// the first activation.
func (gw *Gateway) Hash() string {
	if g := gw.activeGraph(); g != nil {
		return g.hash()
	}
	return ""
}

// Reload fetches the current artifact and activates it. A failed fetch
// or a broken artifact leaves the running graph in place.
func (gw *Gateway) Reload(ctx context.Context) error {
	artifact, err := gw.artifacts.GetSupergraph(ctx, gw.environment)
	if err != nil {
		return err
	}

	if current := gw.activeGraph(); current != nil && current.hash() == artifact.Hash {
		return nil
	}

	g, err := newGraph(artifact)
	if err != nil {
		if gw.metrics != nil {
			gw.metrics.RecordError("gateway", "activate")
		}
		return err
	}

	gw.graph.Store(g)
	// Plans embed the artifact hash in their cache key, so stale
	// entries are unreachable; clearing just frees them early.
	gw.planner.clear()

	gw.logger.Info("supergraph activated",
		"environment", gw.environment.String(),
		"hash", artifact.Hash,
		"release", artifact.ReleaseID,
		"services", len(artifact.Services()))
	return nil
}

// Start runs the gateway until ctx is cancelled or Stop is called. The
// ready channel is closed when the listener is about to accept
// connections. An unreachable artifact store does not block startup;
// the gateway serves 503 and keeps trying in the background.
func (gw *Gateway) Start(ctx context.Context, ready chan<- struct{}) error {
	gw.mu.Lock()
	if gw.running {
		gw.mu.Unlock()
		return errors.WrapFatal(stderrors.New("gateway already running"),
			"Gateway", "Start", "lifecycle")
	}
	gw.running = true
	gw.mu.Unlock()

	if err := gw.Reload(ctx); err != nil {
		gw.logger.Warn("starting without a supergraph",
			"environment", gw.environment.String(),
			"error", err)
	}

	if gw.events != nil {
		subject := events.SubjectFor(events.TypeSupergraphUpdated)
		if err := gw.events.Subscribe(ctx, subject, gw.handleSupergraphEvent); err != nil {
			return errors.WrapTransient(err, "Gateway", "Start", "subscribe "+subject)
		}
		gw.logger.Info("reloading on supergraph events", "subject", subject)
	}
	go gw.refreshLoop(ctx)

	serverTLS := gw.security.TLS.Server
	tlsConfig, tlsCleanup, err := tlscert.LoadServerTLSConfigWithACME(ctx, serverTLS)
	if err != nil {
		return errors.WrapFatal(err, "Gateway", "Start", "load TLS config")
	}
	gw.tlsCleanup = tlsCleanup

	server := &http.Server{
		Addr:         gw.cfg.Listen,
		Handler:      gw.handler(),
		TLSConfig:    tlsConfig,
		ReadTimeout:  gw.cfg.RequestTimeout,
		WriteTimeout: gw.cfg.RequestTimeout,
		IdleTimeout:  60 * time.Second,
	}
	gw.mu.Lock()
	gw.server = server
	gw.mu.Unlock()

	errChan := make(chan error, 1)
	go func() {
		defer close(errChan)
		gw.logger.Info("gateway starting",
			"address", gw.cfg.Listen,
			"path", gw.cfg.GraphQLPath,
			"tls", server.TLSConfig != nil)

		if ready != nil {
			close(ready)
		}

		var serveErr error
		if server.TLSConfig != nil {
			serveErr = server.ListenAndServeTLS("", "")
		} else {
			serveErr = server.ListenAndServe()
		}
		if serveErr != nil && serveErr != http.ErrServerClosed {
			select {
			case errChan <- serveErr:
			case <-ctx.Done():
			case <-gw.stopChan:
			}
		}
	}()

	select {
	case <-ctx.Done():
		gw.logger.Info("gateway context cancelled, shutting down")
		return gw.Stop(30 * time.Second)

	case <-gw.stopChan:
		return nil

	case err := <-errChan:
		gw.mu.Lock()
		gw.running = false
		gw.mu.Unlock()
		return errors.WrapFatal(err, "Gateway", "Start", "HTTP server failed")
	}
}

// Stop shuts the listener down gracefully and releases background
// resources.
func (gw *Gateway) Stop(timeout time.Duration) error {
	gw.mu.Lock()
	if !gw.running {
		gw.mu.Unlock()
		return nil
	}
	server := gw.server
	gw.mu.Unlock()

	gw.stopOnce.Do(func() {
		close(gw.stopChan)
	})

	if server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			gw.logger.Error("gateway shutdown failed", "error", err)
			return errors.WrapTransient(err, "Gateway", "Stop", "graceful shutdown")
		}
	}

	if gw.tlsCleanup != nil {
		gw.tlsCleanup()
	}
	gw.planner.close()

	gw.mu.Lock()
	gw.running = false
	gw.mu.Unlock()

	gw.logger.Info("gateway stopped")
	return nil
}

// refreshLoop polls the artifact store so a gateway that missed an
// event still converges on the current supergraph.
func (gw *Gateway) refreshLoop(ctx context.Context) {
	ticker := time.NewTicker(gw.cfg.SchemaCacheTTL)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-gw.stopChan:
			return
		case <-ticker.C:
			gw.refresh(ctx)
		}
	}
}

func (gw *Gateway) refresh(ctx context.Context) {
	hash, err := gw.artifacts.LatestHash(ctx, gw.environment)
	if err != nil {
		gw.logger.Debug("supergraph poll failed", "error", err)
		return
	}
	if g := gw.activeGraph(); g != nil && g.hash() == hash {
		return
	}
	if err := gw.Reload(ctx); err != nil {
		gw.logger.Warn("supergraph refresh failed", "error", err)
	}
}

// handleSupergraphEvent reloads when a new supergraph goes current in
// this gateway's environment.
func (gw *Gateway) handleSupergraphEvent(ctx context.Context, data []byte) {
	var event events.Event
	if err := json.Unmarshal(data, &event); err != nil {
		gw.logger.Warn("dropping malformed event payload", "error", err)
		return
	}

	var update events.SupergraphEventData
	if err := json.Unmarshal(event.Data, &update); err != nil {
		gw.logger.Warn("dropping malformed supergraph event", "error", err)
		return
	}
	if update.Environment != gw.environment {
		return
	}
	if g := gw.activeGraph(); g != nil && g.hash() == update.Hash {
		return
	}

	if err := gw.Reload(ctx); err != nil {
		gw.logger.Warn("supergraph reload failed",
			"hash", update.Hash,
			"release", update.ReleaseID,
			"error", err)
	}
}
