package metric

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Peleke/MindMirror-sub002/pkg/security"
	"github.com/Peleke/MindMirror-sub002/pkg/tlscert"
)

const (
	defaultMetricsPort = 9090
	defaultMetricsPath = "/metrics"
)

// Server exposes the metrics registry over HTTP, optionally behind TLS.
type Server struct {
	port     int
	path     string
	server   *http.Server
	registry *MetricsRegistry
	security security.Config
	mu       sync.Mutex
}

// ServerOption configures the metrics server.
type ServerOption func(*Server)

// WithPort overrides the default listen port.
func WithPort(port int) ServerOption {
	return func(s *Server) { s.port = port }
}

// WithPath overrides the default scrape path.
func WithPath(path string) ServerOption {
	return func(s *Server) { s.path = path }
}

// WithSecurity enables TLS on the metrics listener.
func WithSecurity(cfg security.Config) ServerOption {
	return func(s *Server) { s.security = cfg }
}

// NewServer creates a metrics server for the given registry.
func NewServer(registry *MetricsRegistry, opts ...ServerOption) *Server {
	s := &Server{
		port:     defaultMetricsPort,
		path:     defaultMetricsPath,
		registry: registry,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start begins serving metrics. Non-blocking; the listener runs until
// Stop is called.
func (s *Server) Start(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server != nil {
		return fmt.Errorf("metrics server already started")
	}

	mux := http.NewServeMux()
	mux.Handle(s.path, promhttp.HandlerFor(s.registry.PrometheusRegistry(), promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprintf(w, `<html><head><title>Sway Metrics</title></head>
<body><h1>Sway Metrics</h1><p><a href=%q>Metrics</a></p></body></html>`, s.path)
	})

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.port),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	serverTLS := s.security.TLS.Server
	if serverTLS.Enabled {
		tlsConfig, err := tlscert.LoadServerTLSConfig(serverTLS)
		if err != nil {
			return fmt.Errorf("failed to load metrics TLS config: %w", err)
		}
		s.server.TLSConfig = tlsConfig
	}

	go func() {
		var err error
		if s.server.TLSConfig != nil {
			slog.Info("Metrics server starting with TLS", "port", s.port, "path", s.path)
			err = s.server.ListenAndServeTLS("", "")
		} else {
			slog.Info("Metrics server starting", "port", s.port, "path", s.path)
			err = s.server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			slog.Error("Metrics server failed", "error", err)
		}
	}()

	return nil
}

// Stop shuts the listener down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server == nil {
		return nil
	}

	err := s.server.Shutdown(ctx)
	s.server = nil
	return err
}

// Address returns the configured listen address.
func (s *Server) Address() string {
	return fmt.Sprintf(":%d", s.port)
}
