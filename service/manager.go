package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/Peleke/MindMirror-sub002/config"
	"github.com/Peleke/MindMirror-sub002/healthcheck"
	"github.com/Peleke/MindMirror-sub002/natsclient"
)

// Manager owns the lifecycle of every internal service and the
// control-plane API server. Services start in creation order and stop
// in reverse; the HTTP listener comes up only after every service has
// started, so a reachable API always means a running control plane.
type Manager struct {
	registry *Registry
	services map[string]Service
	order    []string
	mu       sync.RWMutex

	serverCfg  config.ServerConfig
	natsClient *natsclient.Client
	logger     *slog.Logger

	httpServer *http.Server
	httpMux    *http.ServeMux
}

// NewManager creates a service manager.
func NewManager(registry *Registry, serverCfg config.ServerConfig, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		registry:  registry,
		services:  make(map[string]Service),
		serverCfg: serverCfg,
		logger:    logger.With("component", "service-manager"),
	}
}

// SetNATSClient attaches the bus connection reported under /health.
func (m *Manager) SetNATSClient(client *natsclient.Client) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.natsClient = client
}

// CreateService creates a service instance using the registered
// constructor.
func (m *Manager) CreateService(name string, deps *Dependencies) (Service, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.services[name]; exists {
		return nil, fmt.Errorf("service %s already created", name)
	}

	constructor, exists := m.registry.Constructor(name)
	if !exists {
		return nil, fmt.Errorf("no constructor registered for service %s", name)
	}

	svc, err := constructor(deps)
	if err != nil {
		return nil, fmt.Errorf("failed to create service %s: %w", name, err)
	}

	m.services[name] = svc
	m.order = append(m.order, name)
	return svc, nil
}

// GetService returns a service instance by name.
func (m *Manager) GetService(name string) (Service, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	svc, exists := m.services[name]
	return svc, exists
}

// GetAllServices returns all created service instances.
func (m *Manager) GetAllServices() map[string]Service {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make(map[string]Service, len(m.services))
	for name, svc := range m.services {
		result[name] = svc
	}
	return result
}

// StartAll starts every created service in creation order, then brings
// up the API server with each service's routes mounted.
func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.RLock()
	order := make([]string, len(m.order))
	copy(order, m.order)
	services := make(map[string]Service, len(m.services))
	for name, svc := range m.services {
		services[name] = svc
	}
	m.mu.RUnlock()

	m.logger.Debug("starting services", "count", len(order))
	for _, name := range order {
		svc := services[name]
		m.logger.Debug("starting service", "name", name)
		if err := svc.Start(ctx); err != nil {
			return fmt.Errorf("failed to start service %s: %w", name, err)
		}
	}

	if err := m.startHTTPServer(); err != nil {
		return fmt.Errorf("start API server: %w", err)
	}
	m.logger.Info("all services started", "count", len(order), "addr", m.serverCfg.Addr)
	return nil
}

// StopAll stops every service in reverse creation order, then the API
// server. All stop errors are collected; shutdown always runs to the
// end.
func (m *Manager) StopAll(timeout time.Duration) error {
	m.mu.Lock()
	reverse := make([]string, len(m.order))
	for i, name := range m.order {
		reverse[len(m.order)-1-i] = name
	}
	services := make(map[string]Service, len(m.services))
	for name, svc := range m.services {
		services[name] = svc
	}
	m.mu.Unlock()

	start := time.Now()
	var errs []error
	for _, name := range reverse {
		svc, exists := services[name]
		if !exists {
			continue
		}
		m.logger.Debug("stopping service", "name", name)
		if err := svc.Stop(timeout); err != nil {
			m.logger.Error("service stop failed", "name", name, "error", err)
			errs = append(errs, fmt.Errorf("failed to stop service %s: %w", name, err))
		}
	}

	m.mu.Lock()
	m.services = make(map[string]Service)
	m.order = nil
	m.mu.Unlock()

	if err := m.stopHTTPServer(); err != nil {
		errs = append(errs, err)
	}

	m.logger.Debug("shutdown complete",
		"duration_ms", time.Since(start).Milliseconds(),
		"error_count", len(errs))
	if len(errs) > 0 {
		return fmt.Errorf("stop errors: %v", errs)
	}
	return nil
}

// Handler builds the API mux: system endpoints plus every route the
// services mount. Exposed for tests; StartAll wires it into the
// listener.
func (m *Manager) Handler() http.Handler {
	mux := http.NewServeMux()

	// The platform health contract: both paths answer 200 when
	// serving.
	mux.HandleFunc("/health", m.handleSystemHealth)
	mux.HandleFunc("/healthcheck", m.handleSystemHealth)
	mux.HandleFunc("/healthz", m.handleLiveness)
	mux.HandleFunc("/readyz", m.handleReadiness)

	mux.HandleFunc("GET /services", m.handleServiceList)
	mux.HandleFunc("GET /services/health", m.handleServicesHealth)

	m.mu.RLock()
	for _, svc := range m.services {
		if handler, ok := svc.(HTTPHandler); ok {
			handler.RegisterHTTPHandlers(mux)
		}
	}
	m.mu.RUnlock()

	return mux
}

func (m *Manager) startHTTPServer() error {
	// Build the mux before taking the write lock: Handler takes the
	// read lock itself, and RWMutex is not reentrant.
	handler := m.Handler()

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.httpServer != nil {
		return fmt.Errorf("API server already started")
	}

	m.httpServer = &http.Server{
		Addr:         m.serverCfg.Addr,
		Handler:      handler,
		ReadTimeout:  m.serverCfg.ReadTimeout,
		WriteTimeout: m.serverCfg.WriteTimeout,
		IdleTimeout:  m.serverCfg.IdleTimeout,
	}

	server := m.httpServer
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			m.logger.Error("API server error", "error", err)
		}
	}()
	return nil
}

func (m *Manager) stopHTTPServer() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.httpServer == nil {
		return nil
	}

	timeout := m.serverCfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := m.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown API server: %w", err)
	}
	m.httpServer = nil
	return nil
}

// handleSystemHealth returns aggregated system health: every service
// plus the bus connection.
func (m *Manager) handleSystemHealth(w http.ResponseWriter, _ *http.Request) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var subs []healthcheck.Status
	for _, svc := range m.services {
		subs = append(subs, svc.Health())
	}
	if m.natsClient != nil {
		if m.natsClient.IsHealthy() {
			subs = append(subs, healthcheck.NewHealthy("nats", "connected"))
		} else {
			status := m.natsClient.GetStatus()
			subs = append(subs, healthcheck.NewUnhealthy("nats",
				fmt.Sprintf("disconnected: %s (failures: %d)",
					status.Status.String(), status.FailureCount)))
		}
	}

	system := healthcheck.Aggregate("system", subs)

	w.Header().Set("Content-Type", "application/json")
	if system.IsUnhealthy() {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	if err := json.NewEncoder(w).Encode(system); err != nil {
		m.logger.Error("failed to encode system health", "error", err)
	}
}

func (m *Manager) handleLiveness(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (m *Manager) handleReadiness(w http.ResponseWriter, _ *http.Request) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ready := true
	for _, svc := range m.services {
		if svc.Status() != StatusRunning || !svc.IsHealthy() {
			ready = false
			break
		}
	}

	if ready {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("READY"))
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("NOT READY"))
	}
}

func (m *Manager) handleServiceList(w http.ResponseWriter, _ *http.Request) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	services := make([]map[string]any, 0, len(m.services))
	names := make([]string, 0, len(m.services))
	for name := range m.services {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		svc := m.services[name]
		services = append(services, map[string]any{
			"name":    name,
			"status":  svc.Status().String(),
			"healthy": svc.IsHealthy(),
		})
	}

	response := map[string]any{
		"services": services,
		"count":    len(services),
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		m.logger.Error("failed to encode service list", "error", err)
	}
}

func (m *Manager) handleServicesHealth(w http.ResponseWriter, _ *http.Request) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var statuses []healthcheck.Status
	for _, svc := range m.services {
		statuses = append(statuses, svc.Health())
	}
	sort.Slice(statuses, func(i, j int) bool {
		return statuses[i].Component < statuses[j].Component
	})

	response := struct {
		Overall  healthcheck.Status   `json:"overall"`
		Services []healthcheck.Status `json:"services"`
	}{
		Overall:  healthcheck.Aggregate("services", statuses),
		Services: statuses,
	}

	w.Header().Set("Content-Type", "application/json")
	if response.Overall.IsUnhealthy() {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	if err := json.NewEncoder(w).Encode(response); err != nil {
		m.logger.Error("failed to encode services health", "error", err)
	}
}
