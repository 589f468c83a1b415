package healthcheck

import (
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Peleke/MindMirror-sub002/errors"
	"github.com/Peleke/MindMirror-sub002/metric"
)

// metricsService is the registry key for monitor-owned collectors.
const metricsService = "healthcheck"

// Monitor tracks health of multiple components in a thread-safe manner.
type Monitor struct {
	mu       sync.RWMutex
	statuses map[string]Status

	healthGauge *prometheus.GaugeVec
}

// MonitorOption configures a Monitor.
type MonitorOption func(*Monitor) error

// WithMonitorMetrics exports a per-component health gauge (1 healthy,
// 0.5 degraded, 0 unhealthy) through the given registrar.
func WithMonitorMetrics(registrar metric.MetricsRegistrar) MonitorOption {
	return func(m *Monitor) error {
		gauge := prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metric.Namespace,
			Subsystem: metricsService,
			Name:      "component_health",
			Help:      "Component health: 1 healthy, 0.5 degraded, 0 unhealthy",
		}, []string{"component"})
		if err := registrar.RegisterGaugeVec(metricsService, "component_health", gauge); err != nil {
			return errors.WrapFatal(err, "Monitor", "WithMonitorMetrics", "gauge registration")
		}
		m.healthGauge = gauge
		return nil
	}
}

// NewMonitor creates a health monitor.
func NewMonitor(opts ...MonitorOption) (*Monitor, error) {
	m := &Monitor{statuses: make(map[string]Status)}
	for _, opt := range opts {
		if err := opt(m); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Update records the status for a named component.
func (m *Monitor) Update(name string, status Status) {
	m.mu.Lock()
	defer m.mu.Unlock()

	status.Component = name
	if status.Timestamp.IsZero() {
		status.Timestamp = time.Now()
	}
	m.statuses[name] = status

	if m.healthGauge != nil {
		m.healthGauge.WithLabelValues(name).Set(healthValue(status))
	}
}

func healthValue(s Status) float64 {
	switch {
	case s.IsHealthy():
		return 1
	case s.IsDegraded():
		return 0.5
	default:
		return 0
	}
}

// UpdateHealthy records a component as healthy.
func (m *Monitor) UpdateHealthy(name, message string) {
	m.Update(name, NewHealthy(name, message))
}

// UpdateUnhealthy records a component as unhealthy.
func (m *Monitor) UpdateUnhealthy(name, message string) {
	m.Update(name, NewUnhealthy(name, message))
}

// UpdateDegraded records a component as degraded.
func (m *Monitor) UpdateDegraded(name, message string) {
	m.Update(name, NewDegraded(name, message))
}

// Get retrieves the status for a named component.
func (m *Monitor) Get(name string) (Status, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	status, ok := m.statuses[name]
	return status, ok
}

// GetAll returns a copy of all current statuses.
func (m *Monitor) GetAll() map[string]Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Status, len(m.statuses))
	for name, status := range m.statuses {
		out[name] = status
	}
	return out
}

// Remove stops tracking a component, e.g. a service deleted from the
// registry.
func (m *Monitor) Remove(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.statuses, name)
	if m.healthGauge != nil {
		m.healthGauge.DeleteLabelValues(name)
	}
}

// AggregateHealth rolls every tracked component into one status.
// Sub-statuses are sorted by component name so the output is stable.
func (m *Monitor) AggregateHealth(systemName string) Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	subs := make([]Status, 0, len(m.statuses))
	for _, status := range m.statuses {
		subs = append(subs, status)
	}
	sort.Slice(subs, func(i, j int) bool { return subs[i].Component < subs[j].Component })
	return Aggregate(systemName, subs)
}

// ListComponents returns the names of all tracked components, sorted.
func (m *Monitor) ListComponents() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.statuses))
	for name := range m.statuses {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Count returns the number of tracked components.
func (m *Monitor) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.statuses)
}
