package metric

import (
	"errors"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	swayerrors "github.com/Peleke/MindMirror-sub002/errors"
)

// MetricsRegistrar is the interface components use to register their own
// metrics with the shared registry.
type MetricsRegistrar interface {
	RegisterCounter(serviceName, metricName string, counter prometheus.Counter) error
	RegisterCounterVec(serviceName, metricName string, counterVec *prometheus.CounterVec) error
	RegisterGauge(serviceName, metricName string, gauge prometheus.Gauge) error
	RegisterGaugeVec(serviceName, metricName string, gaugeVec *prometheus.GaugeVec) error
	RegisterHistogram(serviceName, metricName string, histogram prometheus.Histogram) error
	RegisterHistogramVec(serviceName, metricName string, histogramVec *prometheus.HistogramVec) error
	Unregister(serviceName, metricName string) bool
}

// MetricsRegistry wraps a prometheus registry with duplicate-safe
// registration keyed by service and metric name. The core platform
// metrics are registered at construction.
type MetricsRegistry struct {
	prometheusRegistry *prometheus.Registry
	Metrics            *Metrics
	registeredMetrics  map[string]prometheus.Collector
	mu                 sync.RWMutex
}

var _ MetricsRegistrar = (*MetricsRegistry)(nil)

// NewMetricsRegistry creates a registry preloaded with the core platform
// metrics plus Go runtime and process collectors.
func NewMetricsRegistry() (*MetricsRegistry, error) {
	promRegistry := prometheus.NewRegistry()

	metrics, err := newMetrics(promRegistry)
	if err != nil {
		return nil, swayerrors.WrapFatal(err, "MetricsRegistry", "NewMetricsRegistry", "core metrics registration")
	}

	if err := promRegistry.Register(collectors.NewGoCollector()); err != nil {
		return nil, swayerrors.WrapFatal(err, "MetricsRegistry", "NewMetricsRegistry", "go collector registration")
	}
	if err := promRegistry.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{})); err != nil {
		return nil, swayerrors.WrapFatal(err, "MetricsRegistry", "NewMetricsRegistry", "process collector registration")
	}

	return &MetricsRegistry{
		prometheusRegistry: promRegistry,
		Metrics:            metrics,
		registeredMetrics:  make(map[string]prometheus.Collector),
	}, nil
}

// PrometheusRegistry exposes the underlying registry for HTTP handlers.
func (r *MetricsRegistry) PrometheusRegistry() *prometheus.Registry {
	return r.prometheusRegistry
}

// RegisterCounter registers a counter under serviceName.metricName.
func (r *MetricsRegistry) RegisterCounter(serviceName, metricName string, counter prometheus.Counter) error {
	return r.register(serviceName, metricName, "RegisterCounter", counter)
}

// RegisterCounterVec registers a counter vector under serviceName.metricName.
func (r *MetricsRegistry) RegisterCounterVec(serviceName, metricName string, counterVec *prometheus.CounterVec) error {
	return r.register(serviceName, metricName, "RegisterCounterVec", counterVec)
}

// RegisterGauge registers a gauge under serviceName.metricName.
func (r *MetricsRegistry) RegisterGauge(serviceName, metricName string, gauge prometheus.Gauge) error {
	return r.register(serviceName, metricName, "RegisterGauge", gauge)
}

// RegisterGaugeVec registers a gauge vector under serviceName.metricName.
func (r *MetricsRegistry) RegisterGaugeVec(serviceName, metricName string, gaugeVec *prometheus.GaugeVec) error {
	return r.register(serviceName, metricName, "RegisterGaugeVec", gaugeVec)
}

// RegisterHistogram registers a histogram under serviceName.metricName.
func (r *MetricsRegistry) RegisterHistogram(serviceName, metricName string, histogram prometheus.Histogram) error {
	return r.register(serviceName, metricName, "RegisterHistogram", histogram)
}

// RegisterHistogramVec registers a histogram vector under serviceName.metricName.
func (r *MetricsRegistry) RegisterHistogramVec(serviceName, metricName string, histogramVec *prometheus.HistogramVec) error {
	return r.register(serviceName, metricName, "RegisterHistogramVec", histogramVec)
}

func (r *MetricsRegistry) register(serviceName, metricName, method string, collector prometheus.Collector) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := fmt.Sprintf("%s.%s", serviceName, metricName)
	if _, exists := r.registeredMetrics[key]; exists {
		return swayerrors.WrapInvalid(
			fmt.Errorf("metric %s already registered", key),
			"MetricsRegistry", method, "duplicate check",
		)
	}

	if err := r.prometheusRegistry.Register(collector); err != nil {
		var alreadyRegistered prometheus.AlreadyRegisteredError
		if errors.As(err, &alreadyRegistered) {
			return swayerrors.WrapInvalid(err, "MetricsRegistry", method, "prometheus registration")
		}
		return swayerrors.WrapFatal(err, "MetricsRegistry", method, "prometheus registration")
	}

	r.registeredMetrics[key] = collector
	return nil
}

// Unregister removes a metric registered under serviceName.metricName.
// Returns false when the metric was never registered.
func (r *MetricsRegistry) Unregister(serviceName, metricName string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := fmt.Sprintf("%s.%s", serviceName, metricName)
	collector, exists := r.registeredMetrics[key]
	if !exists {
		return false
	}

	delete(r.registeredMetrics, key)
	return r.prometheusRegistry.Unregister(collector)
}
