package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Namespace prefixes every metric the platform exports.
const Namespace = "sway"

const metricsNamespace = Namespace

// Metrics holds the core platform metrics every Sway process exports.
// Component-specific metrics register separately through the
// MetricsRegistrar interface.
type Metrics struct {
	// Service lifecycle
	ServiceStatus *prometheus.GaugeVec

	// Deploy pipeline
	DeploysTotal          *prometheus.CounterVec
	DeployDuration        *prometheus.HistogramVec
	PipelineStageDuration *prometheus.HistogramVec
	ApprovalsTotal        *prometheus.CounterVec

	// Supergraph composition
	CompositionsTotal   *prometheus.CounterVec
	CompositionDuration prometheus.Histogram

	// Gateway traffic
	GatewayRequests        *prometheus.CounterVec
	GatewayRequestDuration *prometheus.HistogramVec

	// Health probing
	HealthCheckStatus   *prometheus.GaugeVec
	HealthCheckDuration *prometheus.HistogramVec

	// Event stream
	EventsPublished *prometheus.CounterVec

	// Errors by component and class
	ErrorsTotal *prometheus.CounterVec

	// NATS connection state
	NATSConnected      prometheus.Gauge
	NATSRTT            prometheus.Gauge
	NATSReconnects     prometheus.Counter
	NATSCircuitBreaker prometheus.Gauge
}

func newMetrics(registry *prometheus.Registry) (*Metrics, error) {
	m := &Metrics{
		ServiceStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "service",
			Name:      "status",
			Help:      "Service status (0=stopped, 1=starting, 2=running, 3=stopping, 4=error)",
		}, []string{"service"}),

		DeploysTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "deploy",
			Name:      "total",
			Help:      "Deployments by environment and outcome",
		}, []string{"environment", "status"}),

		DeployDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "deploy",
			Name:      "duration_seconds",
			Help:      "Deployment phase duration in seconds",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		}, []string{"environment", "phase"}),

		PipelineStageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "pipeline",
			Name:      "stage_duration_seconds",
			Help:      "Pipeline stage duration in seconds",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		}, []string{"stage", "status"}),

		ApprovalsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "pipeline",
			Name:      "approvals_total",
			Help:      "Production approval decisions",
		}, []string{"decision"}),

		CompositionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "supergraph",
			Name:      "compositions_total",
			Help:      "Supergraph composition attempts by outcome",
		}, []string{"status"}),

		CompositionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "supergraph",
			Name:      "composition_duration_seconds",
			Help:      "Supergraph composition duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}),

		GatewayRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "gateway",
			Name:      "requests_total",
			Help:      "Gateway GraphQL requests by outcome",
		}, []string{"status"}),

		GatewayRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "gateway",
			Name:      "request_duration_seconds",
			Help:      "Gateway request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"service"}),

		HealthCheckStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "health",
			Name:      "check_status",
			Help:      "Last probe result per service (1=healthy, 0=unhealthy)",
		}, []string{"service"}),

		HealthCheckDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "health",
			Name:      "check_duration_seconds",
			Help:      "Health probe round-trip in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"service"}),

		EventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "events",
			Name:      "published_total",
			Help:      "Platform events published by type",
		}, []string{"type"}),

		ErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "errors_total",
			Help:      "Errors by component and classification",
		}, []string{"component", "class"}),

		NATSConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "nats",
			Name:      "connected",
			Help:      "NATS connection state (1=connected)",
		}),

		NATSRTT: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "nats",
			Name:      "rtt_seconds",
			Help:      "NATS round-trip time in seconds",
		}),

		NATSReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "nats",
			Name:      "reconnects_total",
			Help:      "NATS reconnection count",
		}),

		NATSCircuitBreaker: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "nats",
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		}),
	}

	collectors := []prometheus.Collector{
		m.ServiceStatus,
		m.DeploysTotal,
		m.DeployDuration,
		m.PipelineStageDuration,
		m.ApprovalsTotal,
		m.CompositionsTotal,
		m.CompositionDuration,
		m.GatewayRequests,
		m.GatewayRequestDuration,
		m.HealthCheckStatus,
		m.HealthCheckDuration,
		m.EventsPublished,
		m.ErrorsTotal,
		m.NATSConnected,
		m.NATSRTT,
		m.NATSReconnects,
		m.NATSCircuitBreaker,
	}

	for _, collector := range collectors {
		if err := registry.Register(collector); err != nil {
			return nil, err
		}
	}

	return m, nil
}

// RecordServiceStatus sets the lifecycle gauge for a service.
func (m *Metrics) RecordServiceStatus(service string, status float64) {
	m.ServiceStatus.WithLabelValues(service).Set(status)
}

// RecordDeploy counts a finished deployment.
func (m *Metrics) RecordDeploy(environment, status string) {
	m.DeploysTotal.WithLabelValues(environment, status).Inc()
}

// RecordDeployPhase observes the duration of one deployment phase.
func (m *Metrics) RecordDeployPhase(environment, phase string, duration time.Duration) {
	m.DeployDuration.WithLabelValues(environment, phase).Observe(duration.Seconds())
}

// RecordPipelineStage observes one pipeline stage run.
func (m *Metrics) RecordPipelineStage(stage, status string, duration time.Duration) {
	m.PipelineStageDuration.WithLabelValues(stage, status).Observe(duration.Seconds())
}

// RecordApproval counts a production approval decision.
func (m *Metrics) RecordApproval(decision string) {
	m.ApprovalsTotal.WithLabelValues(decision).Inc()
}

// RecordComposition counts a supergraph composition attempt.
func (m *Metrics) RecordComposition(status string, duration time.Duration) {
	m.CompositionsTotal.WithLabelValues(status).Inc()
	m.CompositionDuration.Observe(duration.Seconds())
}

// RecordGatewayRequest counts one proxied GraphQL request.
func (m *Metrics) RecordGatewayRequest(status string) {
	m.GatewayRequests.WithLabelValues(status).Inc()
}

// RecordGatewayRequestDuration observes upstream latency per service.
func (m *Metrics) RecordGatewayRequestDuration(service string, duration time.Duration) {
	m.GatewayRequestDuration.WithLabelValues(service).Observe(duration.Seconds())
}

// RecordHealthCheck records one probe result and its round-trip time.
func (m *Metrics) RecordHealthCheck(service string, healthy bool, duration time.Duration) {
	value := 0.0
	if healthy {
		value = 1.0
	}
	m.HealthCheckStatus.WithLabelValues(service).Set(value)
	m.HealthCheckDuration.WithLabelValues(service).Observe(duration.Seconds())
}

// RecordEventPublished counts one platform event.
func (m *Metrics) RecordEventPublished(eventType string) {
	m.EventsPublished.WithLabelValues(eventType).Inc()
}

// RecordError counts a classified error for a component.
func (m *Metrics) RecordError(component, class string) {
	m.ErrorsTotal.WithLabelValues(component, class).Inc()
}

// SetNATSConnected flips the connection gauge.
func (m *Metrics) SetNATSConnected(connected bool) {
	if connected {
		m.NATSConnected.Set(1)
	} else {
		m.NATSConnected.Set(0)
	}
}

// SetNATSRTT records the last measured round-trip time.
func (m *Metrics) SetNATSRTT(rtt time.Duration) {
	m.NATSRTT.Set(rtt.Seconds())
}

// RecordNATSReconnect counts one reconnection.
func (m *Metrics) RecordNATSReconnect() {
	m.NATSReconnects.Inc()
}

// SetNATSCircuitBreakerState records the breaker state.
func (m *Metrics) SetNATSCircuitBreakerState(state float64) {
	m.NATSCircuitBreaker.Set(state)
}
