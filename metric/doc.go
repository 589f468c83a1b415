// Package metric provides the shared Prometheus registry and core
// platform metrics for Sway processes.
//
// Every process builds one MetricsRegistry at startup. The registry
// preloads the core metrics (deploys, compositions, pipeline stages,
// gateway traffic, health probes, NATS state) under the "sway"
// namespace, and components register their own metrics through the
// MetricsRegistrar interface. Registration is duplicate-safe: a second
// registration under the same service and metric name returns an
// invalid-class error instead of panicking, which matters during
// component restarts.
//
// The Server type exposes the registry on a scrape endpoint, by default
// :9090/metrics, with optional TLS via the shared security
// configuration.
package metric
