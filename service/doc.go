// Package service is the internal service framework of the control
// plane. Every long-running part of swayd — the service registry, the
// deployment orchestrator, the health checker, the GitOps pipeline, the
// event stream, the federation gateway, the notifier, and the metrics
// listener — runs as a Service under one Manager.
//
// The Manager starts services in registration order, stops them in
// reverse, and carries the control-plane HTTP API: system health
// endpoints plus whatever routes each service mounts through the
// HTTPHandler interface. BaseService provides the shared lifecycle
// machinery (atomic status, periodic health checks, graceful shutdown)
// that concrete services embed.
package service
