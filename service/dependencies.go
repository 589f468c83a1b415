package service

import (
	"log/slog"

	"github.com/Peleke/MindMirror-sub002/artifactstore"
	"github.com/Peleke/MindMirror-sub002/config"
	"github.com/Peleke/MindMirror-sub002/events"
	"github.com/Peleke/MindMirror-sub002/metric"
	"github.com/Peleke/MindMirror-sub002/natsclient"
	"github.com/Peleke/MindMirror-sub002/registry"
	"github.com/Peleke/MindMirror-sub002/releasestore"
	"github.com/Peleke/MindMirror-sub002/secrets"
)

// Dependencies provides the standard dependencies that all services
// receive. The daemon builds one instance at startup and every
// constructor draws from it; services mostly communicate through the
// stores and the event bus.
type Dependencies struct {
	Config          *config.Config
	NATSClient      *natsclient.Client
	MetricsRegistry *metric.MetricsRegistry
	Logger          *slog.Logger

	// Secrets resolves platform secrets by the file-mount/env
	// conventions.
	Secrets *secrets.Resolver

	// Shared persistence surfaces over the NATS KV and object store
	// buckets.
	ServiceRegistry *registry.Registry
	Releases        *releasestore.Store
	Artifacts       *artifactstore.Store

	// Events is the best-effort platform event publisher.
	Events *events.Publisher

	// ServiceManager lets services reach already-created services; the
	// pipeline finds the orchestrator through it.
	ServiceManager *Manager
}

// Constructor defines the standard constructor signature for all
// services. Constructors read their section of the typed config and
// build their engine from the shared dependencies.
type Constructor func(deps *Dependencies) (Service, error)
