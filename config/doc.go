// Package config provides configuration management for the Sway control
// plane.
//
// Configuration is loaded from layered YAML files, merged last-wins, then
// overridden from SWAY_* environment variables and validated. A .env file
// can seed the environment before overrides are read, which keeps local
// development and container deployments on the same code path.
//
// # Core Components
//
// Config: the full control-plane configuration covering platform identity,
// NATS connectivity, the API server, and every internal service (registry,
// orchestrator, pipeline, gateway, health checker, events, notifier,
// advisor).
//
// SafeConfig: thread-safe wrapper using RWMutex and deep cloning so readers
// never observe partial updates and cannot mutate shared state.
//
// Loader: layered loading with defaults, file merging, and environment
// overrides.
//
// # Basic Usage
//
//	loader := config.NewLoader()
//	loader.AddLayer("config/base.yaml")
//	loader.AddLayer("config/production.yaml") // overrides base
//	loader.EnableDotenv()
//
//	cfg, err := loader.Load()
//	if err != nil {
//		log.Fatal(err)
//	}
//
// # Environment Variable Overrides
//
//	# Override the target environment
//	export SWAY_ENVIRONMENT="production"
//
//	# Override NATS URLs (comma-separated)
//	export SWAY_NATS_URLS="nats://server1:4222,nats://server2:4222"
//
// # Layer Merging
//
// Layers are merged with last-wins semantics:
//
//	base.yaml:
//	  platform: {environment: dev, log_level: debug}
//
//	production.yaml:
//	  platform: {environment: production}
//
//	Result:
//	  platform: {environment: production, log_level: debug}
//
// # Security
//
// File loading enforces size limits (10MB max), nesting depth limits,
// path traversal checks, and regular-file checks before any bytes are
// parsed.
package config
