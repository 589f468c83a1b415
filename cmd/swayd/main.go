// Package main implements the entry point for the Sway control plane.
// Sway orchestrates deployments for the MindMirror platform: it tracks
// service versions, executes two-phase releases, recomposes the GraphQL
// supergraph, and serves the federation gateway.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/Peleke/MindMirror-sub002/artifactstore"
	"github.com/Peleke/MindMirror-sub002/config"
	"github.com/Peleke/MindMirror-sub002/events"
	"github.com/Peleke/MindMirror-sub002/metric"
	"github.com/Peleke/MindMirror-sub002/natsclient"
	"github.com/Peleke/MindMirror-sub002/registry"
	"github.com/Peleke/MindMirror-sub002/releasestore"
	"github.com/Peleke/MindMirror-sub002/secrets"
	"github.com/Peleke/MindMirror-sub002/service"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "swayd"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("Control plane failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run() error {
	cliCfg, logger, shouldExit, err := initializeCLI()
	if shouldExit || err != nil {
		return err
	}

	cfg, err := initializeConfiguration(cliCfg)
	if err != nil {
		return err
	}

	if cliCfg.Validate {
		slog.Info("Configuration is valid")
		return nil
	}

	ctx := context.Background()
	natsClient, metricsRegistry, err := setupInfrastructure(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = natsClient.Close(ctx) }()

	deps, err := buildDependencies(cfg, natsClient, metricsRegistry, logger)
	if err != nil {
		return err
	}
	defer func() { _ = deps.Releases.Close() }()

	manager, err := setupManager(cfg, logger)
	if err != nil {
		return err
	}
	manager.SetNATSClient(natsClient)
	deps.ServiceManager = manager

	if err := createServices(cfg, manager, deps); err != nil {
		return err
	}

	return runWithSignalHandling(ctx, manager, cliCfg.ShutdownTimeout)
}

// initializeCLI parses flags and sets up logging
func initializeCLI() (*CLIConfig, *slog.Logger, bool, error) {
	cliCfg := parseFlags()
	if err := validateFlags(cliCfg); err != nil {
		return nil, nil, false, fmt.Errorf("invalid flags: %w", err)
	}

	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil, nil, true, nil
	}

	if cliCfg.ShowHelp {
		printDetailedHelp()
		return nil, nil, true, nil
	}

	logger := setupLogger(cliCfg.LogLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)

	slog.Info("Starting Sway control plane",
		"version", Version,
		"build_time", BuildTime,
		"config_path", cliCfg.ConfigPath)

	return cliCfg, logger, false, nil
}

// initializeConfiguration loads and validates configuration. The file
// layer is optional; defaults plus SWAY_* env overrides are enough for
// local development.
func initializeConfiguration(cliCfg *CLIConfig) (*config.Config, error) {
	loader := config.NewLoader().EnableDotenv()
	if cliCfg.ConfigPath != "" {
		loader.AddLayer(cliCfg.ConfigPath)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// setupInfrastructure creates the metrics registry and the NATS
// connection every service shares.
func setupInfrastructure(
	ctx context.Context,
	cfg *config.Config,
	logger *slog.Logger,
) (*natsclient.Client, *metric.MetricsRegistry, error) {
	metricsRegistry, err := metric.NewMetricsRegistry()
	if err != nil {
		return nil, nil, fmt.Errorf("create metrics registry: %w", err)
	}

	natsClient, err := createNATSClient(cfg, metricsRegistry, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("create NATS client: %w", err)
	}

	if err := connectToNATS(ctx, natsClient); err != nil {
		return nil, nil, err
	}

	return natsClient, metricsRegistry, nil
}

// createNATSClient builds the bus connection from the NATS config
// section.
func createNATSClient(
	cfg *config.Config,
	metricsRegistry *metric.MetricsRegistry,
	logger *slog.Logger,
) (*natsclient.Client, error) {
	natsURL := "nats://localhost:4222"
	if envURL := os.Getenv("SWAY_NATS_URLS"); envURL != "" {
		natsURL = envURL
	} else if len(cfg.NATS.URLs) > 0 {
		natsURL = cfg.NATS.URLs[0]
	}

	opts := []natsclient.ClientOption{
		natsclient.WithName(cfg.NATS.Name),
		natsclient.WithMetrics(metricsRegistry),
		natsclient.WithLogger(newSlogAdapter(logger)),
	}
	if cfg.NATS.ReconnectWait > 0 {
		opts = append(opts, natsclient.WithReconnectWait(cfg.NATS.ReconnectWait))
	}
	if cfg.NATS.MaxReconnects != 0 {
		opts = append(opts, natsclient.WithMaxReconnects(cfg.NATS.MaxReconnects))
	}
	if cfg.NATS.Timeout > 0 {
		opts = append(opts, natsclient.WithTimeout(cfg.NATS.Timeout))
	}
	if cfg.NATS.DrainTimeout > 0 {
		opts = append(opts, natsclient.WithDrainTimeout(cfg.NATS.DrainTimeout))
	}
	if cfg.NATS.Username != "" {
		opts = append(opts, natsclient.WithCredentials(cfg.NATS.Username, cfg.NATS.Password))
	}
	if cfg.NATS.Token != "" {
		opts = append(opts, natsclient.WithToken(cfg.NATS.Token))
	}
	if cfg.NATS.TLS.Enabled {
		opts = append(opts, natsclient.WithTLS(cfg.NATS.TLS.CertFile, cfg.NATS.TLS.KeyFile, cfg.NATS.TLS.CAFile))
	}

	return natsclient.NewClient(natsURL, opts...)
}

// connectToNATS establishes the NATS connection and waits for it to be
// ready. The KV buckets every store needs live behind this connection.
func connectToNATS(ctx context.Context, natsClient *natsclient.Client) error {
	slog.Info("Connecting to NATS")
	if err := natsClient.Connect(ctx); err != nil {
		return fmt.Errorf("connect to NATS: %w", err)
	}

	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := natsClient.WaitForConnection(connCtx); err != nil {
		return fmt.Errorf("NATS connection timeout: %w", err)
	}
	return nil
}

// buildDependencies creates the shared stores and the event publisher
// every service draws from.
func buildDependencies(
	cfg *config.Config,
	natsClient *natsclient.Client,
	metricsRegistry *metric.MetricsRegistry,
	logger *slog.Logger,
) (*service.Dependencies, error) {
	resolver := secrets.NewResolver(
		secrets.WithMountDir(cfg.Secrets.MountDir),
		secrets.WithLogger(logger))

	serviceRegistry, err := registry.New(natsClient,
		registry.WithBucket(cfg.Registry.Bucket),
		registry.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("create service registry: %w", err)
	}

	releases, err := releasestore.New(natsClient,
		releasestore.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("create release store: %w", err)
	}

	artifacts, err := artifactstore.New(natsClient,
		artifactstore.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("create artifact store: %w", err)
	}

	source := appName
	if cfg.Platform.InstanceID != "" {
		source = fmt.Sprintf("%s/%s", appName, cfg.Platform.InstanceID)
	}
	publisher, err := events.NewPublisher(natsClient, source,
		events.WithPublisherLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("create event publisher: %w", err)
	}

	return &service.Dependencies{
		Config:          cfg,
		NATSClient:      natsClient,
		MetricsRegistry: metricsRegistry,
		Logger:          logger,
		Secrets:         resolver,
		ServiceRegistry: serviceRegistry,
		Releases:        releases,
		Artifacts:       artifacts,
		Events:          publisher,
	}, nil
}

// setupManager registers the built-in service constructors and creates
// the manager that runs them.
func setupManager(cfg *config.Config, logger *slog.Logger) (*service.Manager, error) {
	serviceRegistry := service.NewServiceRegistry()
	if err := service.RegisterAll(serviceRegistry); err != nil {
		return nil, fmt.Errorf("register services: %w", err)
	}
	return service.NewManager(serviceRegistry, cfg.Server, logger), nil
}

// createServices instantiates the control-plane services in dependency
// order. The orchestrator must exist before the pipeline: the deploy
// stage runs through it.
func createServices(cfg *config.Config, manager *service.Manager, deps *service.Dependencies) error {
	names := []string{
		"metrics",
		"service-registry",
		"event-stream",
		"health-checker",
		"orchestrator",
	}
	if cfg.Pipeline.Enabled() {
		names = append(names, "pipeline")
	} else {
		slog.Info("Pipeline disabled: no CI runner URL configured")
	}
	if cfg.Notify.Enabled {
		names = append(names, "notifier")
	}
	names = append(names, "gateway")

	for _, name := range names {
		if _, err := manager.CreateService(name, deps); err != nil {
			return fmt.Errorf("create service %s: %w", name, err)
		}
		slog.Info("Created service", "name", name)
	}
	return nil
}

// runWithSignalHandling starts services and handles shutdown signals
func runWithSignalHandling(ctx context.Context, manager *service.Manager, shutdownTimeout time.Duration) error {
	signalCtx, signalCancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	if err := manager.StartAll(signalCtx); err != nil {
		return fmt.Errorf("start services: %w", err)
	}
	slog.Info("Sway control plane started")

	<-signalCtx.Done()
	slog.Info("Received shutdown signal")

	if err := manager.StopAll(shutdownTimeout); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}

	slog.Info("Sway shutdown complete")
	return nil
}
