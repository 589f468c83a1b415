// Package main provides the smoke-test CLI for a live Sway platform.
// It drives a running control plane and its deployed services over
// HTTP; nothing is mocked.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Peleke/MindMirror-sub002/platform"
)

var (
	// Version information (set by build)
	version = "dev"
	commit  = "unknown"
)

func main() {
	flags := parseCommandLineFlags()

	if flags.showVersion {
		fmt.Printf("Sway E2E Runner\nVersion: %s\nCommit:  %s\n", version, commit)
		return
	}
	if flags.listScenarios {
		listScenarios()
		return
	}

	logger := setupLogger(flags.verbose)

	env, err := platform.ParseEnvironment(flags.env)
	if err != nil {
		logger.Error("Invalid environment", "env", flags.env, "error", err)
		os.Exit(1)
	}

	versions, err := parseVersions(flags.services)
	if err != nil {
		logger.Error("Invalid -services", "error", err)
		os.Exit(1)
	}

	runEnv := &scenarioEnv{
		client:     newPlatformClient(flags.apiURL),
		gatewayURL: flags.gatewayURL,
		env:        env,
		logger:     logger,
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("Received interrupt signal, shutting down...")
		cancel()
	}()

	os.Exit(runScenarios(ctx, logger, runEnv, versions, flags))
}

// cliFlags holds parsed command-line flags
type cliFlags struct {
	scenarioName  string
	verbose       bool
	apiURL        string
	gatewayURL    string
	env           string
	services      string
	deployTimeout time.Duration
	showVersion   bool
	listScenarios bool
}

// parseCommandLineFlags parses and returns command-line flags
func parseCommandLineFlags() *cliFlags {
	flags := &cliFlags{}

	flag.StringVar(&flags.scenarioName, "scenario", "",
		"Run specific scenario (platform-health, graphql-smoke, two-phase, or 'all')")
	flag.BoolVar(&flags.verbose, "verbose", false, "Enable verbose logging")
	flag.StringVar(&flags.apiURL, "api", "http://localhost:8080",
		"Control-plane API base URL")
	flag.StringVar(&flags.gatewayURL, "gateway", "http://localhost:4000",
		"Federation gateway base URL, empty to skip gateway checks")
	flag.StringVar(&flags.env, "env", "dev", "Target environment")
	flag.StringVar(&flags.services, "services", "",
		"Service versions for two-phase, as name=image:tag[,name=image:tag ...]")
	flag.DurationVar(&flags.deployTimeout, "deploy-timeout", 5*time.Minute,
		"How long two-phase waits for the release to finish")
	flag.BoolVar(&flags.showVersion, "version", false, "Show version information")
	flag.BoolVar(&flags.listScenarios, "list", false, "List available scenarios")

	// Environment variables cover Docker Compose setups.
	if envURL := os.Getenv("SWAY_API"); envURL != "" {
		flags.apiURL = envURL
	}
	if envURL := os.Getenv("SWAY_GATEWAY_URL"); envURL != "" {
		flags.gatewayURL = envURL
	}

	flag.Parse()
	return flags
}

func listScenarios() {
	fmt.Println("Available scenarios:")
	fmt.Printf("  platform-health - Control plane, services, and gateway answer /health and /healthcheck\n")
	fmt.Printf("  graphql-smoke   - Every subgraph and the gateway answer introspection\n")
	fmt.Printf("  two-phase       - Full release: deploy services, recompose, gateway serves (needs -services)\n")
	fmt.Printf("  all             - platform-health and graphql-smoke (two-phase only when -services is set)\n")
}

// setupLogger creates and configures the logger
func setupLogger(verbose bool) *slog.Logger {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)
	return logger
}

// runScenarios runs the selected scenarios and returns the exit code.
func runScenarios(
	ctx context.Context,
	logger *slog.Logger,
	env *scenarioEnv,
	versions []platform.ServiceVersion,
	flags *cliFlags,
) int {
	logger.Info("Connecting to Sway platform",
		"api", flags.apiURL, "gateway", flags.gatewayURL, "env", env.env)

	var tests []Scenario
	switch flags.scenarioName {
	case "", "all":
		tests = []Scenario{
			&platformHealthScenario{env: env},
			&graphqlSmokeScenario{env: env},
		}
		if len(versions) > 0 {
			tests = append(tests, &twoPhaseScenario{env: env, versions: versions, timeout: flags.deployTimeout})
		}
	case "platform-health", "health":
		tests = []Scenario{&platformHealthScenario{env: env}}
	case "graphql-smoke", "smoke":
		tests = []Scenario{&graphqlSmokeScenario{env: env}}
	case "two-phase", "deploy":
		tests = []Scenario{&twoPhaseScenario{env: env, versions: versions, timeout: flags.deployTimeout}}
	default:
		logger.Error("Unknown scenario", "name", flags.scenarioName)
		listScenarios()
		return 1
	}

	passed, failed := 0, 0
	for _, scenario := range tests {
		logger.Info("Running scenario", "name", scenario.Name())
		if runScenario(ctx, logger, scenario) == 0 {
			passed++
			logger.Info("Scenario PASSED", "name", scenario.Name())
		} else {
			failed++
			logger.Error("Scenario FAILED", "name", scenario.Name())
		}
	}

	logger.Info("Test suite complete", "passed", passed, "failed", failed, "total", len(tests))
	if failed > 0 {
		return 1
	}
	return 0
}

// runScenario executes a single scenario
func runScenario(ctx context.Context, logger *slog.Logger, scenario Scenario) int {
	result, err := scenario.Execute(ctx)
	if err != nil {
		logger.Error("Scenario failed", "name", scenario.Name(), "error", err)
		return 1
	}
	if !result.Success {
		logger.Error("Scenario completed with failure",
			"name", scenario.Name(), "error", result.Error, "duration", result.Duration)
		return 1
	}
	logger.Info("Scenario completed successfully",
		"name", scenario.Name(), "duration", result.Duration, "metrics", result.Metrics)
	return 0
}
