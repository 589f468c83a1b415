// Package healthcheck probes deployed service endpoints and tracks the
// health of everything the control plane manages.
//
// # Overview
//
// Every platform service is expected to answer 200 on both GET /health
// and GET /healthcheck. The Prober enforces that contract: it issues
// both requests within a timeout, retries transient network errors, and
// reports the first violation with a reason that matches what operators
// grep for in the runbooks. Probe reasons never contain URLs, IPs, or
// credentials; messages are sanitized before they leave this package.
//
// The Monitor is the shared scoreboard. Internal control-plane services
// and the background Checker both publish Status values into it, and the
// API server aggregates it into the platform-wide health answer.
//
// # Components
//
// Status: one component's health (healthy, degraded, unhealthy) with a
// sanitized message and optional sub-statuses and metrics.
//
// Monitor: thread-safe map of component name to Status with aggregation.
// Optionally exports a per-component health gauge.
//
// Prober: HTTP endpoint prober with per-target rate limiting and bounded
// fan-out. Check probes one service; CheckAll sweeps a target set
// concurrently and is what the orchestrator calls while waiting for a
// deployment to become healthy.
//
// Checker: continuous background sweeps through a worker pool, with
// consecutive-failure and consecutive-success thresholds so a single
// dropped probe degrades a service instead of flapping it unhealthy.
//
// # Basic Usage
//
//	prober, err := healthcheck.NewProber(
//		healthcheck.WithTimeout(5*time.Second),
//		healthcheck.WithRateLimit(10, 5),
//	)
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	results := prober.CheckAll(ctx, map[string]string{
//		"journal": "https://journal.internal.example",
//		"habits":  "https://habits.internal.example",
//	})
//	for name, res := range results {
//		if !res.Healthy {
//			log.Printf("%s: %s", name, res.Reason)
//		}
//	}
//
// # Continuous Checking
//
//	monitor := healthcheck.NewMonitor()
//	checker, err := healthcheck.NewChecker(prober, monitor, resolveTargets,
//		healthcheck.WithInterval(15*time.Second),
//		healthcheck.WithThresholds(3, 2),
//	)
//	if err != nil {
//		log.Fatal(err)
//	}
//	go checker.Run(ctx)
//
//	// elsewhere, e.g. a health endpoint:
//	overall := monitor.AggregateHealth("platform")
package healthcheck
