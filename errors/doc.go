// Package errors provides standardized error handling patterns for Sway components.
//
// # Overview
//
// The errors package implements a three-class error classification system for the
// deployment control plane: Transient (temporary, retryable), Invalid (bad input,
// non-retryable), and Fatal (unrecoverable, stop processing).
//
// Classification lets components make informed decisions about retries, rollback,
// and escalation without hardcoded error string matching. A health probe that times
// out is Transient and worth retrying; a supergraph composition conflict is Invalid
// and retrying will never fix it; a missing required configuration value is Fatal.
//
// # Error Classification
//
//   - Transient: network timeouts, NATS outages, locked infrastructure state,
//     rate limiting (retry recommended)
//   - Invalid: malformed service specs, schema conflicts, illegal state
//     transitions, bad configuration values (do not retry)
//   - Fatal: resource exhaustion, missing required configuration (stop processing)
//
// The classification system integrates with Go's standard error handling,
// supporting errors.Is(), errors.As(), and error wrapping chains.
//
// # Error Wrapping Pattern
//
// All error wrapping follows the standardized format:
//
//	"component.method: action failed: %w"
//
// Three wrapper functions provide classification-aware wrapping:
//
//	errors.WrapTransient(err, "Prober", "CheckAll", "probe health endpoint")
//	errors.WrapInvalid(err, "Composer", "Compose", "merge subgraph schemas")
//	errors.WrapFatal(err, "Loader", "Load", "read platform config")
//
// The generic Wrap() preserves the original error's classification:
//
//	errors.Wrap(err, "Orchestrator", "Deploy", "record service URL")
//
// # Standard Error Variables
//
// Pre-defined error variables cover the platform's common conditions, organized by
// category: component lifecycle, connections, the service registry, deployments and
// releases, supergraph composition, approval gates, health verification, secret
// resolution, persistence, and configuration. Use these instead of creating custom
// error values so call sites can branch with errors.Is:
//
//	if errors.Is(err, errors.ErrApprovalRequired) {
//	    // park the release until an operator approves
//	}
//
// # Retry Configuration
//
// RetryConfig carries backoff parameters and integrates with the pkg/retry
// framework via ToRetryConfig(). ShouldRetry consults classification, so only
// Transient errors are ever retried:
//
//	cfg := errors.DefaultRetryConfig()
//	for attempt := 0; attempt < cfg.MaxRetries; attempt++ {
//	    if err := probe(); err != nil {
//	        if !cfg.ShouldRetry(err, attempt) {
//	            return err
//	        }
//	        time.Sleep(cfg.BackoffDelay(attempt))
//	        continue
//	    }
//	    return nil
//	}
//
// # Context Cancellation
//
// Context errors (context.DeadlineExceeded, context.Canceled) are classified as
// Transient, so handler code treats controller shutdown and network timeouts the
// same way at retry decision points.
//
// # Thread Safety
//
// All classification and wrapping operations are thread-safe. Error variables are
// immutable and safe for concurrent access.
package errors
