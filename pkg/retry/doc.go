// Package retry provides simple exponential backoff retry logic for transient failures.
//
// # Overview
//
// This package offers a minimal retry mechanism with exponential backoff, used across
// the control plane for NATS connection establishment, health endpoint probing, and
// deploy-runner calls.
//
// # Core Functions
//
//   - Do: Execute function with retry and exponential backoff
//   - DoWithResult: Execute function with retry, returns both result and error
//
// # Configuration Presets
//
//   - DefaultConfig(): 3 attempts, 100ms-5s delay (normal operations)
//   - Quick(): 10 attempts, 50ms-1s delay (component startup)
//   - Persistent(): 30 attempts, 200ms-10s delay (critical resources)
//   - Probe(): 3 attempts, 250ms-2s delay (health endpoint sweeps)
//
// # Usage Examples
//
// Basic retry with defaults:
//
//	err := retry.Do(ctx, retry.DefaultConfig(), func() error {
//	    return client.Connect()
//	})
//
// Retry with result:
//
//	urls, err := retry.DoWithResult(ctx, retry.Quick(), func() (map[string]string, error) {
//	    return registry.ResolveAll(ctx, env)
//	})
//
// Marking an error non-retryable short-circuits remaining attempts:
//
//	err := retry.Do(ctx, retry.Probe(), func() error {
//	    resp, err := httpClient.Get(url)
//	    if err != nil {
//	        return err // network error, worth retrying
//	    }
//	    defer resp.Body.Close()
//	    if resp.StatusCode == http.StatusNotFound {
//	        return retry.NonRetryable(fmt.Errorf("endpoint missing: %d", resp.StatusCode))
//	    }
//	    return nil
//	})
//
// # Context Cancellation
//
// Do honors ctx during backoff sleeps, so controller shutdown interrupts
// in-flight retry loops promptly.
package retry
