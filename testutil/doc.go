// Package testutil provides test doubles and helpers shared across the
// platform's test suites.
//
// # Components
//
// MockNATSClient - in-memory stand-in for the natsclient wrapper:
//   - Thread-safe for concurrent use
//   - Records core and stream publishes per subject for verification
//   - Dispatches to registered subscription handlers
//   - No external NATS server required
//
// MockKVStore - in-memory key-value store with per-key revisions:
//   - Thread-safe for concurrent use
//   - Put/Get/Delete/Keys, revision returned on write
//   - No JetStream required
//
// StubSubgraph - httptest server speaking the platform service contract:
//   - /health and /healthcheck, togglable via SetHealthy
//   - /graphql answering introspection from a declarative StubSchema
//   - Canned data responses for routed queries via SetResponse
//
// StubRunner - httptest server speaking the deploy runner contract:
//   - POST /deploy and POST /gateway, recording every call
//   - FailNext injects 500s for retry paths
//
// Sample data builders (SampleSpec, SampleRelease, SampleSchema) produce
// valid platform values with one-line call sites.
//
// # Scope
//
// Doubles here are for unit tests. Integration tests that exercise real
// KV revisions, watch semantics, or stream retention use a
// testcontainers NATS server instead; the mock store does not emulate
// those.
package testutil
