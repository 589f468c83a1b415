// Package releasestore persists releases and per-service deployment
// records in NATS KV.
//
// Releases live in the sway_releases bucket keyed by release ID. Every
// write is a compare-then-increment on the release's Version counter
// backed by the KV revision, so a concurrent writer surfaces as
// ErrVersionConflict instead of a silent overwrite. State changes go
// through TransitionRelease, which enforces the release state machine
// before writing; an illegal transition is an invalid-class error and
// never reaches the bucket.
//
// Deployment records live in the sway_deployments bucket keyed
// releaseID.service, one per service per release. The dotted key shape
// means a single release's deployments can be listed by prefix and
// watched with a releaseID.* pattern. Deployment transitions run
// through a CAS retry loop; only KV conflicts retry, state machine
// violations abort.
package releasestore
