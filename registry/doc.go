// Package registry is the platform service registry. It stores one
// record per deployable service in the sway_services KV bucket: the
// service spec plus the URLs the service answers at in each
// environment.
//
// Records are written with compare-and-set semantics so concurrent
// writers (deploy phase one recording URLs, operators editing specs)
// never clobber each other. Registration rejects duplicates; specs are
// validated twice, once structurally against an embedded JSON Schema
// and once semantically by platform.ServiceSpec.Validate.
//
// URLs follow the two-phase deploy contract: phase one deploys service
// revisions and records their URLs here, phase two rebuilds the
// gateway from them. URL and ResolveAll return ErrURLUnresolved until
// phase one has recorded a URL for the requested environment.
//
// Seeding populates the registry from the built-in catalog and from
// sway.yaml manifests without overwriting existing records, so
// recorded URLs survive restarts.
package registry
