// Package gateway serves the composed supergraph to GraphQL clients.
//
// The gateway is the single public query surface of a deployed
// environment. It loads the current supergraph artifact, parses the
// SDL, and answers POST /graphql by routing each top-level field to
// the service that owns it: operations touching one service forward
// verbatim, operations spanning services are split into per-service
// sub-operations whose results are merged back into one response.
// Entity-style federation is out of scope; ownership is decided per
// root field by the artifact's routing table.
//
// # Activation
//
// A supergraph only becomes active after its SDL re-parses and its
// routing table resolves every service URL. A broken artifact is never
// served: the gateway keeps answering from the previous graph and
// reports the load failure. Before the first successful load, /health
// and /healthcheck answer 503 so deploy verification holds off until
// the graph is up.
//
// The gateway reloads when the orchestrator publishes a
// supergraph.updated event for its environment, and additionally
// polls the artifact store on a timer in case an event was missed.
//
// # Execution
//
// Parsed and routed operations are cached in an LRU keyed by the
// artifact hash, so a hot operation skips parsing and validation
// entirely. Schema introspection is answered by the gateway itself
// from the composed schema; it is never forwarded. Query fan-outs run
// concurrently, mutation fan-outs run serially in field order, and
// upstream errors are merged into the response with the owning
// service named in the error extensions.
package gateway
