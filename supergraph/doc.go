// Package supergraph introspects service schemas and composes them into
// a single federated schema.
//
// Introspector POSTs the standard introspection query to each service's
// GraphQL endpoint and renders the response to SDL. Composer merges
// subgraph SDLs: root Query and Mutation fields are combined, a field
// owned by two services is a composition conflict, and shared value
// types must agree on shape. The composed schema carries a routing
// table mapping each top-level field to its owning service and a
// content hash over the SDL plus routing.
//
// Output is deterministic: types, fields, arguments, enum values, and
// union members are rendered sorted, so the same subgraphs always
// produce the same SDL and the same hash. Descriptions and directives
// are not carried into the composed schema. Subscription fields are not
// routed and are dropped from the composition.
//
// Parsed subgraph schemas are cached by content hash with a TTL, so
// recomposing after a deploy that changed one service skips re-parsing
// the other six.
package supergraph
