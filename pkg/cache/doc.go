// Package cache provides generic in-memory caches with LRU and TTL
// eviction.
//
// The gateway keeps parsed GraphQL operations in an LRU cache so
// repeated queries skip the parser, and holds recently fetched subgraph
// schemas in a TTL cache so introspection storms do not hammer the
// services during a rebuild.
//
//	ops, err := cache.NewLRU[*ast.QueryDocument](1000)
//	schemas, err := cache.NewTTL[string](ctx, 5*time.Minute, time.Minute)
//
// Statistics are always collected. Attach a metrics registry with
// WithMetrics to export them as Prometheus counters.
package cache
