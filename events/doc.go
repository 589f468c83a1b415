// Package events carries the platform event stream.
//
// Every notable transition (release created, deploy phase, supergraph
// update, pipeline stage, approval, health change) becomes an Event
// with a typed JSON payload. Publisher puts events on NATS under
// sway.events.<type>; Hub bridges that stream to websocket clients at
// /events/ws with a bounded replay of recent events for late joiners.
// Slow websocket consumers lose oldest events first and are evicted
// when their connection stops draining; the hub never blocks on a
// client.
package events
