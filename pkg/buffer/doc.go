// Package buffer provides bounded, thread-safe ring buffers for event
// fan-out.
//
// The event hub keeps two kinds of buffers: a shared replay buffer
// holding the most recent platform events for late-joining websocket
// clients, and a per-client outbound queue that absorbs bursts while
// the connection drains. Both run DropOldest so a slow or stalled
// consumer loses old events instead of stalling the publisher.
//
// # Usage
//
//	queue, err := buffer.NewCircularBuffer[[]byte](100,
//		buffer.WithOverflowPolicy[[]byte](buffer.DropOldest),
//	)
//	if err != nil {
//		return err
//	}
//	defer queue.Close()
//
//	_ = queue.Write(payload)
//	if data, ok := queue.Read(); ok {
//		send(data)
//	}
//
// # Overflow policies
//
// DropOldest evicts the oldest item to admit the new one. DropNewest
// keeps the backlog and discards the incoming item. Block parks the
// writer until a reader frees space; Close wakes blocked writers with
// an error.
//
// # Observability
//
// Every buffer counts writes, reads, and overflow drops; Stats
// exposes the counters without locking the buffer. WithMetrics
// additionally publishes them through the shared Prometheus registry
// under a caller-chosen component label.
package buffer
