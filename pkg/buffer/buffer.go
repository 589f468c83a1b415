package buffer

// Buffer is a bounded, thread-safe FIFO parameterized by item type.
// The event hub uses one instance per websocket client for its
// outbound queue and one shared instance for replaying recent events
// to late joiners.
type Buffer[T any] interface {
	// Write appends an item. When the buffer is full the configured
	// overflow policy decides what happens. Returns an error only
	// after Close.
	Write(item T) error

	// Read removes and returns the oldest item. The second return is
	// false when the buffer is empty.
	Read() (T, bool)

	// ReadBatch removes and returns up to max items in FIFO order.
	// Returns nil when the buffer is empty.
	ReadBatch(max int) []T

	// Size returns the current item count.
	Size() int

	// Capacity returns the fixed maximum item count.
	Capacity() int

	// IsEmpty reports whether the buffer holds no items.
	IsEmpty() bool

	// Clear discards all items. The drop callback, if set, sees each
	// discarded item.
	Clear()

	// Stats returns the buffer's operation counters.
	Stats() *Statistics

	// Close marks the buffer closed and wakes any blocked writers.
	// Writes after Close fail; reads drain what remains.
	Close() error
}

// OverflowPolicy decides what Write does against a full buffer.
type OverflowPolicy int

const (
	// DropOldest evicts the oldest item to admit the new one. Event
	// fan-out uses this so a slow consumer loses history, not liveness.
	DropOldest OverflowPolicy = iota

	// DropNewest discards the incoming item and keeps the backlog.
	DropNewest

	// Block parks the writer until a reader frees space or the buffer
	// closes.
	Block
)

func (p OverflowPolicy) String() string {
	switch p {
	case DropOldest:
		return "DropOldest"
	case DropNewest:
		return "DropNewest"
	case Block:
		return "Block"
	default:
		return "Unknown"
	}
}

// DropCallback observes items discarded by DropOldest, DropNewest, or
// Clear. It runs after the buffer's lock is released.
type DropCallback[T any] func(item T)

// NewCircularBuffer returns a fixed-capacity ring buffer. Capacity
// values below one are raised to one. The only constructor error is a
// failed Prometheus registration when WithMetrics is used.
func NewCircularBuffer[T any](capacity int, options ...Option[T]) (Buffer[T], error) {
	return newRing(capacity, applyOptions(options...))
}
