package buffer

import (
	"sync"

	"github.com/Peleke/MindMirror-sub002/errors"
)

// ring is the circular-array Buffer implementation. head is the next
// write slot, tail the next read slot; size disambiguates full from
// empty when head == tail.
type ring[T any] struct {
	mu       sync.RWMutex
	items    []T
	capacity int
	size     int
	head     int
	tail     int

	stats   *Statistics
	metrics *ringMetrics
	opts    *bufferOptions[T]

	// notFull wakes writers parked by the Block policy.
	notFull *sync.Cond
	closed  bool
}

func newRing[T any](capacity int, opts *bufferOptions[T]) (*ring[T], error) {
	if capacity <= 0 {
		capacity = 1
	}

	var metrics *ringMetrics
	if opts.metricsReg != nil {
		var err error
		metrics, err = newRingMetrics(opts.metricsReg, opts.metricsPrefix)
		if err != nil {
			return nil, errors.WrapTransient(err, "buffer", "newRing", "register metrics")
		}
	}

	r := &ring[T]{
		items:    make([]T, capacity),
		capacity: capacity,
		stats:    NewStatistics(),
		metrics:  metrics,
		opts:     opts,
	}
	r.notFull = sync.NewCond(&r.mu)
	return r, nil
}

func (r *ring[T]) Write(item T) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return errors.WrapInvalid(errors.ErrAlreadyStopped, "Buffer", "Write", "buffer closed")
	}

	if r.size == r.capacity {
		switch r.opts.overflowPolicy {
		case DropOldest:
			evicted := r.items[r.tail]
			r.tail = (r.tail + 1) % r.capacity
			r.size--
			r.recordDrop()
			if r.opts.dropCallback != nil {
				// Runs after the unlock so the callback can touch the buffer.
				defer r.opts.dropCallback(evicted)
			}

		case DropNewest:
			r.recordDrop()
			if r.opts.dropCallback != nil {
				defer r.opts.dropCallback(item)
			}
			return nil

		case Block:
			for r.size == r.capacity && !r.closed {
				r.notFull.Wait()
			}
			if r.closed {
				return errors.WrapInvalid(errors.ErrAlreadyStopped, "Buffer", "Write",
					"buffer closed while blocked")
			}
		}
	}

	r.items[r.head] = item
	r.head = (r.head + 1) % r.capacity
	r.size++

	r.stats.recordWrite(r.size)
	if r.metrics != nil {
		r.metrics.observeWrite(r.size, r.capacity)
	}
	return nil
}

func (r *ring[T]) Read() (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var zero T
	if r.size == 0 {
		return zero, false
	}

	item := r.items[r.tail]
	r.items[r.tail] = zero // release for GC
	r.tail = (r.tail + 1) % r.capacity
	r.size--

	r.stats.recordRead(r.size)
	if r.metrics != nil {
		r.metrics.observeRead(r.size, r.capacity)
	}
	r.notFull.Signal()
	return item, true
}

func (r *ring[T]) ReadBatch(max int) []T {
	if max <= 0 {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.size == 0 {
		return nil
	}

	n := max
	if n > r.size {
		n = r.size
	}

	out := make([]T, n)
	var zero T
	for i := 0; i < n; i++ {
		out[i] = r.items[r.tail]
		r.items[r.tail] = zero
		r.tail = (r.tail + 1) % r.capacity
		r.size--
	}

	r.stats.recordReads(n, r.size)
	if r.metrics != nil {
		r.metrics.observeReads(n, r.size, r.capacity)
	}
	for i := 0; i < n; i++ {
		r.notFull.Signal()
	}
	return out
}

func (r *ring[T]) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.size
}

// Capacity is immutable, no lock needed.
func (r *ring[T]) Capacity() int {
	return r.capacity
}

func (r *ring[T]) IsEmpty() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.size == 0
}

func (r *ring[T]) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.opts.dropCallback != nil && r.size > 0 {
		dropped := make([]T, r.size)
		for i := 0; i < r.size; i++ {
			dropped[i] = r.items[(r.tail+i)%r.capacity]
		}
		defer func() {
			for _, item := range dropped {
				r.opts.dropCallback(item)
			}
		}()
	}

	var zero T
	for i := range r.items {
		r.items[i] = zero
	}
	r.head = 0
	r.tail = 0
	r.size = 0

	r.stats.setSize(0)
	if r.metrics != nil {
		r.metrics.setSize(0, r.capacity)
	}
	r.notFull.Broadcast()
}

func (r *ring[T]) Stats() *Statistics {
	return r.stats
}

func (r *ring[T]) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true
	r.notFull.Broadcast()
	return nil
}

// recordDrop tracks an overflow eviction. Caller holds the lock.
func (r *ring[T]) recordDrop() {
	r.stats.recordOverflow()
	if r.metrics != nil {
		r.metrics.observeDrop()
	}
}
