package buffer

import (
	"sync/atomic"
	"time"
)

// Statistics counts buffer operations. All fields are updated
// atomically so readers never need the buffer's lock.
type Statistics struct {
	writes    atomic.Int64
	reads     atomic.Int64
	overflows atomic.Int64
	size      atomic.Int64
	maxSize   atomic.Int64
	started   time.Time
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	Writes    int64
	Reads     int64
	Overflows int64
	Size      int64
	MaxSize   int64
	Uptime    time.Duration
}

func NewStatistics() *Statistics {
	return &Statistics{started: time.Now()}
}

// Snapshot returns the current counter values. Counters advance
// independently, so the copy is consistent per field, not across
// fields.
func (s *Statistics) Snapshot() Snapshot {
	return Snapshot{
		Writes:    s.writes.Load(),
		Reads:     s.reads.Load(),
		Overflows: s.overflows.Load(),
		Size:      s.size.Load(),
		MaxSize:   s.maxSize.Load(),
		Uptime:    time.Since(s.started),
	}
}

// Writes returns the number of accepted writes.
func (s *Statistics) Writes() int64 { return s.writes.Load() }

// Reads returns the number of items removed by Read and ReadBatch.
func (s *Statistics) Reads() int64 { return s.reads.Load() }

// Overflows returns the number of items dropped by the overflow
// policy.
func (s *Statistics) Overflows() int64 { return s.overflows.Load() }

func (s *Statistics) recordWrite(size int) {
	s.writes.Add(1)
	s.setSize(size)
}

func (s *Statistics) recordRead(size int) {
	s.reads.Add(1)
	s.size.Store(int64(size))
}

func (s *Statistics) recordReads(n, size int) {
	s.reads.Add(int64(n))
	s.size.Store(int64(size))
}

func (s *Statistics) recordOverflow() {
	s.overflows.Add(1)
}

func (s *Statistics) setSize(size int) {
	v := int64(size)
	s.size.Store(v)
	for {
		max := s.maxSize.Load()
		if v <= max || s.maxSize.CompareAndSwap(max, v) {
			return
		}
	}
}
