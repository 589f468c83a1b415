package buffer

import (
	"testing"
)

// Sized like the hub's per-client queue under a steady event stream.
func BenchmarkRingWriteDropOldest(b *testing.B) {
	buf, _ := NewCircularBuffer[[]byte](100)
	defer buf.Close()

	payload := event(0)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = buf.Write(payload)
	}
}

func BenchmarkRingWriteRead(b *testing.B) {
	buf, _ := NewCircularBuffer[[]byte](100)
	defer buf.Close()

	payload := event(0)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = buf.Write(payload)
		buf.Read()
	}
}

func BenchmarkRingReadBatch(b *testing.B) {
	buf, _ := NewCircularBuffer[[]byte](64)
	defer buf.Close()

	payload := event(0)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		for j := 0; j < 16; j++ {
			_ = buf.Write(payload)
		}
		buf.ReadBatch(16)
	}
}

func BenchmarkRingConcurrent(b *testing.B) {
	buf, _ := NewCircularBuffer[[]byte](256)
	defer buf.Close()

	payload := event(0)
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			_ = buf.Write(payload)
			buf.Read()
		}
	})
}
