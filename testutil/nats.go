package testutil

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

// MockNATSClient is an in-memory double for the natsclient wrapper,
// matching its Publish/Subscribe/PublishToStream signatures. Core and
// stream publishes are recorded separately so tests can tell an event
// fan-out from an audit append. Thread-safe for concurrent use.
type MockNATSClient struct {
	mu            sync.RWMutex
	messages      map[string][][]byte
	streamed      map[string][][]byte
	subscriptions map[string][]func(context.Context, []byte)
	closed        bool
}

// NewMockNATSClient creates a new mock NATS client.
func NewMockNATSClient() *MockNATSClient {
	return &MockNATSClient{
		messages:      make(map[string][][]byte),
		streamed:      make(map[string][][]byte),
		subscriptions: make(map[string][]func(context.Context, []byte)),
	}
}

// Publish records a core publish and dispatches it to subscribers.
func (c *MockNATSClient) Publish(ctx context.Context, subject string, data []byte) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("client is closed")
	}
	c.messages[subject] = append(c.messages[subject], data)

	// Copy handlers so callbacks run outside the lock.
	var handlers []func(context.Context, []byte)
	if h, ok := c.subscriptions[subject]; ok {
		handlers = make([]func(context.Context, []byte), len(h))
		copy(handlers, h)
	}
	c.mu.Unlock()

	for _, handler := range handlers {
		msgCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		handler(msgCtx, data)
		cancel()
	}
	return nil
}

// PublishToStream records a stream publish. Subscribers are not
// dispatched; stream consumption runs through ConsumeStream in the real
// client and tests assert on StreamMessages instead.
func (c *MockNATSClient) PublishToStream(_ context.Context, subject string, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("client is closed")
	}
	c.streamed[subject] = append(c.streamed[subject], data)
	return nil
}

// Subscribe registers a handler for a subject.
func (c *MockNATSClient) Subscribe(ctx context.Context, subject string, handler func(context.Context, []byte)) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("client is closed")
	}
	c.subscriptions[subject] = append(c.subscriptions[subject], handler)
	return nil
}

// GetMessages returns a copy of all core publishes on a subject.
func (c *MockNATSClient) GetMessages(subject string) [][]byte {
	c.mu.RLock()
	defer c.mu.RUnlock()
	msgs := c.messages[subject]
	if msgs == nil {
		return nil
	}
	result := make([][]byte, len(msgs))
	copy(result, msgs)
	return result
}

// StreamMessages returns a copy of all stream publishes on a subject.
func (c *MockNATSClient) StreamMessages(subject string) [][]byte {
	c.mu.RLock()
	defer c.mu.RUnlock()
	msgs := c.streamed[subject]
	if msgs == nil {
		return nil
	}
	result := make([][]byte, len(msgs))
	copy(result, msgs)
	return result
}

// AllStreamMessages returns every stream publish in insertion order per
// subject, keyed by subject.
func (c *MockNATSClient) AllStreamMessages() map[string][][]byte {
	c.mu.RLock()
	defer c.mu.RUnlock()
	result := make(map[string][][]byte, len(c.streamed))
	for subject, msgs := range c.streamed {
		cp := make([][]byte, len(msgs))
		copy(cp, msgs)
		result[subject] = cp
	}
	return result
}

// GetMessageCount returns the number of core publishes on a subject.
func (c *MockNATSClient) GetMessageCount(subject string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.messages[subject])
}

// ClearAll drops all recorded publishes.
func (c *MockNATSClient) ClearAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = make(map[string][][]byte)
	c.streamed = make(map[string][][]byte)
}

// Close closes the mock client; further publishes fail.
func (c *MockNATSClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// IsClosed reports whether Close was called.
func (c *MockNATSClient) IsClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

// MockKVStore is an in-memory key-value store with per-key revisions,
// mimicking the compare-and-swap surface the stores build on.
// Thread-safe for concurrent use.
type MockKVStore struct {
	mu        sync.RWMutex
	data      map[string][]byte
	revisions map[string]uint64
}

// NewMockKVStore creates a new mock KV store.
func NewMockKVStore() *MockKVStore {
	return &MockKVStore{
		data:      make(map[string][]byte),
		revisions: make(map[string]uint64),
	}
}

// Put stores a value and returns the new revision.
func (kv *MockKVStore) Put(key string, value []byte) (uint64, error) {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	kv.revisions[key]++
	kv.data[key] = value
	return kv.revisions[key], nil
}

// Update stores a value only when the caller holds the latest revision.
func (kv *MockKVStore) Update(key string, value []byte, revision uint64) (uint64, error) {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	if kv.revisions[key] != revision {
		return 0, fmt.Errorf("revision mismatch on %s: have %d, want %d", key, revision, kv.revisions[key])
	}
	kv.revisions[key]++
	kv.data[key] = value
	return kv.revisions[key], nil
}

// Get retrieves a value and its revision.
func (kv *MockKVStore) Get(key string) ([]byte, uint64, error) {
	kv.mu.RLock()
	defer kv.mu.RUnlock()
	val, ok := kv.data[key]
	if !ok {
		return nil, 0, fmt.Errorf("key not found: %s", key)
	}
	result := make([]byte, len(val))
	copy(result, val)
	return result, kv.revisions[key], nil
}

// Delete removes a key.
func (kv *MockKVStore) Delete(key string) error {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	delete(kv.data, key)
	delete(kv.revisions, key)
	return nil
}

// Keys returns all keys.
func (kv *MockKVStore) Keys() []string {
	kv.mu.RLock()
	defer kv.mu.RUnlock()
	keys := make([]string, 0, len(kv.data))
	for k := range kv.data {
		keys = append(keys, k)
	}
	return keys
}

// Clear removes all keys and revisions.
func (kv *MockKVStore) Clear() {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	kv.data = make(map[string][]byte)
	kv.revisions = make(map[string]uint64)
}

// WaitForMessage polls until a core publish lands on the subject and
// returns the latest one. Fails the test on timeout.
func WaitForMessage(t *testing.T, client *MockNATSClient, subject string, timeout time.Duration) []byte {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			t.Fatalf("timeout waiting for message on subject %s", subject)
			return nil
		case <-ticker.C:
			messages := client.GetMessages(subject)
			if len(messages) > 0 {
				return messages[len(messages)-1]
			}
		}
	}
}

// WaitForMessageCount polls until at least count core publishes landed
// on the subject. Fails the test on timeout.
func WaitForMessageCount(t *testing.T, client *MockNATSClient, subject string, count int, timeout time.Duration) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			got := client.GetMessageCount(subject)
			t.Fatalf("timeout waiting for %d messages on subject %s (got %d)", count, subject, got)
			return
		case <-ticker.C:
			if client.GetMessageCount(subject) >= count {
				return
			}
		}
	}
}

// WaitFor polls an arbitrary condition. Fails the test with the given
// message on timeout.
func WaitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timeout: %s", msg)
}
