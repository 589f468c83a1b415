package natsclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultKVOptions(t *testing.T) {
	opts := DefaultKVOptions()
	assert.Equal(t, 10, opts.MaxRetries)
	assert.Equal(t, 10*time.Millisecond, opts.RetryDelay)
	assert.Equal(t, 5*time.Second, opts.Timeout)
	assert.Equal(t, 1024*1024, opts.MaxValueSize)
	assert.True(t, opts.UseExponentialBackoff)
	assert.Equal(t, time.Second, opts.MaxRetryDelay)
}

func TestIsKVNotFoundError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil", nil, false},
		{"sentinel", ErrKVKeyNotFound, true},
		{"wrapped sentinel", fmt.Errorf("get: %w", ErrKVKeyNotFound), true},
		{"raw nats message", errors.New("nats: key not found"), true},
		{"api error code", errors.New("API error 10037"), true},
		{"unrelated", errors.New("connection refused"), false},
		{"conflict", ErrKVRevisionMismatch, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, IsKVNotFoundError(tt.err))
		})
	}
}

func TestIsKVConflictError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil", nil, false},
		{"revision mismatch sentinel", ErrKVRevisionMismatch, true},
		{"key exists sentinel", ErrKVKeyExists, true},
		{"wrapped sentinel", fmt.Errorf("update: %w", ErrKVRevisionMismatch), true},
		{"wrong last sequence", errors.New("nats: wrong last sequence: 7"), true},
		{"sequence error code", errors.New("API error 10071"), true},
		{"key exists message", errors.New("nats: key exists"), true},
		{"exists error code", errors.New("API error 10058"), true},
		{"not found", ErrKVKeyNotFound, false},
		{"unrelated", errors.New("timeout"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, IsKVConflictError(tt.err))
		})
	}
}

func TestKVStore_BasicOperations(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	tc := NewTestClient(t, WithKV())
	client := tc.Client
	ctx := context.Background()

	bucket, err := client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{
		Bucket:  "kv_basic_test",
		History: 5,
	})
	require.NoError(t, err)

	store := client.NewKVStore(bucket)

	t.Run("get missing key", func(t *testing.T) {
		_, err := store.Get(ctx, "missing")
		assert.Equal(t, ErrKVKeyNotFound, err)
	})

	t.Run("put and get", func(t *testing.T) {
		rev, err := store.Put(ctx, "journal", []byte(`{"url":"http://journal:8000"}`))
		require.NoError(t, err)
		assert.Greater(t, rev, uint64(0))

		entry, err := store.Get(ctx, "journal")
		require.NoError(t, err)
		assert.Equal(t, "journal", entry.Key)
		assert.Equal(t, []byte(`{"url":"http://journal:8000"}`), entry.Value)
		assert.Equal(t, rev, entry.Revision)
	})

	t.Run("create rejects existing key", func(t *testing.T) {
		_, err := store.Create(ctx, "habits", []byte("v1"))
		require.NoError(t, err)

		_, err = store.Create(ctx, "habits", []byte("v2"))
		assert.Equal(t, ErrKVKeyExists, err)
	})

	t.Run("update enforces revision", func(t *testing.T) {
		rev, err := store.Put(ctx, "meals", []byte("v1"))
		require.NoError(t, err)

		newRev, err := store.Update(ctx, "meals", []byte("v2"), rev)
		require.NoError(t, err)
		assert.Greater(t, newRev, rev)

		// Stale revision must be rejected.
		_, err = store.Update(ctx, "meals", []byte("v3"), rev)
		assert.Equal(t, ErrKVRevisionMismatch, err)
	})

	t.Run("delete", func(t *testing.T) {
		_, err := store.Put(ctx, "doomed", []byte("x"))
		require.NoError(t, err)

		err = store.Delete(ctx, "doomed")
		require.NoError(t, err)

		_, err = store.Get(ctx, "doomed")
		assert.Equal(t, ErrKVKeyNotFound, err)
	})
}

func TestKVStore_UpdateWithRetry(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	tc := NewTestClient(t, WithKV())
	client := tc.Client
	ctx := context.Background()

	bucket, err := client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{
		Bucket:  "kv_retry_test",
		History: 5,
	})
	require.NoError(t, err)

	store := client.NewKVStore(bucket)

	t.Run("successful update", func(t *testing.T) {
		_, err := store.Put(ctx, "service", []byte("initial"))
		require.NoError(t, err)

		err = store.UpdateWithRetry(ctx, "service", func(current []byte) ([]byte, error) {
			assert.Equal(t, "initial", string(current))
			return []byte("updated"), nil
		})
		assert.NoError(t, err)

		entry, err := store.Get(ctx, "service")
		require.NoError(t, err)
		assert.Equal(t, "updated", string(entry.Value))
	})

	t.Run("creates missing key", func(t *testing.T) {
		err := store.UpdateWithRetry(ctx, "fresh-key", func(current []byte) ([]byte, error) {
			assert.Nil(t, current)
			return []byte("created"), nil
		})
		assert.NoError(t, err)

		entry, err := store.Get(ctx, "fresh-key")
		require.NoError(t, err)
		assert.Equal(t, "created", string(entry.Value))
	})

	t.Run("retries on conflict", func(t *testing.T) {
		key := "contended"
		_, err := store.Put(ctx, key, []byte("v1"))
		require.NoError(t, err)

		updateCount := 0
		err = store.UpdateWithRetry(ctx, key, func(_ []byte) ([]byte, error) {
			updateCount++
			if updateCount == 1 {
				// A second writer slips in between Get and Update.
				_, _ = store.Put(ctx, key, []byte("concurrent"))
			}
			return []byte("final"), nil
		})

		assert.NoError(t, err)
		assert.Greater(t, updateCount, 1, "Should have retried")

		entry, _ := store.Get(ctx, key)
		assert.Equal(t, "final", string(entry.Value))
	})

	t.Run("max retries exceeded", func(t *testing.T) {
		key := "always-contended"
		_, err := store.Put(ctx, key, []byte("initial"))
		require.NoError(t, err)

		limitedStore := client.NewKVStore(bucket, func(opts *KVOptions) {
			opts.MaxRetries = 1
			opts.RetryDelay = 1 * time.Millisecond
		})

		attempts := 0
		err = limitedStore.UpdateWithRetry(ctx, key, func(_ []byte) ([]byte, error) {
			attempts++
			// Interfere every attempt so CAS never lands.
			_, _ = store.Put(ctx, key, []byte("interfering"))
			return []byte("never-succeeds"), nil
		})

		assert.Equal(t, ErrKVMaxRetriesExceeded, err)
		assert.Equal(t, 2, attempts, "Should try initial + 1 retry")
	})

	t.Run("update function error aborts immediately", func(t *testing.T) {
		key := "abort-key"
		_, err := store.Put(ctx, key, []byte("initial"))
		require.NoError(t, err)

		attempts := 0
		wantErr := errors.New("invalid transition")
		err = store.UpdateWithRetry(ctx, key, func(_ []byte) ([]byte, error) {
			attempts++
			return nil, wantErr
		})

		assert.Error(t, err)
		assert.ErrorIs(t, err, wantErr)
		assert.Equal(t, 1, attempts, "user errors must not retry")
	})

	t.Run("value size limit aborts immediately", func(t *testing.T) {
		smallStore := client.NewKVStore(bucket, func(opts *KVOptions) {
			opts.MaxValueSize = 8
		})

		attempts := 0
		err := smallStore.UpdateWithRetry(ctx, "size-key", func(_ []byte) ([]byte, error) {
			attempts++
			return []byte("this value is far too large"), nil
		})

		assert.Error(t, err)
		assert.Contains(t, err.Error(), "size")
		assert.Equal(t, 1, attempts)
	})
}

func TestKVStore_UpdateJSON(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	tc := NewTestClient(t, WithKV())
	client := tc.Client
	ctx := context.Background()

	bucket, err := client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{
		Bucket: "kv_json_test",
	})
	require.NoError(t, err)

	store := client.NewKVStore(bucket)

	t.Run("update JSON object", func(t *testing.T) {
		key := "practices"

		initial := map[string]any{"status": "registered", "port": 8000}
		data, _ := json.Marshal(initial)
		_, err := store.Put(ctx, key, data)
		require.NoError(t, err)

		err = store.UpdateJSON(ctx, key, func(current map[string]any) error {
			assert.Equal(t, "registered", current["status"])
			current["status"] = "healthy"
			current["checked_at"] = "2026-08-25T10:00:00Z"
			return nil
		})
		assert.NoError(t, err)

		entry, err := store.Get(ctx, key)
		require.NoError(t, err)

		var result map[string]any
		require.NoError(t, json.Unmarshal(entry.Value, &result))
		assert.Equal(t, "healthy", result["status"])
		assert.Equal(t, "2026-08-25T10:00:00Z", result["checked_at"])
		assert.Equal(t, float64(8000), result["port"])
	})

	t.Run("creates JSON for missing key", func(t *testing.T) {
		err := store.UpdateJSON(ctx, "new-record", func(current map[string]any) error {
			assert.Empty(t, current)
			current["status"] = "registered"
			return nil
		})
		assert.NoError(t, err)

		entry, err := store.Get(ctx, "new-record")
		require.NoError(t, err)

		var result map[string]any
		require.NoError(t, json.Unmarshal(entry.Value, &result))
		assert.Equal(t, "registered", result["status"])
	})

	t.Run("corrupt stored JSON aborts", func(t *testing.T) {
		_, err := store.Put(ctx, "corrupt", []byte("{not json"))
		require.NoError(t, err)

		err = store.UpdateJSON(ctx, "corrupt", func(map[string]any) error {
			t.Fatal("update function must not run on corrupt data")
			return nil
		})
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "unmarshal")
	})
}

func TestKVStore_Keys(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	tc := NewTestClient(t, WithKV())
	client := tc.Client
	ctx := context.Background()

	bucket, err := client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{
		Bucket: "kv_keys_test",
	})
	require.NoError(t, err)

	store := client.NewKVStore(bucket)

	keys, err := store.Keys(ctx)
	require.NoError(t, err)
	assert.Empty(t, keys)

	for _, name := range []string{"agent", "journal", "users"} {
		_, err := store.Put(ctx, name, []byte("{}"))
		require.NoError(t, err)
	}

	keys, err = store.Keys(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"agent", "journal", "users"}, keys)
}

func TestKVStore_Watch(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	tc := NewTestClient(t, WithKV())
	client := tc.Client
	ctx := context.Background()

	bucket, err := client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{
		Bucket: "kv_watch_test",
	})
	require.NoError(t, err)

	store := client.NewKVStore(bucket)

	watcher, err := store.Watch(ctx, ">")
	require.NoError(t, err)
	defer watcher.Stop()

	// Initial state delivers a nil marker before live updates.
	for entry := range watcher.Updates() {
		if entry == nil {
			break
		}
	}

	_, err = store.Put(ctx, "movements", []byte(`{"status":"deploying"}`))
	require.NoError(t, err)

	select {
	case entry := <-watcher.Updates():
		require.NotNil(t, entry)
		assert.Equal(t, "movements", entry.Key())
		assert.Equal(t, []byte(`{"status":"deploying"}`), entry.Value())
	case <-time.After(2 * time.Second):
		t.Fatal("watch update not received")
	}
}
