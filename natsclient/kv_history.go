package natsclient

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/Peleke/MindMirror-sub002/pkg/cache"
)

// HistoryResolver answers "what was this record at time T" questions
// over a KV bucket with history enabled. The release store uses it to
// reconstruct a release as it stood at a past timestamp.
type HistoryResolver struct {
	bucket       jetstream.KeyValue
	historyCache cache.Cache[[]jetstream.KeyValueEntry]
}

// NewHistoryResolver creates a resolver with a 5-second history cache.
// The context bounds the cache's background cleanup goroutine.
func NewHistoryResolver(ctx context.Context, bucket jetstream.KeyValue) *HistoryResolver {
	histCache, err := cache.NewTTL[[]jetstream.KeyValueEntry](
		ctx,
		5*time.Second,
		1*time.Second,
	)
	if err != nil {
		// The cache config above is static; failure means a programming
		// error, not a runtime condition.
		panic(fmt.Sprintf("failed to create history resolver cache: %v", err))
	}

	return &HistoryResolver{
		bucket:       bucket,
		historyCache: histCache,
	}
}

// NewHistoryResolverWithCache creates a resolver with a custom cache TTL.
func NewHistoryResolverWithCache(
	ctx context.Context,
	bucket jetstream.KeyValue,
	cacheTTL time.Duration,
) *HistoryResolver {
	cleanupInterval := cacheTTL / 5
	if cleanupInterval < 1*time.Second {
		cleanupInterval = 1 * time.Second
	}

	histCache, err := cache.NewTTL[[]jetstream.KeyValueEntry](
		ctx,
		cacheTTL,
		cleanupInterval,
	)
	if err != nil {
		panic(fmt.Sprintf("failed to create history resolver cache: %v", err))
	}

	return &HistoryResolver{
		bucket:       bucket,
		historyCache: histCache,
	}
}

func (hr *HistoryResolver) getCachedHistory(ctx context.Context, key string) ([]jetstream.KeyValueEntry, error) {
	if cached, found := hr.historyCache.Get(key); found {
		return cached, nil
	}

	history, err := hr.bucket.History(ctx, key)
	if err != nil {
		return nil, err
	}

	hr.historyCache.Set(key, history)

	return history, nil
}

// GetAtTimestamp finds the record revision that was current at the
// given timestamp. Binary search over the revision history, cached.
func (hr *HistoryResolver) GetAtTimestamp(
	ctx context.Context,
	key string,
	targetTime time.Time,
) (jetstream.KeyValueEntry, error) {
	history, err := hr.getCachedHistory(ctx, key)
	if err != nil {
		if IsKVNotFoundError(err) {
			return nil, ErrKVKeyNotFound
		}
		return nil, fmt.Errorf("get history: %w", err)
	}

	if len(history) == 0 {
		return nil, ErrKVKeyNotFound
	}

	if targetTime.Before(history[0].Created()) {
		// Target predates all history; oldest revision is the best answer.
		return history[0], nil
	}

	lastIdx := len(history) - 1
	if targetTime.After(history[lastIdx].Created()) || targetTime.Equal(history[lastIdx].Created()) {
		return history[lastIdx], nil
	}

	// Right-biased binary search: the latest revision created at or
	// before targetTime.
	left, right := 0, lastIdx
	for left < right {
		mid := left + (right-left+1)/2

		if history[mid].Created().After(targetTime) {
			right = mid - 1
		} else {
			left = mid
		}
	}

	return history[left], nil
}

// GetRangeAtTimestamp resolves multiple records at a single timestamp.
// Reconstructing the full platform state at time T resolves every
// service key this way; keys that did not exist yet are skipped.
func (hr *HistoryResolver) GetRangeAtTimestamp(
	ctx context.Context,
	keys []string,
	targetTime time.Time,
) (map[string]jetstream.KeyValueEntry, error) {
	results := make(map[string]jetstream.KeyValueEntry)

	for _, key := range keys {
		entry, err := hr.GetAtTimestamp(ctx, key, targetTime)
		if err != nil {
			if err == ErrKVKeyNotFound {
				continue
			}
			return nil, fmt.Errorf("get %s at timestamp: %w", key, err)
		}
		results[key] = entry
	}

	return results, nil
}

// GetInTimeRange returns all revisions of a record within a time range,
// ordered oldest first.
func (hr *HistoryResolver) GetInTimeRange(
	ctx context.Context,
	key string,
	startTime, endTime time.Time,
) ([]jetstream.KeyValueEntry, error) {
	history, err := hr.getCachedHistory(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("get history: %w", err)
	}

	var results []jetstream.KeyValueEntry
	for _, entry := range history {
		created := entry.Created()
		if created.After(startTime) && (created.Before(endTime) || created.Equal(endTime)) {
			results = append(results, entry)
		}
	}

	return results, nil
}

// GetRangeInTimeRange returns revisions for multiple records within a
// time range, keyed by record key. Keys with no revisions in range are
// omitted.
func (hr *HistoryResolver) GetRangeInTimeRange(
	ctx context.Context,
	keys []string,
	startTime, endTime time.Time,
) (map[string][]jetstream.KeyValueEntry, error) {
	results := make(map[string][]jetstream.KeyValueEntry)

	for _, key := range keys {
		entries, err := hr.GetInTimeRange(ctx, key, startTime, endTime)
		if err != nil {
			if err == ErrKVKeyNotFound {
				continue
			}
			return nil, fmt.Errorf("get %s in range: %w", key, err)
		}
		if len(entries) > 0 {
			results[key] = entries
		}
	}

	return results, nil
}

// GetStats returns history cache statistics.
func (hr *HistoryResolver) GetStats() *cache.Statistics {
	return hr.historyCache.Stats()
}

// Close shuts down the resolver and its cache.
func (hr *HistoryResolver) Close() error {
	return hr.historyCache.Close()
}
