package cache

import (
	"github.com/Peleke/MindMirror-sub002/errors"
)

// Cache is a generic key-value cache. Implementations are safe for
// concurrent use.
type Cache[V any] interface {
	// Get returns the value for key and whether it was present.
	Get(key string) (V, bool)

	// Set stores value under key. Returns true when a new entry was
	// created rather than an existing one updated.
	Set(key string, value V) (bool, error)

	// Delete removes key. Returns true when an entry was removed.
	Delete(key string) (bool, error)

	// Clear removes all entries.
	Clear() error

	// Size returns the current entry count.
	Size() int

	// Keys returns the current keys. Ordering is implementation-defined.
	Keys() []string

	// Stats returns the statistics tracker, nil for the noop cache.
	Stats() *Statistics

	// Close releases background resources.
	Close() error
}

// EvictCallback is invoked after an entry leaves the cache, outside any
// cache lock.
type EvictCallback[V any] func(key string, value V)

func validateKey(key string) error {
	if key == "" {
		return errors.WrapInvalid(errors.ErrInvalidData, "cache", "validateKey", "empty key")
	}
	return nil
}
