package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Peleke/MindMirror-sub002/errors"
)

// Strategy selects the eviction policy.
type Strategy string

const (
	// StrategyLRU evicts the least recently used entry past MaxSize.
	StrategyLRU Strategy = "lru"

	// StrategyTTL evicts entries after their time-to-live elapses.
	StrategyTTL Strategy = "ttl"
)

// Config drives cache construction from component configuration. The
// gateway embeds one for its parsed-operation cache and one for the
// schema cache.
type Config struct {
	Enabled         bool          `json:"enabled" yaml:"enabled"`
	Strategy        Strategy      `json:"strategy" yaml:"strategy"`
	MaxSize         int           `json:"max_size" yaml:"max_size"`
	TTL             time.Duration `json:"ttl" yaml:"ttl"`
	CleanupInterval time.Duration `json:"cleanup_interval" yaml:"cleanup_interval"`
}

// DefaultConfig returns an enabled LRU cache of 1000 entries.
func DefaultConfig() Config {
	return Config{
		Enabled:         true,
		Strategy:        StrategyLRU,
		MaxSize:         1000,
		TTL:             5 * time.Minute,
		CleanupInterval: time.Minute,
	}
}

// Validate checks the configuration for the selected strategy.
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}

	switch c.Strategy {
	case StrategyLRU:
		if c.MaxSize <= 0 {
			return errors.WrapInvalid(errors.ErrInvalidData, "cache", "Validate",
				fmt.Sprintf("max_size must be positive for lru, got %d", c.MaxSize))
		}
	case StrategyTTL:
		if c.TTL <= 0 {
			return errors.WrapInvalid(errors.ErrInvalidData, "cache", "Validate",
				fmt.Sprintf("ttl must be positive for ttl strategy, got %v", c.TTL))
		}
		if c.CleanupInterval <= 0 {
			return errors.WrapInvalid(errors.ErrInvalidData, "cache", "Validate",
				fmt.Sprintf("cleanup_interval must be positive for ttl strategy, got %v", c.CleanupInterval))
		}
	default:
		return errors.WrapInvalid(errors.ErrInvalidData, "cache", "Validate",
			fmt.Sprintf("unknown cache strategy %q", c.Strategy))
	}

	return nil
}

// NewFromConfig builds a cache per the configuration, returning the
// noop cache when disabled.
func NewFromConfig[V any](ctx context.Context, config Config, options ...Option[V]) (Cache[V], error) {
	if err := config.Validate(); err != nil {
		return nil, errors.WrapInvalid(err, "cache", "NewFromConfig", "config validation")
	}

	if !config.Enabled {
		return NewNoop[V](), nil
	}

	switch config.Strategy {
	case StrategyLRU:
		return NewLRU[V](config.MaxSize, options...)
	case StrategyTTL:
		return NewTTL[V](ctx, config.TTL, config.CleanupInterval, options...)
	default:
		return nil, errors.WrapInvalid(errors.ErrInvalidData, "cache", "NewFromConfig",
			fmt.Sprintf("unsupported cache strategy %q", config.Strategy))
	}
}

// NewLRU creates a size-bounded LRU cache.
func NewLRU[V any](maxSize int, options ...Option[V]) (Cache[V], error) {
	return newLRUCache[V](maxSize, applyOptions(options...))
}

// NewTTL creates a TTL cache with background expiry sweeps bound to ctx.
func NewTTL[V any](ctx context.Context, ttl, cleanupInterval time.Duration, options ...Option[V]) (Cache[V], error) {
	return newTTLCache[V](ctx, ttl, cleanupInterval, applyOptions(options...))
}

// NewNoop creates a cache that stores nothing. Used when caching is
// disabled via configuration.
func NewNoop[V any]() Cache[V] {
	return &noopCache[V]{}
}

type noopCache[V any] struct{}

func (c *noopCache[V]) Get(_ string) (V, bool) {
	var zero V
	return zero, false
}

func (c *noopCache[V]) Set(_ string, _ V) (bool, error)  { return false, nil }
func (c *noopCache[V]) Delete(_ string) (bool, error)    { return false, nil }
func (c *noopCache[V]) Clear() error                     { return nil }
func (c *noopCache[V]) Size() int                        { return 0 }
func (c *noopCache[V]) Keys() []string                   { return nil }
func (c *noopCache[V]) Stats() *Statistics               { return nil }
func (c *noopCache[V]) Close() error                     { return nil }

// UnmarshalJSON accepts durations as either strings ("5m") or integer
// nanoseconds.
func (c *Config) UnmarshalJSON(data []byte) error {
	type alias Config
	aux := &struct {
		TTL             json.RawMessage `json:"ttl,omitempty"`
		CleanupInterval json.RawMessage `json:"cleanup_interval,omitempty"`
		*alias
	}{alias: (*alias)(c)}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	if len(aux.TTL) > 0 {
		ttl, err := parseDurationField(aux.TTL, "ttl")
		if err != nil {
			return err
		}
		c.TTL = ttl
	}
	if len(aux.CleanupInterval) > 0 {
		interval, err := parseDurationField(aux.CleanupInterval, "cleanup_interval")
		if err != nil {
			return err
		}
		c.CleanupInterval = interval
	}

	return nil
}

func parseDurationField(data json.RawMessage, fieldName string) (time.Duration, error) {
	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		duration, err := time.ParseDuration(str)
		if err != nil {
			return 0, fmt.Errorf("invalid duration string for %s: %w", fieldName, err)
		}
		return duration, nil
	}

	var nsec int64
	if err := json.Unmarshal(data, &nsec); err != nil {
		return 0, fmt.Errorf("field %s must be a duration string or integer nanoseconds", fieldName)
	}
	return time.Duration(nsec), nil
}
