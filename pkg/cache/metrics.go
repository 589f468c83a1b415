package cache

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/Peleke/MindMirror-sub002/metric"
)

// cacheMetrics exports cache counters to Prometheus, labeled by the
// owning component.
type cacheMetrics struct {
	hits      prometheus.Counter
	misses    prometheus.Counter
	sets      prometheus.Counter
	deletes   prometheus.Counter
	evictions prometheus.Counter
	size      prometheus.Gauge
}

func newCacheMetrics(registry *metric.MetricsRegistry, prefix string) (*cacheMetrics, error) {
	newCounter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "sway",
			Subsystem:   "cache",
			Name:        name,
			ConstLabels: prometheus.Labels{"component": prefix},
			Help:        help,
		})
	}

	m := &cacheMetrics{
		hits:      newCounter("hits_total", "Cache hits"),
		misses:    newCounter("misses_total", "Cache misses"),
		sets:      newCounter("sets_total", "Cache set operations"),
		deletes:   newCounter("deletes_total", "Cache delete operations"),
		evictions: newCounter("evictions_total", "Cache evictions"),
		size: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "sway",
			Subsystem:   "cache",
			Name:        "size",
			ConstLabels: prometheus.Labels{"component": prefix},
			Help:        "Current cache entry count",
		}),
	}

	registrations := map[string]func() error{
		"cache_hits":      func() error { return registry.RegisterCounter(prefix, "cache_hits", m.hits) },
		"cache_misses":    func() error { return registry.RegisterCounter(prefix, "cache_misses", m.misses) },
		"cache_sets":      func() error { return registry.RegisterCounter(prefix, "cache_sets", m.sets) },
		"cache_deletes":   func() error { return registry.RegisterCounter(prefix, "cache_deletes", m.deletes) },
		"cache_evictions": func() error { return registry.RegisterCounter(prefix, "cache_evictions", m.evictions) },
	}
	for _, register := range registrations {
		if err := register(); err != nil {
			return nil, err
		}
	}
	if err := registry.RegisterGauge(prefix, "cache_size", m.size); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *cacheMetrics) recordHit()         { m.hits.Inc() }
func (m *cacheMetrics) recordMiss()        { m.misses.Inc() }
func (m *cacheMetrics) recordSet()         { m.sets.Inc() }
func (m *cacheMetrics) recordDelete()      { m.deletes.Inc() }
func (m *cacheMetrics) recordEviction()    { m.evictions.Inc() }
func (m *cacheMetrics) updateSize(size int) { m.size.Set(float64(size)) }
