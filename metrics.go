package multiface

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type PoolMetrics struct {
	OpenTotal   prometheus.Counter
	OpenErrors  prometheus.Counter
	OpenLatency prometheus.Histogram
	CacheHits   prometheus.Counter
	CacheMisses prometheus.Counter
	OpenWaits   prometheus.Counter

	Evictions      prometheus.Counter
	DeferredCloses prometheus.Counter

	FlushTotal   prometheus.Counter
	FlushErrors  prometheus.Counter
	FlushedBytes prometheus.Counter
	DirtyBytes   prometheus.Gauge
}

func (m *PoolMetrics) incCounter(counter prometheus.Counter) {
	if m == nil || counter == nil {
		return
	}
	counter.Inc()
}

func (m *PoolMetrics) addCounter(counter prometheus.Counter, value float64) {
	if m == nil || counter == nil || value == 0 {
		return
	}
	counter.Add(value)
}

func (m *PoolMetrics) observeHistogram(histogram prometheus.Histogram, value float64) {
	if m == nil || histogram == nil {
		return
	}
	histogram.Observe(value)
}

func (m *PoolMetrics) ObserveOpen(d time.Duration, hit bool, err error) {
	if m == nil {
		return
	}
	m.incCounter(m.OpenTotal)
	m.observeHistogram(m.OpenLatency, d.Seconds())
	if err != nil {
		m.incCounter(m.OpenErrors)
		return
	}
	if hit {
		m.incCounter(m.CacheHits)
		return
	}
	m.incCounter(m.CacheMisses)
}

func (m *PoolMetrics) ObserveWait() {
	if m == nil {
		return
	}
	m.incCounter(m.OpenWaits)
}

func (m *PoolMetrics) ObserveEviction() {
	if m == nil {
		return
	}
	m.incCounter(m.Evictions)
}

func (m *PoolMetrics) ObserveDeferredClose() {
	if m == nil {
		return
	}
	m.incCounter(m.DeferredCloses)
}

func (m *PoolMetrics) ObserveFlush(flushedBytes uint64, err error) {
	if m == nil {
		return
	}
	m.incCounter(m.FlushTotal)
	if err != nil {
		m.incCounter(m.FlushErrors)
		return
	}
	m.addCounter(m.FlushedBytes, float64(flushedBytes))
}

func (m *PoolMetrics) AddDirtyBytes(value float64) {
	if m == nil || m.DirtyBytes == nil || value == 0 {
		return
	}
	m.DirtyBytes.Add(value)
}

func DefaultPoolMetrics(constLabels prometheus.Labels) *PoolMetrics {
	return &PoolMetrics{
		OpenTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "multiface",
			Subsystem:   "viewpool",
			Name:        "open_total",
			Help:        "Total number of OpenFile calls.",
			ConstLabels: constLabels,
		}),
		OpenErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "multiface",
			Subsystem:   "viewpool",
			Name:        "open_errors_total",
			Help:        "Total number of OpenFile errors.",
			ConstLabels: constLabels,
		}),
		OpenLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "multiface",
			Subsystem:   "viewpool",
			Name:        "open_latency_seconds",
			Help:        "Histogram of OpenFile latency in seconds.",
			ConstLabels: constLabels,
		}),
		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "multiface",
			Subsystem:   "viewpool",
			Name:        "cache_hits_total",
			Help:        "Total number of OpenFile calls served from the pool.",
			ConstLabels: constLabels,
		}),
		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "multiface",
			Subsystem:   "viewpool",
			Name:        "cache_misses_total",
			Help:        "Total number of OpenFile calls that opened the file.",
			ConstLabels: constLabels,
		}),
		OpenWaits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "multiface",
			Subsystem:   "viewpool",
			Name:        "open_waits_total",
			Help:        "Total number of OpenFile calls parked behind an in-flight open.",
			ConstLabels: constLabels,
		}),
		Evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "multiface",
			Subsystem:   "viewpool",
			Name:        "evictions_total",
			Help:        "Total number of file views evicted from the pool.",
			ConstLabels: constLabels,
		}),
		DeferredCloses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "multiface",
			Subsystem:   "viewpool",
			Name:        "deferred_closes_total",
			Help:        "Total number of mappings released by the destruction drainer.",
			ConstLabels: constLabels,
		}),
		FlushTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "multiface",
			Subsystem:   "viewpool",
			Name:        "flush_total",
			Help:        "Total number of FlushNextFile flushes issued.",
			ConstLabels: constLabels,
		}),
		FlushErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "multiface",
			Subsystem:   "viewpool",
			Name:        "flush_errors_total",
			Help:        "Total number of flush errors.",
			ConstLabels: constLabels,
		}),
		FlushedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "multiface",
			Subsystem:   "viewpool",
			Name:        "flushed_bytes_total",
			Help:        "Total dirty bytes flushed by FlushNextFile.",
			ConstLabels: constLabels,
		}),
		DirtyBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "multiface",
			Subsystem:   "viewpool",
			Name:        "dirty_bytes",
			Help:        "Unflushed bytes currently attributed to pooled file views.",
			ConstLabels: constLabels,
		}),
	}
}
