package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	cacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "neuro_cache_lookups_total",
		Help: "Handle cache lookups by result (hit, miss).",
	}, []string{"result"})

	cacheLoads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "neuro_cache_loads_total",
		Help: "Handle loads from snapshots by result.",
	}, []string{"result"})

	cacheLoadSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "neuro_cache_load_duration_seconds",
		Help:    "Time to load a handle from its snapshot.",
		Buckets: prometheus.ExponentialBuckets(0.001, 4, 8),
	})

	cacheEvictions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "neuro_cache_evictions_total",
		Help: "Handles dropped from the cache by reason (capacity, idle, explicit).",
	}, []string{"reason"})

	cacheFlushes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "neuro_cache_flushes_total",
		Help: "Flushes of pending interactions by result.",
	}, []string{"result"})

	cacheEntries = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "neuro_cache_entries",
		Help: "Handles currently cached.",
	})
)
