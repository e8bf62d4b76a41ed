package search

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricPlayouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tengen_search_playouts_total",
		Help: "Completed playouts across all searches",
	})

	metricSearches = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tengen_search_whole_searches_total",
		Help: "Whole searches begun",
	})

	metricSearchSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tengen_search_duration_seconds",
		Help:    "Whole-search wall clock duration",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
	})

	metricStopReasons = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tengen_search_stop_total",
		Help: "Whole-search terminations by reason",
	}, []string{"reason"})
)
