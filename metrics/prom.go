package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TextCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pastelink_text_created_total",
		Help: "no. of texts created",
	})
	TextViewed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pastelink_text_viewed_total",
		Help: "no. of successful text views",
	})
	TextDeleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pastelink_text_deleted_total",
		Help: "no. of texts deleted by an admin",
	})
	CacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pastelink_cache_hits_total",
		Help: "no. of cache hits",
	})
	CacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pastelink_cache_misses_total",
		Help: "no. of cache misses",
	})
	CodeCapacityExhausted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pastelink_code_capacity_exhausted_total",
		Help: "no. of creates that found no free code within the attempt budget",
	})
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pastelink_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint", "status"},
	)
	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pastelink_rate_limit_hits_total",
			Help: "no. of rate limit violations",
		},
		[]string{"action"},
	)
	SweepCycles = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pastelink_sweep_cycles_total",
		Help: "no. of sweep cycles",
	})
	SweepDeleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pastelink_sweep_deleted_total",
		Help: "no. of dead texts removed by sweeps",
	})
	CSRFRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pastelink_csrf_rejected_total",
		Help: "no. of requests rejected for a missing or invalid csrf token",
	})
)
