package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var HTTPRequestsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests received",
	},
	[]string{"endpoint", "status", "method"},
)

var HTTPRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "Duration of HTTP requests in seconds",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"endpoint", "method"},
)

var HTTPRateLimitRejectionsTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "http_rate_limit_rejections_total",
		Help: "Total number of HTTP requests rejected due to rate limiting",
	},
)

// PushOutcomesTotal counts per-candidate orchestration outcomes:
// sent, removed, skipped, failed.
var PushOutcomesTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "weather_push_outcomes_total",
		Help: "Per-endpoint outcome of weather push runs",
	},
	[]string{"trigger", "outcome"},
)

var PushDeliveryFailuresTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "weather_push_delivery_failures_total",
		Help: "Failed push deliveries by class",
	},
	[]string{"class"},
)

var PushSendDuration = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "weather_push_send_duration_seconds",
		Help:    "Time taken to hand a notification to the push service",
		Buckets: prometheus.DefBuckets,
	},
)

var WeatherFetchTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "weather_fetch_total",
		Help: "Weather lookups by result (ok, error, cache_hit, stale)",
	},
	[]string{"result"},
)

var WeatherFetchDuration = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "weather_fetch_duration_seconds",
		Help:    "Duration of upstream weather API calls including retries",
		Buckets: prometheus.DefBuckets,
	},
)

var SweepDuration = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "weather_push_sweep_duration_seconds",
		Help:    "Wall-clock duration of scheduled sweeps",
		Buckets: []float64{0.1, 0.5, 1, 2, 4, 8, 16},
	},
)

var once sync.Once

// Init registers all collectors with the default registry. Safe to call more
// than once.
func Init() {
	once.Do(func() {
		prometheus.MustRegister(
			HTTPRequestsTotal,
			HTTPRequestDuration,
			HTTPRateLimitRejectionsTotal,
			PushOutcomesTotal,
			PushDeliveryFailuresTotal,
			PushSendDuration,
			WeatherFetchTotal,
			WeatherFetchDuration,
			SweepDuration,
		)
	})
}
