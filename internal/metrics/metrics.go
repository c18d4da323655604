package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// DispatchRuns is a counter for dispatch runs by result (ok, query_error, busy).
	DispatchRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "postscheduler_dispatch_runs_total",
			Help: "The total number of dispatch runs.",
		},
		[]string{"result", "trigger"},
	)

	// DispatchRunDuration is a histogram of the time a dispatch run takes.
	DispatchRunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "postscheduler_dispatch_run_duration_seconds",
			Help:    "A histogram of the dispatch run duration.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		},
		[]string{"trigger"},
	)

	// PostsDispatched is a counter for rows handled by outcome (posted, failed, skipped).
	PostsDispatched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "postscheduler_posts_dispatched_total",
			Help: "The total number of scheduled posts handled by the dispatcher.",
		},
		[]string{"outcome"},
	)

	// PublishAttempts is a counter for publish calls by status class.
	PublishAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "postscheduler_publish_attempts_total",
			Help: "The total number of publish API calls.",
		},
		[]string{"status_class"},
	)

	// TokenRefreshes is a counter for token refresh exchanges by result.
	TokenRefreshes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "postscheduler_token_refreshes_total",
			Help: "The total number of token refresh exchanges.",
		},
		[]string{"result"},
	)

	// PostsInFlight is a gauge that shows the number of rows currently being dispatched.
	PostsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "postscheduler_posts_in_flight",
			Help: "The number of scheduled posts currently being dispatched.",
		},
	)
)

// StatusClass buckets an HTTP status code for labels; 0 means no response.
func StatusClass(code int) string {
	if code <= 0 {
		return "network_error"
	}
	return strconv.Itoa(code/100) + "xx"
}
