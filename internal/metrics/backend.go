package metrics

import "github.com/prometheus/client_golang/prometheus"

// Search backend Prometheus metrics.
var (
	BackendRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "needle",
			Name:      "backend_requests_total",
			Help:      "Total number of search backend requests",
		},
		[]string{"alias", "engine", "op", "status"},
	)

	BackendRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "needle",
			Name:      "backend_request_duration_seconds",
			Help:      "Search backend request duration in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"alias", "engine", "op"},
	)

	BackendSwallowedErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "needle",
			Name:      "backend_swallowed_errors_total",
			Help:      "Backend errors logged and swallowed because silently_fail is set",
		},
		[]string{"alias", "engine", "op"},
	)

	DocumentsIndexedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "needle",
			Name:      "documents_indexed_total",
			Help:      "Documents submitted to a backend, by outcome",
		},
		[]string{"alias", "result"}, // "indexed" / "skipped"
	)

	HydrationTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "needle",
			Name:      "hydration_total",
			Help:      "Primary objects resolved for search results",
		},
		[]string{"result"}, // "found" / "missing" / "cache_hit" / "cache_miss"
	)
)

var backendMetricsRegistered bool

// RegisterBackendMetrics registers Prometheus backend metrics. Must be called once from main.
func RegisterBackendMetrics() {
	if backendMetricsRegistered {
		return
	}
	prometheus.MustRegister(BackendRequestsTotal)
	prometheus.MustRegister(BackendRequestDuration)
	prometheus.MustRegister(BackendSwallowedErrorsTotal)
	prometheus.MustRegister(DocumentsIndexedTotal)
	prometheus.MustRegister(HydrationTotal)
	backendMetricsRegistered = true
}
