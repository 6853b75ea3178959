// Package metrics provides Prometheus metrics for the file manager server.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP request metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "filemanager_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "filemanager_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	// Tree cache metrics
	treeCacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "filemanager_tree_cache_lookups_total",
			Help: "Snapshot requests served from cache (hit) or by a rebuild (miss)",
		},
		[]string{"result"},
	)

	treeCacheInvalidations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "filemanager_tree_cache_invalidations_total",
			Help: "Explicit tree cache invalidations",
		},
	)

	treeBuildDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "filemanager_tree_build_duration_seconds",
			Help:    "Time to rebuild the tree from storage",
			Buckets: prometheus.DefBuckets,
		},
	)

	treeBuildErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "filemanager_tree_build_errors_total",
			Help: "Tree builds that failed",
		},
	)

	treeSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "filemanager_tree_size",
			Help: "Number of files and folders in the last built tree",
		},
	)

	// Mutation metrics
	mutationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "filemanager_mutations_total",
			Help: "Disk-mutating operations by operation and result class",
		},
		[]string{"op", "result"},
	)

	uploadBytes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "filemanager_upload_bytes_total",
			Help: "Total bytes written by uploads",
		},
	)

	downloadBytes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "filemanager_download_bytes_total",
			Help: "Total bytes served from the content endpoint",
		},
	)

	// SSE metrics
	sseConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "filemanager_sse_connections_active",
			Help: "Number of active SSE connections",
		},
	)

	sseEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "filemanager_sse_events_total",
			Help: "Total SSE events published",
		},
		[]string{"type"},
	)

	// Database metrics
	dbQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "filemanager_db_query_duration_seconds",
			Help:    "Database query duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"query"},
	)

	// S3 metrics
	s3OperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "filemanager_s3_operation_duration_seconds",
			Help:    "S3 operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	s3OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "filemanager_s3_operations_total",
			Help: "Total S3 operations",
		},
		[]string{"operation", "status"},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// streamRoutes stay open for the life of a client; their duration is not
// a latency and is kept out of the histogram.
var streamRoutes = map[string]bool{
	"GET /api/events": true,
}

// RecordHTTPRequest records an HTTP request metric.
func RecordHTTPRequest(method, route string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	if !streamRoutes[route] {
		httpRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
	}
}

// RecordCacheHit records a snapshot served from cache.
func RecordCacheHit() {
	treeCacheLookups.WithLabelValues("hit").Inc()
}

// RecordCacheMiss records a snapshot request that needed a rebuild.
func RecordCacheMiss() {
	treeCacheLookups.WithLabelValues("miss").Inc()
}

// RecordCacheInvalidation records an explicit invalidation.
func RecordCacheInvalidation() {
	treeCacheInvalidations.Inc()
}

// RecordTreeBuild records a tree rebuild and, on success, the tree size.
func RecordTreeBuild(duration time.Duration, nodes int, err error) {
	treeBuildDuration.Observe(duration.Seconds())
	if err != nil {
		treeBuildErrors.Inc()
		return
	}
	treeSize.Set(float64(nodes))
}

// RecordMutation records the outcome of a mutation operation.
func RecordMutation(op, result string) {
	mutationsTotal.WithLabelValues(op, result).Inc()
}

// RecordUpload records uploaded bytes.
func RecordUpload(bytes int64) {
	uploadBytes.Add(float64(bytes))
}

// RecordDownload records downloaded bytes.
func RecordDownload(bytes int64) {
	downloadBytes.Add(float64(bytes))
}

// SetSSEConnectionsActive sets the number of active SSE connections.
func SetSSEConnectionsActive(count int64) {
	sseConnectionsActive.Set(float64(count))
}

// RecordSSEEvent records an SSE event publication.
func RecordSSEEvent(eventType string) {
	sseEventsTotal.WithLabelValues(eventType).Inc()
}

// RecordDBQuery records a database query duration.
func RecordDBQuery(query string, duration time.Duration) {
	dbQueryDuration.WithLabelValues(query).Observe(duration.Seconds())
}

// RecordS3Operation records an S3 operation.
func RecordS3Operation(operation string, duration time.Duration, success bool) {
	s3OperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
	status := "success"
	if !success {
		status = "error"
	}
	s3OperationsTotal.WithLabelValues(operation, status).Inc()
}

// responseWriter wraps http.ResponseWriter to capture status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Middleware returns HTTP middleware that records request metrics. The
// route label is the matched ServeMux pattern, so ids do not explode the
// label cardinality.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)
		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		RecordHTTPRequest(r.Method, route, rw.statusCode, time.Since(start))
	})
}
