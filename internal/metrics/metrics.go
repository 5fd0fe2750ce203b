// Package metrics provides Prometheus metrics for the image server.
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
			Name: "imgsrv_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "imgsrv_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	// Upload metrics
	uploadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "imgsrv_uploads_total",
			Help: "Total uploaded files by outcome (new, duplicate, rejected, error)",
		},
		[]string{"outcome"},
	)

	uploadBytes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "imgsrv_upload_bytes_total",
			Help: "Total bytes received by the upload endpoint",
		},
	)

	// Job metrics
	jobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "imgsrv_jobs_total",
			Help: "Processing jobs by result (enqueued, coalesced, completed, retried, dead)",
		},
		[]string{"result"},
	)

	jobDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "imgsrv_job_duration_seconds",
			Help:    "Time spent processing a single job",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
	)

	queueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "imgsrv_queue_jobs",
			Help: "Jobs currently held by the work queue by state",
		},
		[]string{"state"},
	)

	// Sweep metrics
	sweepRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "imgsrv_sweep_runs_total",
			Help: "Reconciliation sweep runs by result (enqueued, skipped, rate_limited, error)",
		},
		[]string{"result"},
	)

	sweepFiles = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "imgsrv_sweep_local_files",
			Help: "Local tier files seen by the last reconciliation sweep",
		},
	)

	// Response cache metrics
	cacheLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "imgsrv_cache_lookups_total",
			Help: "Response cache lookups by result (hit, miss, bypass)",
		},
		[]string{"result"},
	)

	// Transform metrics
	transformDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "imgsrv_transform_duration_seconds",
			Help:    "Image transform duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	// Remote tier metrics
	remoteOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "imgsrv_remote_operation_duration_seconds",
			Help:    "Remote object store operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	remoteOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "imgsrv_remote_operations_total",
			Help: "Total remote object store operations",
		},
		[]string{"operation", "status"},
	)

	// Auth metrics
	authAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "imgsrv_auth_attempts_total",
			Help: "Upload token checks by result",
		},
		[]string{"result"},
	)

	migrationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "imgsrv_migrations_total",
			Help: "Local to remote migrations by result (uploaded, skipped)",
		},
		[]string{"result"},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordHTTPRequest records an HTTP request metric.
func RecordHTTPRequest(method, route string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// RecordUpload records one uploaded file.
func RecordUpload(outcome string, bytes int64) {
	uploadsTotal.WithLabelValues(outcome).Inc()
	uploadBytes.Add(float64(bytes))
}

// RecordJob records a job lifecycle transition.
func RecordJob(result string) {
	jobsTotal.WithLabelValues(result).Inc()
}

// ObserveJobDuration records how long a job ran.
func ObserveJobDuration(d time.Duration) {
	jobDuration.Observe(d.Seconds())
}

// SetQueueDepth sets the gauge for one queue state.
func SetQueueDepth(state string, n int64) {
	queueDepth.WithLabelValues(state).Set(float64(n))
}

// RecordSweep records a reconciliation sweep run.
func RecordSweep(result string, files int) {
	sweepRunsTotal.WithLabelValues(result).Inc()
	if files >= 0 {
		sweepFiles.Set(float64(files))
	}
}

// RecordCacheLookup records a response cache lookup.
func RecordCacheLookup(result string) {
	cacheLookupsTotal.WithLabelValues(result).Inc()
}

// ObserveTransform records an image transform.
func ObserveTransform(kind string, d time.Duration) {
	transformDuration.WithLabelValues(kind).Observe(d.Seconds())
}

// RecordRemoteOperation records a remote object store operation.
func RecordRemoteOperation(operation string, duration time.Duration, success bool) {
	remoteOperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
	status := "success"
	if !success {
		status = "error"
	}
	remoteOperationsTotal.WithLabelValues(operation, status).Inc()
}

// RecordAuthAttempt records an upload token check.
func RecordAuthAttempt(success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	authAttemptsTotal.WithLabelValues(result).Inc()
}

// RecordMigration records the outcome of a tier migration.
func RecordMigration(uploaded bool) {
	result := "uploaded"
	if !uploaded {
		result = "skipped"
	}
	migrationsTotal.WithLabelValues(result).Inc()
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

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Middleware returns HTTP middleware that records request metrics.
// Routes are labelled by mux pattern so blob keys do not explode cardinality.
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
