package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 30, 120},
		},
		[]string{"route", "method"},
	)

	DispatchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mesh_dispatch_total",
			Help: "Total task dispatches by strategy and outcome",
		},
		[]string{"strategy", "outcome"},
	)
	DispatchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mesh_dispatch_duration_seconds",
			Help:    "Broker-observed forward duration in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 30, 120, 300},
		},
		[]string{"worker"},
	)
	CreditsSettledTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mesh_credits_settled_total",
			Help: "Credits settled (debited) by worker",
		},
		[]string{"worker"},
	)
	ReservationsSweptTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mesh_reservations_swept_total",
			Help: "Reservations auto-refunded by the sweeper",
		},
	)
	WorkersKnown = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mesh_workers_known",
			Help: "Workers currently known to the registry by status",
		},
		[]string{"status"},
	)

	WorkerPoolBusy = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "mesh_worker_pool_busy",
			Help: "Execution slots currently occupied on this worker",
		},
	)
	WorkerTasksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mesh_worker_tasks_total",
			Help: "Tasks executed on this worker by action and outcome",
		},
		[]string{"action", "outcome"},
	)
	WorkerInstances = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "mesh_worker_instances",
			Help: "Stateful instances currently held in memory",
		},
	)
)

// InitMetrics registers all Prometheus collectors once per process.
func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(DispatchTotal)
	prometheus.MustRegister(DispatchDuration)
	prometheus.MustRegister(CreditsSettledTotal)
	prometheus.MustRegister(ReservationsSweptTotal)
	prometheus.MustRegister(WorkersKnown)
	prometheus.MustRegister(WorkerPoolBusy)
	prometheus.MustRegister(WorkerTasksTotal)
	prometheus.MustRegister(WorkerInstances)
}

// HTTPMetricsMiddleware records Prometheus metrics for each request.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()
		// Route pattern may be unavailable outside chi router; guard nil
		var route string
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			route = r.URL.Path
		}
		HTTPRequestsTotal.WithLabelValues(route, r.Method, strconv.Itoa(ww.Status())).Inc()
		HTTPRequestDuration.WithLabelValues(route, r.Method).Observe(dur)
	})
}
