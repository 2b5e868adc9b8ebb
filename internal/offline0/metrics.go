package offline0

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "offline0_requests_total",
		Help: "Intercepted requests by route and response source.",
	}, []string{"route", "source"})

	originFetchSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "offline0_origin_fetch_seconds",
		Help:    "Duration of network round trips.",
		Buckets: prometheus.DefBuckets,
	}, []string{"outcome"})

	queueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "offline0_queue_depth",
		Help: "Submissions waiting for replay as of the last enqueue or drain.",
	})

	replaysTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "offline0_replays_total",
		Help: "Replay attempts by result.",
	}, []string{"result"})

	installsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "offline0_installs_total",
		Help: "Cache version installs by result.",
	}, []string{"result"})

	wsClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "offline0_ws_clients",
		Help: "Connected page clients.",
	})

	controlDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "offline0_control_request_duration_seconds",
		Help:    "Duration of control API requests.",
		Buckets: prometheus.DefBuckets,
	}, []string{"path", "method", "status"})
)

// metricsMiddleware records control API latency by chi route pattern.
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		path := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			path = rc.RoutePattern()
		}
		controlDuration.WithLabelValues(path, r.Method, strconv.Itoa(ww.Status())).Observe(time.Since(start).Seconds())
	})
}
