package observability

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "decision_engine_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "decision_engine_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		},
		[]string{"route", "method"},
	)
	DecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "decision_engine_decisions_total",
			Help: "Total number of decisions by verdict",
		},
		[]string{"verdict"},
	)
	DecisionLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "decision_engine_latency_seconds",
			Help:    "End-to-end decision latency in seconds",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.075, 0.1, 0.25, 0.5, 1},
		},
	)
	ErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "decision_engine_errors_total",
			Help: "Total number of errors by kind",
		},
		[]string{"kind"},
	)
	ScoreHistogram = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "decision_engine_scores",
			Help:    "Distribution of fused risk scores",
			Buckets: []float64{0, 0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0},
		},
	)
	BranchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "decision_engine_branch_duration_seconds",
			Help:    "Fan-out branch duration (ml, rules)",
			Buckets: []float64{0.001, 0.005, 0.01, 0.02, 0.03, 0.05, 0.08, 0.1, 0.25},
		},
		[]string{"branch"},
	)
	PublishQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "decision_engine_publish_queue_depth",
			Help: "Pending envelopes in the async publish retry queue",
		},
	)
	PublishDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "decision_engine_publish_dropped_total",
			Help: "Envelopes dropped on publish retry queue overflow",
		},
	)
	RuleHitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "decision_engine_rule_hits_total",
			Help: "Total rule hits by rule id",
		},
		[]string{"rule_id"},
	)
)

// InitMetrics registers all collectors once per process.
func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(DecisionsTotal)
	prometheus.MustRegister(DecisionLatency)
	prometheus.MustRegister(ErrorsTotal)
	prometheus.MustRegister(ScoreHistogram)
	prometheus.MustRegister(BranchDuration)
	prometheus.MustRegister(PublishQueueDepth)
	prometheus.MustRegister(PublishDroppedTotal)
	prometheus.MustRegister(RuleHitsTotal)
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
		HTTPRequestsTotal.WithLabelValues(route, r.Method, http.StatusText(ww.Status())).Inc()
		HTTPRequestDuration.WithLabelValues(route, r.Method).Observe(dur)
	})
}

// ObserveDecision records the verdict, fused score, and total latency.
func ObserveDecision(verdict string, score float64, latency time.Duration) {
	DecisionsTotal.WithLabelValues(verdict).Inc()
	if score >= 0 && score <= 1 {
		ScoreHistogram.Observe(score)
	}
	DecisionLatency.Observe(latency.Seconds())
}

// CountError increments the error counter for a taxonomy kind.
func CountError(kind string) { ErrorsTotal.WithLabelValues(kind).Inc() }
