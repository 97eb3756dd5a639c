// Package metrics provides Prometheus instrumentation for the arena engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/atmx/arena-engine/internal/model"
)

var (
	// RunsTotal counts finished runs by terminal state and failed stage.
	RunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arena_runs_total",
		Help: "Competitor runs by terminal state",
	}, []string{"competitor", "state", "failed_stage"})

	RunDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "arena_run_duration_seconds",
		Help:    "Wall time of one competitor run",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
	}, []string{"competitor"})

	// RunsSkipped counts competitors skipped before any LLM call.
	RunsSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arena_runs_skipped_total",
		Help: "Competitor runs skipped, by reason",
	}, []string{"competitor", "reason"})

	LLMCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arena_llm_calls_total",
		Help: "LLM calls by provider, call type and outcome",
	}, []string{"provider", "call_type", "outcome"})

	LLMLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "arena_llm_latency_seconds",
		Help:    "LLM call latency including retries",
		Buckets: []float64{0.5, 1, 2.5, 5, 10, 20, 40, 80, 160},
	}, []string{"provider", "call_type"})

	LLMTokens = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arena_llm_tokens_total",
		Help: "Tokens consumed, by provider and direction",
	}, []string{"provider", "direction"})

	// FillsTotal counts executed fills, partitioned by side.
	FillsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arena_fills_total",
		Help: "Simulated fills executed",
	}, []string{"competitor", "side"})

	FillNotional = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arena_fill_notional_total",
		Help: "Cumulative notional traded in account currency",
	}, []string{"competitor", "side"})

	// OrderRejections counts orders dropped by the risk limiter or the broker.
	OrderRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arena_order_rejections_total",
		Help: "Orders dropped before or during execution",
	}, []string{"competitor", "source"})

	MarketDataErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arena_market_data_errors_total",
		Help: "Market data source failures",
	}, []string{"source"})

	// CompetitorEquity tracks each competitor's equity after its last run.
	CompetitorEquity = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "arena_competitor_equity",
		Help: "Competitor equity after the latest recorded run",
	}, []string{"competitor"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "arena_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arena_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "arena_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// ObserveRun records everything a finished run log carries.
func ObserveRun(run *model.RunLog, elapsed time.Duration) {
	RunsTotal.WithLabelValues(run.CompetitorID, string(run.State), string(run.FailedStage)).Inc()
	RunDuration.WithLabelValues(run.CompetitorID).Observe(elapsed.Seconds())

	for _, c := range run.LLMCalls {
		outcome := "success"
		if !c.Success {
			outcome = "failure"
		}
		LLMCallsTotal.WithLabelValues(c.Provider, string(c.CallType), outcome).Inc()
		LLMLatency.WithLabelValues(c.Provider, string(c.CallType)).Observe(float64(c.LatencyMs) / 1000)
		LLMTokens.WithLabelValues(c.Provider, "prompt").Add(float64(c.PromptTokens))
		LLMTokens.WithLabelValues(c.Provider, "completion").Add(float64(c.CompletionTokens))
	}

	for _, f := range run.Fills {
		FillsTotal.WithLabelValues(run.CompetitorID, string(f.Side)).Inc()
		FillNotional.WithLabelValues(run.CompetitorID, string(f.Side)).Add(f.Notional.InexactFloat64())
	}

	if run.SnapshotAfter != nil && run.State == model.StateRecorded {
		CompetitorEquity.WithLabelValues(run.CompetitorID).Set(run.SnapshotAfter.Equity().InexactFloat64())
	}
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Route pattern keeps ids out of the label.
		path := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			path = rc.RoutePattern()
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
