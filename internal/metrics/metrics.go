// Package metrics provides Prometheus instrumentation for the backtester.
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
	// StepsTotal counts scheduler iterations.
	StepsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "backtest_steps_total",
		Help: "Total number of scheduler steps executed",
	})

	// StepDuration tracks wall-clock time spent per step.
	StepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "backtest_step_duration_seconds",
		Help:    "Wall-clock duration of one scheduler step",
		Buckets: []float64{0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
	})

	// VirtualTime is the current simulated clock as unix seconds.
	VirtualTime = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "backtest_virtual_time_seconds",
		Help: "Current virtual time of the run (unix seconds)",
	})

	// EventsTotal counts events delivered to the strategy, by kind.
	EventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "backtest_events_total",
		Help: "Events delivered to the strategy",
	}, []string{"kind"})

	// FillsTotal counts fills, partitioned by contract and side.
	FillsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "backtest_fills_total",
		Help: "Total number of simulated fills",
	}, []string{"contract", "side"})

	// FilledLots tracks cumulative filled quantity per contract.
	FilledLots = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "backtest_filled_lots_total",
		Help: "Cumulative filled quantity in lots",
	}, []string{"contract", "side"})

	// OrdersRejected counts order placements refused before resting.
	OrdersRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "backtest_orders_rejected_total",
		Help: "Orders rejected at placement",
	}, []string{"reason"})

	// RestingOrders tracks the resting order count per contract.
	RestingOrders = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "backtest_resting_orders",
		Help: "Number of resting orders",
	}, []string{"contract"})

	// Position tracks the net position per contract.
	Position = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "backtest_position_lots",
		Help: "Net position in lots",
	}, []string{"contract"})

	// UnrealizedPnL tracks the latest mark-to-market per contract.
	UnrealizedPnL = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "backtest_unrealized_pnl",
		Help: "Latest unrealized PnL",
	}, []string{"contract"})

	// ChunksLoaded counts chunks pulled from tick sources.
	ChunksLoaded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "backtest_tick_chunks_loaded_total",
		Help: "Tick chunks loaded from sources",
	}, []string{"source"})

	// TicksLoaded counts ticks pulled from tick sources.
	TicksLoaded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "backtest_ticks_loaded_total",
		Help: "Ticks loaded from sources",
	}, []string{"source"})

	// CacheRequests counts tick chunk cache lookups by result.
	CacheRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "backtest_tick_cache_requests_total",
		Help: "Tick chunk cache lookups",
	}, []string{"result"})

	// WebSocketClients tracks connected monitor WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "backtest_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "backtest_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "backtest_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// ObserveChunk records one chunk of n ticks loaded from source.
func ObserveChunk(source string, n int) {
	ChunksLoaded.WithLabelValues(source).Inc()
	TicksLoaded.WithLabelValues(source).Add(float64(n))
}

// ObserveStep records one scheduler step.
func ObserveStep(virtual time.Time, took time.Duration) {
	StepsTotal.Inc()
	StepDuration.Observe(took.Seconds())
	VirtualTime.Set(float64(virtual.Unix()))
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

		path := r.URL.Path
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
