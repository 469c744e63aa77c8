package monitoring

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Global Tick Driver metrics.
	tickDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "alpharoyale_tick_duration_milliseconds",
			Help:    "Wall-clock duration of one global tick invocation",
			Buckets: []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
		},
	)

	ticksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alpharoyale_ticks_total",
			Help: "Total global tick invocations by outcome",
		},
		[]string{"outcome"}, // success, price_feed_error, store_error
	)

	gamesDispatched = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "alpharoyale_games_dispatched",
			Help: "Number of games dispatched in the most recent tick",
		},
	)

	quotesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alpharoyale_quotes_received_total",
			Help: "Total quotes received from the price feed, by symbol",
		},
		[]string{"symbol"},
	)

	priceFeedErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alpharoyale_price_feed_errors_total",
			Help: "Total price feed fetch failures by symbol",
		},
		[]string{"symbol"},
	)

	// Tick Engine metrics.
	ordersProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alpharoyale_orders_processed_total",
			Help: "Total orders reaching a terminal state, by type and outcome",
		},
		[]string{"order_type", "outcome"}, // outcome: filled, rejected
	)

	positionsOpen = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "alpharoyale_positions_open",
			Help: "Number of currently open positions by symbol",
		},
		[]string{"symbol"},
	)

	equitySnapshotsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "alpharoyale_equity_snapshots_total",
			Help: "Total equity-history rows appended",
		},
	)

	gamesActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "alpharoyale_games_active",
			Help: "Number of games currently in the active status",
		},
	)

	gamesCompleted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "alpharoyale_games_completed_total",
			Help: "Total games transitioned to completed via close-out",
		},
	)

	// Scheduler liveness metrics (spec §4.6).
	schedulerTimerPending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "alpharoyale_scheduler_timer_pending",
			Help: "1 if this process currently owns the self-rescheduling timer, 0 otherwise",
		},
	)

	schedulerLockAcquisitions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "alpharoyale_scheduler_lock_acquisitions_total",
			Help: "Total times this process won the singleton scheduler lock",
		},
	)

	// Data Store Gateway metrics.
	storeOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "alpharoyale_store_operation_duration_milliseconds",
			Help:    "Gateway operation duration in milliseconds",
			Buckets: []float64{0.5, 1, 5, 10, 25, 50, 100, 250, 500},
		},
		[]string{"operation"},
	)

	// Runtime metrics.
	memoryUsageBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "alpharoyale_memory_usage_bytes",
			Help: "Current memory usage in bytes",
		},
	)

	goroutineCount = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "alpharoyale_goroutines_count",
			Help: "Current number of goroutines",
		},
	)

	// Operator control-surface metrics.
	apiRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alpharoyale_api_requests_total",
			Help: "Total control-surface HTTP requests by endpoint and status",
		},
		[]string{"endpoint", "method", "status"},
	)

	apiRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "alpharoyale_api_request_duration_milliseconds",
			Help:    "Control-surface HTTP request duration in milliseconds",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		},
		[]string{"endpoint", "method"},
	)
)

// MetricsCollector exposes the /metrics endpoint for the default registry.
type MetricsCollector struct {
	registry *prometheus.Registry
	mu       sync.RWMutex
}

// NewMetricsCollector creates a new metrics collector bound to the default
// Prometheus registry that promauto registers into.
func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{
		registry: prometheus.DefaultRegisterer.(*prometheus.Registry),
	}
}

// Handler returns the HTTP handler for /metrics.
func (mc *MetricsCollector) Handler() http.Handler {
	return promhttp.Handler()
}

// RecordTick records the outcome and duration of one global tick.
func RecordTick(outcome string, durationMs float64, gameCount int) {
	ticksTotal.WithLabelValues(outcome).Inc()
	tickDuration.Observe(durationMs)
	gamesDispatched.Set(float64(gameCount))
}

// RecordQuote records a successfully received quote.
func RecordQuote(symbol string) {
	quotesReceived.WithLabelValues(symbol).Inc()
}

// RecordPriceFeedError records a price feed fetch failure.
func RecordPriceFeedError(symbol string) {
	priceFeedErrors.WithLabelValues(symbol).Inc()
}

// RecordOrderOutcome records an order reaching fill or rejection.
func RecordOrderOutcome(orderType, outcome string) {
	ordersProcessed.WithLabelValues(orderType, outcome).Inc()
}

// SetOpenPositions sets the current open-position count for a symbol.
func SetOpenPositions(symbol string, count int) {
	positionsOpen.WithLabelValues(symbol).Set(float64(count))
}

// RecordEquitySnapshot records one equity_history row appended.
func RecordEquitySnapshot() {
	equitySnapshotsTotal.Inc()
}

// SetActiveGames sets the current active-game count.
func SetActiveGames(count int) {
	gamesActive.Set(float64(count))
}

// RecordGameCompleted records one game transitioning to completed.
func RecordGameCompleted() {
	gamesCompleted.Inc()
}

// SetSchedulerTimerPending reports whether this process owns the timer.
func SetSchedulerTimerPending(pending bool) {
	value := 0.0
	if pending {
		value = 1.0
	}
	schedulerTimerPending.Set(value)
}

// RecordSchedulerLockAcquired records a won singleton-lock acquisition.
func RecordSchedulerLockAcquired() {
	schedulerLockAcquisitions.Inc()
}

// RecordStoreOperation records a Gateway call's duration.
func RecordStoreOperation(operation string, durationMs float64) {
	storeOperationDuration.WithLabelValues(operation).Observe(durationMs)
}

// SetMemoryUsage sets memory usage.
func SetMemoryUsage(bytes uint64) {
	memoryUsageBytes.Set(float64(bytes))
}

// SetGoroutineCount sets goroutine count.
func SetGoroutineCount(count int) {
	goroutineCount.Set(float64(count))
}

// RecordAPIRequest records a control-surface API request.
func RecordAPIRequest(endpoint, method, status string, durationMs float64) {
	apiRequestsTotal.WithLabelValues(endpoint, method, status).Inc()
	apiRequestDuration.WithLabelValues(endpoint, method).Observe(durationMs)
}

// APIRequestMiddleware wraps HTTP handlers to record metrics.
func APIRequestMiddleware(endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		handler(wrapped, r)

		duration := float64(time.Since(start).Milliseconds())
		RecordAPIRequest(endpoint, r.Method, http.StatusText(wrapped.statusCode), duration)
	}
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
