// Package metrics provides Prometheus instrumentation for the trading engine.
package metrics

import (
	"bufio"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// TradesTotal counts executed trades, partitioned by action.
	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "papervest_trades_total",
		Help: "Total number of trades executed",
	}, []string{"action"})

	// TradeLatency tracks end-to-end trade execution latency.
	TradeLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "papervest_trade_latency_seconds",
		Help:    "Trade execution latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"action"})

	// TradeRejections counts trades rejected by business rules.
	TradeRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "papervest_trade_rejections_total",
		Help: "Trades rejected before mutating the ledger",
	}, []string{"reason"})

	// AllocationRejections counts allocation requests rejected by the guard.
	AllocationRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "papervest_allocation_rejections_total",
		Help: "Allocation requests rejected by the allocation guard",
	})

	// WebSocketClients tracks connected gateway clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "papervest_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// BroadcastDropped counts price events dropped for slow connections.
	BroadcastDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "papervest_broadcast_dropped_total",
		Help: "Price events dropped because a client send buffer was full",
	})

	// FeedReconnects counts upstream feed reconnect attempts.
	FeedReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "papervest_feed_reconnects_total",
		Help: "Upstream feed reconnect attempts",
	})

	// FeedFramesDropped counts malformed upstream frames.
	FeedFramesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "papervest_feed_frames_dropped_total",
		Help: "Malformed upstream frames logged and dropped",
	})

	// TicksThrottled counts ticks dropped by the per-ticker throttle.
	TicksThrottled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "papervest_ticks_throttled_total",
		Help: "Upstream ticks dropped by the 200ms per-ticker throttle",
	})

	// TicksPublished counts normalized price events published to the bus.
	TicksPublished = promauto.NewCounter(prometheus.CounterOpts{
		Name: "papervest_ticks_published_total",
		Help: "Normalized price events published to the distribution bus",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "papervest_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "papervest_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

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

		// Use the raw path for the label; the API surface is small enough
		// that cardinality stays bounded.
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

// Hijack keeps WebSocket upgrades working behind the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, http.ErrNotSupported
	}
	return h.Hijack()
}
