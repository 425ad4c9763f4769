// Package telemetry exposes the server's Prometheus metrics and its health
// endpoint, wired the same way across every surface this binary runs.
package telemetry

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"k8s.io/klog/v2"
)

var (
	metricSessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "pieshare",
			Name:      "sessions_active",
			Help:      "Number of currently connected sessions.",
		},
	)

	metricFramesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pieshare",
			Name:      "frames_received_total",
			Help:      "Client frames received, by type.",
		},
		[]string{"type"},
	)

	metricFramesDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "pieshare",
			Name:      "broadcast_frames_dropped_total",
			Help:      "Update frames dropped because a subscriber's queue was full.",
		},
	)

	metricBalanceDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "pieshare",
			Name:      "balance_duration_seconds",
			Help:      "Wall-clock time spent in one balancing pass.",
			Buckets:   prometheus.DefBuckets,
		},
	)

	metricParticipants = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "pieshare",
			Name:      "participants",
			Help:      "Number of participants currently registered.",
		},
	)

	metricOrderVersion = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "pieshare",
			Name:      "order_version",
			Help:      "Current version counter of the order catalogue.",
		},
	)
)

// RecordSessionOpened increments the active session gauge.
func RecordSessionOpened() { metricSessionsActive.Inc() }

// RecordSessionClosed decrements the active session gauge.
func RecordSessionClosed() { metricSessionsActive.Dec() }

// RecordFrameReceived tags one inbound client frame by its type.
func RecordFrameReceived(frameType string) { metricFramesReceived.WithLabelValues(frameType).Inc() }

// RecordFrameDropped records one Update frame dropped by the broadcast bus.
func RecordFrameDropped() { metricFramesDropped.Inc() }

// RecordBalance records how long one balancing pass took and the resulting
// catalogue size and version.
func RecordBalance(duration time.Duration, participants int, version uint64) {
	metricBalanceDuration.Observe(duration.Seconds())
	metricParticipants.Set(float64(participants))
	metricOrderVersion.Set(float64(version))
}

// Status is the payload served from /healthz.
type Status struct {
	Healthy           bool      `json:"healthy"`
	StartTime         time.Time `json:"startTime"`
	Uptime            string    `json:"uptime"`
	SessionsActive    int       `json:"sessionsActive"`
	LastBalanceTime   time.Time `json:"lastBalanceTime"`
	BalancesSinceInit int64     `json:"balancesSinceInit"`
}

// Health tracks process liveness independent of the metrics above: it is
// read far more often than it is written, and never blocks a session.
type Health struct {
	startTime time.Time

	mu              sync.RWMutex
	sessionsActive  int
	lastBalanceTime time.Time
	balanceCount    int64
}

// NewHealth creates a Health tracker stamped with the current time.
func NewHealth(now time.Time) *Health {
	return &Health{startTime: now}
}

// SessionOpened records one more live session.
func (h *Health) SessionOpened() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sessionsActive++
}

// SessionClosed records one fewer live session.
func (h *Health) SessionClosed() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sessionsActive--
}

// RecordBalance stamps the most recent balancing pass.
func (h *Health) RecordBalance(at time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lastBalanceTime = at
	h.balanceCount++
}

// Status snapshots the current health state. A process is healthy as long
// as it is running; there is no external dependency that can make it
// unready.
func (h *Health) Status(now time.Time) Status {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return Status{
		Healthy:           true,
		StartTime:         h.startTime,
		Uptime:            now.Sub(h.startTime).Round(time.Second).String(),
		SessionsActive:    h.sessionsActive,
		LastBalanceTime:   h.lastBalanceTime,
		BalancesSinceInit: h.balanceCount,
	}
}

// ServeHTTP answers /healthz with the current status as JSON.
func (h *Health) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	status := h.Status(time.Now())
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(status)
}

// Mux builds the HTTP handler for /healthz and /metrics, ready to be served
// alongside the WebSocket upgrade route.
func Mux(health *Health) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/healthz", health)
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// ListenAndServe starts the telemetry mux in the background, logging a
// failure rather than crashing the process that owns the balancing engine.
func ListenAndServe(addr string, health *Health) {
	mux := Mux(health)
	klog.InfoS("starting telemetry server", "address", addr)
	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			klog.ErrorS(err, "telemetry server failed", "address", addr)
		}
	}()
}
