// Package metrics provides Prometheus metrics for the livesite client layer.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Gateway metrics
	gatewayRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "livesite_gateway_requests_total",
			Help: "Gateway requests by method and outcome",
		},
		[]string{"method", "outcome"},
	)

	gatewayAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "livesite_gateway_attempts_total",
			Help: "Network attempts by result class",
		},
		[]string{"class"},
	)

	gatewayRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "livesite_gateway_request_duration_seconds",
			Help:    "Logical request duration including retry and fallback",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	gatewayMode = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "livesite_gateway_fallback_mode",
			Help: "1 while the gateway serves from the fallback source",
		},
	)

	gatewayFallbackSwitches = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "livesite_gateway_fallback_switches_total",
			Help: "Number of live to fallback transitions",
		},
	)

	unauthorizedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "livesite_gateway_unauthorized_total",
			Help: "Responses rejected with 401 or 403",
		},
	)

	// Cache metrics
	cacheLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "livesite_cache_lookups_total",
			Help: "Cache lookups by result (hit, miss)",
		},
		[]string{"result"},
	)

	cacheFetchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "livesite_cache_fetches_total",
			Help: "Fetcher invocations by status",
		},
		[]string{"status"},
	)

	cacheSharedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "livesite_cache_shared_fetches_total",
			Help: "Callers served by another caller's in-flight fetch",
		},
	)

	// Coordination channel metrics
	channelState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "livesite_channel_state",
			Help: "Connection state (0 initial, 1 connected, 2 disconnected, 3 reconnected)",
		},
	)

	channelPresence = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "livesite_channel_presence",
			Help: "Connected clients as last reported by the server",
		},
	)

	channelLocks = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "livesite_channel_locks",
			Help: "Entries in the section lock mirror",
		},
	)

	channelEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "livesite_channel_events_total",
			Help: "Messages received from the coordination channel by event",
		},
		[]string{"event"},
	)

	channelDialsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "livesite_channel_dials_total",
			Help: "Channel dial attempts by status",
		},
		[]string{"status"},
	)

	// Notification metrics
	notificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "livesite_notifications_total",
			Help: "Notifications by kind and delivery (shown, native, duplicate)",
		},
		[]string{"kind", "delivery"},
	)
)

// RecordRequest records a completed logical gateway request.
func RecordRequest(method, outcome string, seconds float64) {
	gatewayRequestsTotal.WithLabelValues(method, outcome).Inc()
	gatewayRequestDuration.WithLabelValues(method).Observe(seconds)
}

// RecordAttempt records one network attempt.
func RecordAttempt(class string) {
	gatewayAttemptsTotal.WithLabelValues(class).Inc()
}

// SetFallbackMode sets the mode gauge.
func SetFallbackMode(fallback bool) {
	if fallback {
		gatewayMode.Set(1)
		return
	}
	gatewayMode.Set(0)
}

// RecordFallbackSwitch counts a live to fallback transition.
func RecordFallbackSwitch() {
	gatewayFallbackSwitches.Inc()
}

// RecordUnauthorized counts a 401/403 response.
func RecordUnauthorized() {
	unauthorizedTotal.Inc()
}

// RecordCacheHit records a fresh cache hit.
func RecordCacheHit() {
	cacheLookupsTotal.WithLabelValues("hit").Inc()
}

// RecordCacheMiss records a lookup that needed a fetch.
func RecordCacheMiss() {
	cacheLookupsTotal.WithLabelValues("miss").Inc()
}

// RecordCacheFetch records a fetcher invocation.
func RecordCacheFetch(ok bool) {
	status := "ok"
	if !ok {
		status = "error"
	}
	cacheFetchesTotal.WithLabelValues(status).Inc()
}

// RecordCacheShared records a caller that joined an in-flight fetch.
func RecordCacheShared() {
	cacheSharedTotal.Inc()
}

// SetChannelState sets the connection state gauge.
func SetChannelState(state int) {
	channelState.Set(float64(state))
}

// SetPresence sets the presence gauge.
func SetPresence(count int) {
	channelPresence.Set(float64(count))
}

// SetLocks sets the lock mirror size gauge.
func SetLocks(count int) {
	channelLocks.Set(float64(count))
}

// RecordChannelEvent counts a received channel message.
func RecordChannelEvent(event string) {
	channelEventsTotal.WithLabelValues(event).Inc()
}

// RecordDial counts a dial attempt.
func RecordDial(ok bool) {
	status := "ok"
	if !ok {
		status = "error"
	}
	channelDialsTotal.WithLabelValues(status).Inc()
}

// RecordNotification counts a routed notification.
func RecordNotification(kind, delivery string) {
	notificationsTotal.WithLabelValues(kind, delivery).Inc()
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
