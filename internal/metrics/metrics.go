// Package metrics exposes Prometheus collectors for tickwatch.
//
// A nil *Metrics is valid and records nothing, so components can be
// constructed without metrics in tests.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "tickwatch"

// Feed states reported by the feed_state gauge.
const (
	FeedDisconnected = 0
	FeedConnected    = 1
	FeedReconnecting = 2
	FeedUnreachable  = 3
)

// Metrics groups every collector the service exports.
type Metrics struct {
	TicksReceived      *prometheus.CounterVec
	TicksDropped       *prometheus.CounterVec
	FeedState          *prometheus.GaugeVec
	FeedReconnects     *prometheus.CounterVec
	CacheEntries       prometheus.Gauge
	AlertsTriggered    *prometheus.CounterVec
	Dispatches         *prometheus.CounterVec
	GovernorRejections *prometheus.CounterVec
	StreamConnections  prometheus.Gauge
	StreamEvictions    *prometheus.CounterVec
	SocialPosts        *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		TicksReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "ticks_received_total",
			Help:      "Ticks decoded per feed source",
		}, []string{"source"}),
		TicksDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "messages_dropped_total",
			Help:      "Feed messages that failed to parse",
		}, []string{"source"}),
		FeedState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "state",
			Help:      "Connection state per feed (0 disconnected, 1 connected, 2 reconnecting, 3 unreachable)",
		}, []string{"feed"}),
		FeedReconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "reconnects_total",
			Help:      "Reconnect attempts per feed",
		}, []string{"feed"}),
		CacheEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "entries",
			Help:      "Fresh symbols held in the price cache",
		}),
		AlertsTriggered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "triggers_total",
			Help:      "Alert triggers by kind",
		}, []string{"kind"}),
		Dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notify",
			Name:      "dispatches_total",
			Help:      "Dispatch outcomes by channel",
		}, []string{"channel", "status"}),
		GovernorRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "governor",
			Name:      "rejections_total",
			Help:      "Sends rejected by the governor",
		}, []string{"channel", "reason"}),
		StreamConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "connections",
			Help:      "Open realtime connections",
		}),
		StreamEvictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "closed_total",
			Help:      "Realtime connections closed by cause",
		}, []string{"cause"}),
		SocialPosts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "social",
			Name:      "posts_total",
			Help:      "New posts seen per account",
		}, []string{"account"}),
	}

	reg.MustRegister(
		m.TicksReceived,
		m.TicksDropped,
		m.FeedState,
		m.FeedReconnects,
		m.CacheEntries,
		m.AlertsTriggered,
		m.Dispatches,
		m.GovernorRejections,
		m.StreamConnections,
		m.StreamEvictions,
		m.SocialPosts,
	)

	return m
}

// TickReceived counts a decoded tick.
func (m *Metrics) TickReceived(source string) {
	if m == nil {
		return
	}
	m.TicksReceived.WithLabelValues(source).Inc()
}

// MessageDropped counts an unparseable feed message.
func (m *Metrics) MessageDropped(source string) {
	if m == nil {
		return
	}
	m.TicksDropped.WithLabelValues(source).Inc()
}

// SetFeedState records the connection state of a feed.
func (m *Metrics) SetFeedState(feed string, state int) {
	if m == nil {
		return
	}
	m.FeedState.WithLabelValues(feed).Set(float64(state))
}

// Reconnect counts a reconnect attempt.
func (m *Metrics) Reconnect(feed string) {
	if m == nil {
		return
	}
	m.FeedReconnects.WithLabelValues(feed).Inc()
}

// SetCacheEntries records the price cache size.
func (m *Metrics) SetCacheEntries(n int) {
	if m == nil {
		return
	}
	m.CacheEntries.Set(float64(n))
}

// Triggered counts an alert trigger of the given kind (price, group, social).
func (m *Metrics) Triggered(kind string) {
	if m == nil {
		return
	}
	m.AlertsTriggered.WithLabelValues(kind).Inc()
}

// Dispatched counts a final dispatch outcome.
func (m *Metrics) Dispatched(channel, status string) {
	if m == nil {
		return
	}
	m.Dispatches.WithLabelValues(channel, status).Inc()
}

// Rejected counts a governance rejection.
func (m *Metrics) Rejected(channel, reason string) {
	if m == nil {
		return
	}
	m.GovernorRejections.WithLabelValues(channel, reason).Inc()
}

// StreamOpened and StreamClosed track realtime connections.
func (m *Metrics) StreamOpened() {
	if m == nil {
		return
	}
	m.StreamConnections.Inc()
}

func (m *Metrics) StreamClosed(cause string) {
	if m == nil {
		return
	}
	m.StreamConnections.Dec()
	m.StreamEvictions.WithLabelValues(cause).Inc()
}

// SocialPost counts a new post from account.
func (m *Metrics) SocialPost(account string) {
	if m == nil {
		return
	}
	m.SocialPosts.WithLabelValues(account).Inc()
}
