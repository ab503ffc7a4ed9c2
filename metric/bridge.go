package metric

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "bridge"

// BridgeMetrics is the core instrument set. It satisfies the router's
// Observer interface; gauges for occupancy are wired separately via
// RegisterStatsGauges.
type BridgeMetrics struct {
	messagesRouted     *prometheus.CounterVec
	commandDuration    *prometheus.HistogramVec
	upstreamReconnects prometheus.Counter
	clientsConnected   prometheus.Gauge
	rateLimited        prometheus.Counter
}

// NewBridgeMetrics creates and registers the core instrument set.
func NewBridgeMetrics(reg *Registry) (*BridgeMetrics, error) {
	m := &BridgeMetrics{
		messagesRouted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "messages_routed_total",
			Help:      "Messages dispatched by the router, by envelope type",
		}, []string{"type"}),

		commandDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "command_duration_seconds",
			Help:      "Command round-trip from dispatch to terminal ack",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 30.0},
		}, []string{"status"}),

		upstreamReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "upstream",
			Name:      "reconnects_total",
			Help:      "Upstream reconnect attempts",
		}),

		clientsConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "clients",
			Name:      "connected",
			Help:      "Connected application clients",
		}),

		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "clients",
			Name:      "rate_limited_total",
			Help:      "Messages refused by the per-client rate limit",
		}),
	}

	registrations := []struct {
		name string
		c    prometheus.Collector
	}{
		{"router.messages_routed", m.messagesRouted},
		{"router.command_duration", m.commandDuration},
		{"upstream.reconnects", m.upstreamReconnects},
		{"clients.connected", m.clientsConnected},
		{"clients.rate_limited", m.rateLimited},
	}
	for _, r := range registrations {
		if err := reg.Register(r.name, r.c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// MessageRouted implements the router Observer.
func (m *BridgeMetrics) MessageRouted(kind string) {
	m.messagesRouted.WithLabelValues(kind).Inc()
}

// CommandConcluded implements the router Observer.
func (m *BridgeMetrics) CommandConcluded(status string, seconds float64) {
	m.commandDuration.WithLabelValues(status).Observe(seconds)
}

// UpstreamReconnect counts one reconnect attempt.
func (m *BridgeMetrics) UpstreamReconnect() {
	m.upstreamReconnects.Inc()
}

// SetClientsConnected tracks the live client count.
func (m *BridgeMetrics) SetClientsConnected(n int) {
	m.clientsConnected.Set(float64(n))
}

// RateLimited counts one refused client message.
func (m *BridgeMetrics) RateLimited() {
	m.rateLimited.Inc()
}

// RegisterStatsGauges exposes occupancy numbers (state entries,
// subscriptions, pending commands, targets) pulled from statsFn at
// scrape time.
func RegisterStatsGauges(reg *Registry, statsFn func() (stateEntries, subscriptions, pending, targets int)) error {
	gauge := func(name, help string, pick func(a, b, c, d int) int) prometheus.GaugeFunc {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      name,
			Help:      help,
		}, func() float64 {
			a, b, c, d := statsFn()
			return float64(pick(a, b, c, d))
		})
	}

	registrations := []struct {
		name string
		c    prometheus.Collector
	}{
		{"hub.state_entries", gauge("state_entries", "Entries in the state store",
			func(a, _, _, _ int) int { return a })},
		{"hub.subscriptions", gauge("subscriptions", "Live subscriptions",
			func(_, b, _, _ int) int { return b })},
		{"hub.pending_commands", gauge("pending_commands", "Commands awaiting a terminal ack",
			func(_, _, c, _ int) int { return c })},
		{"hub.targets", gauge("targets", "Registered router targets",
			func(_, _, _, d int) int { return d })},
	}
	for _, r := range registrations {
		if err := reg.Register(r.name, r.c); err != nil {
			return err
		}
	}
	return nil
}
