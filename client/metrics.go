package client

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is shared by all connections of a process, labelled by connection id.
// Nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	State       *prometheus.GaugeVec
	Sessions    *prometheus.CounterVec
	Disconnects *prometheus.CounterVec
	Updates     *prometheus.CounterVec
	Commands    *prometheus.CounterVec
	Listeners   *prometheus.GaugeVec
	ConnectTime *prometheus.HistogramVec
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,

		State: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "iec104_connection_state",
			Help: "Connection manager state (0=idle 1=connecting 2=connected 3=reconnecting 4=stopped)",
		}, []string{"connection"}),

		Sessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "iec104_sessions_opened_total",
			Help: "Protocol sessions opened, by endpoint",
		}, []string{"connection", "endpoint"}),

		Disconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "iec104_disconnects_total",
			Help: "Session disconnects leading to failover",
		}, []string{"connection"}),

		Updates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "iec104_value_updates_total",
			Help: "Data events received into value cache",
		}, []string{"connection"}),

		Commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "iec104_commands_total",
			Help: "Commands by result (sent, rejected, invalid)",
		}, []string{"connection", "result"}),

		Listeners: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "iec104_listeners",
			Help: "Registered point listeners",
		}, []string{"connection"}),

		ConnectTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "iec104_connect_seconds",
			Help:    "Time from session open to connected",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 14),
		}, []string{"connection"}),
	}

	registry.MustRegister(
		m.State,
		m.Sessions,
		m.Disconnects,
		m.Updates,
		m.Commands,
		m.Listeners,
		m.ConnectTime,
	)
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) setState(conn string, s State) {
	if m != nil {
		m.State.WithLabelValues(conn).Set(float64(s))
	}
}

func (m *Metrics) sessionOpened(conn string, ep Endpoint) {
	if m != nil {
		m.Sessions.WithLabelValues(conn, ep.String()).Inc()
	}
}

func (m *Metrics) disconnected(conn string) {
	if m != nil {
		m.Disconnects.WithLabelValues(conn).Inc()
	}
}

func (m *Metrics) update(conn string) {
	if m != nil {
		m.Updates.WithLabelValues(conn).Inc()
	}
}

func (m *Metrics) command(conn, result string) {
	if m != nil {
		m.Commands.WithLabelValues(conn, result).Inc()
	}
}

func (m *Metrics) listeners(conn string, n int) {
	if m != nil {
		m.Listeners.WithLabelValues(conn).Set(float64(n))
	}
}

func (m *Metrics) connectTime(conn string, seconds float64) {
	if m != nil {
		m.ConnectTime.WithLabelValues(conn).Observe(seconds)
	}
}
