// Package metrics exposes Prometheus instrumentation for the TFTP server.
// It is purely observational: nothing in the transfer protocol depends on it.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles the counters and gauges the session engine and listener
// report into.
type Metrics struct {
	TransfersTotal      *prometheus.CounterVec
	RetransmissionTotal prometheus.Counter
	BytesTotal          *prometheus.CounterVec
	SessionsActive      prometheus.Gauge
}

// New registers and returns a Metrics bundle against reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		TransfersTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "apts",
			Name:      "transfers_total",
			Help:      "Total number of completed transfers, by direction and result.",
		}, []string{"direction", "result"}),

		RetransmissionTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "apts",
			Name:      "retransmissions_total",
			Help:      "Total number of packet retransmissions across all sessions.",
		}),

		BytesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "apts",
			Name:      "bytes_total",
			Help:      "Total file bytes transferred, by direction.",
		}, []string{"direction"}),

		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "apts",
			Name:      "sessions_active",
			Help:      "Number of TFTP sessions currently in flight.",
		}),
	}
}

// IncRetransmission records one retransmission event.
func (m *Metrics) IncRetransmission() {
	if m == nil {
		return
	}
	m.RetransmissionTotal.Inc()
}

// AddBytes records n bytes transferred in the given direction ("read" or
// "write", from the server's point of view).
func (m *Metrics) AddBytes(direction string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.BytesTotal.WithLabelValues(direction).Add(float64(n))
}

// ObserveTransfer records one completed transfer outcome.
func (m *Metrics) ObserveTransfer(direction, result string) {
	if m == nil {
		return
	}
	m.TransfersTotal.WithLabelValues(direction, result).Inc()
}

// SessionStarted/SessionEnded track the in-flight session gauge.
func (m *Metrics) SessionStarted() {
	if m == nil {
		return
	}
	m.SessionsActive.Inc()
}

func (m *Metrics) SessionEnded() {
	if m == nil {
		return
	}
	m.SessionsActive.Dec()
}
