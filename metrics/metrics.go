// Package metrics exposes the Prometheus instrumentation shared by the
// admission pipeline and the event wiring.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles every collector the process registers.
type Metrics struct {
	Decisions      *prometheus.CounterVec
	Fills          prometheus.Counter
	Cancels        prometheus.Counter
	FlattenRetries prometheus.Counter
	GapOrders      prometheus.Counter

	OpenPositions prometheus.Gauge
	ReservedSlots prometheus.Gauge
	PendingOrders prometheus.Gauge
}

// New registers all collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Decisions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "halyard_decisions_total",
			Help: "Admission decisions by outcome.",
		}, []string{"outcome"}),
		Fills: factory.NewCounter(prometheus.CounterOpts{
			Name: "halyard_fills_total",
			Help: "Terminal parent order fills observed.",
		}),
		Cancels: factory.NewCounter(prometheus.CounterOpts{
			Name: "halyard_cancels_total",
			Help: "Terminal order cancellations observed.",
		}),
		FlattenRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "halyard_flatten_retries_total",
			Help: "Flatten attempts beyond the first.",
		}),
		GapOrders: factory.NewCounter(prometheus.CounterOpts{
			Name: "halyard_gap_orders_total",
			Help: "Gap market entries placed at the open.",
		}),
		OpenPositions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "halyard_open_positions",
			Help: "Open positions currently tracked.",
		}),
		ReservedSlots: factory.NewGauge(prometheus.GaugeOpts{
			Name: "halyard_reserved_slots",
			Help: "Swing slots reserved by live re-entry candidates.",
		}),
		PendingOrders: factory.NewGauge(prometheus.GaugeOpts{
			Name: "halyard_pending_orders",
			Help: "Parent orders placed but not yet terminal.",
		}),
	}
}

// Decided bumps the decision counter for one outcome.
func (m *Metrics) Decided(allowed bool) {
	if m == nil {
		return
	}
	outcome := "denied"
	if allowed {
		outcome = "allowed"
	}
	m.Decisions.WithLabelValues(outcome).Inc()
}
