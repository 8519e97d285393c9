package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns a private registry so several instances can live in one
// process (tests build one per case).
type Metrics struct {
	registry *prometheus.Registry

	LineBusy        prometheus.Gauge
	QueueDepth      prometheus.Gauge
	PausedOrders    prometheus.Gauge
	Transitions     *prometheus.CounterVec
	Preemptions     prometheus.Counter
	InboundUnits    prometheus.Counter
	ReplenishOrders prometheus.Counter
	EventsDelivered *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		LineBusy: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "konveksi",
			Name:      "line_busy",
			Help:      "1 when a work order is in production, else 0",
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "konveksi",
			Name:      "approved_queue_depth",
			Help:      "Approved work orders waiting for the production line",
		}),
		PausedOrders: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "konveksi",
			Name:      "paused_orders",
			Help:      "Preempted work orders holding paused progress",
		}),
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "konveksi",
			Name:      "work_order_transitions_total",
			Help:      "Committed lifecycle transitions by event",
		}, []string{"event"}),
		Preemptions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "konveksi",
			Name:      "preemptions_total",
			Help:      "Normal orders paused by an expedite order",
		}),
		InboundUnits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "konveksi",
			Name:      "inbound_units_total",
			Help:      "Garments received into SKU stock from the factory",
		}),
		ReplenishOrders: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "konveksi",
			Name:      "replenish_orders_total",
			Help:      "Work orders created by the auto-replenish evaluator",
		}),
		EventsDelivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "konveksi",
			Name:      "stock_events_delivered_total",
			Help:      "stockChanged deliveries per subscriber result",
		}, []string{"result"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.LineBusy,
		m.QueueDepth,
		m.PausedOrders,
		m.Transitions,
		m.Preemptions,
		m.InboundUnits,
		m.ReplenishOrders,
		m.EventsDelivered,
	)
	return m
}

// ObserveLine refreshes the line gauges after a committed operation.
func (m *Metrics) ObserveLine(busy bool, queued int, paused int) {
	if m == nil {
		return
	}
	if busy {
		m.LineBusy.Set(1)
	} else {
		m.LineBusy.Set(0)
	}
	m.QueueDepth.Set(float64(queued))
	m.PausedOrders.Set(float64(paused))
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
