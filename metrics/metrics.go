// Package metrics wraps the broker's optional Metrics hook in Prometheus
// instrumentation, in the same vein kata-containers and mirendev-runtime
// expose client_golang collectors alongside their own structured logging.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/vbroker/broker/broker"
	"github.com/vbroker/broker/instance"
)

// Collector implements broker.Metrics on top of a handful of Prometheus
// gauges/counters. It is safe for concurrent use — the prometheus client
// types handle their own locking.
type Collector struct {
	backendQueueDepth *prometheus.GaugeVec
	enqueueTotal      *prometheus.CounterVec
	deliveryTotal     *prometheus.CounterVec
	hypercallTotal    *prometheus.CounterVec
}

// NewCollector builds a Collector and registers its metrics with reg. Pass
// prometheus.DefaultRegisterer for the global registry, or a fresh
// prometheus.NewRegistry() in tests to avoid collisions across packages.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		backendQueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "vbroker",
			Name:      "backend_queue_depth",
			Help:      "Current length of an instance's backend-pending request table.",
		}, []string{"instance"}),
		enqueueTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vbroker",
			Name:      "mmio_enqueued_total",
			Help:      "Total MMIO traps enqueued onto an instance's backend-pending table.",
		}, []string{"instance"}),
		deliveryTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vbroker",
			Name:      "frontend_delivered_total",
			Help:      "Total responses delivered back to a parked frontend vCPU.",
		}, []string{"instance"}),
		hypercallTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vbroker",
			Name:      "hypercalls_total",
			Help:      "Total backend hypercalls handled, by op and resulting status.",
		}, []string{"op", "status"}),
	}
	reg.MustRegister(c.backendQueueDepth, c.enqueueTotal, c.deliveryTotal, c.hypercallTotal)
	return c
}

// ObserveEnqueue implements broker.Metrics.
func (c *Collector) ObserveEnqueue(id instance.ID, backendDepth int) {
	label := instanceLabel(id)
	c.backendQueueDepth.WithLabelValues(label).Set(float64(backendDepth))
	c.enqueueTotal.WithLabelValues(label).Inc()
}

// ObserveHypercall implements broker.Metrics.
func (c *Collector) ObserveHypercall(op broker.HypercallOp, status broker.Status) {
	c.hypercallTotal.WithLabelValues(hypercallOpLabel(op), status.String()).Inc()
}

// ObserveDelivery implements broker.Metrics.
func (c *Collector) ObserveDelivery(id instance.ID) {
	c.deliveryTotal.WithLabelValues(instanceLabel(id)).Inc()
}

func instanceLabel(id instance.ID) string {
	return strconv.FormatUint(uint64(id), 10)
}

func hypercallOpLabel(op broker.HypercallOp) string {
	switch op {
	case broker.OpWrite:
		return "write"
	case broker.OpRead:
		return "read"
	case broker.OpAsk:
		return "ask"
	case broker.OpNotify:
		return "notify"
	default:
		return "unknown"
	}
}
