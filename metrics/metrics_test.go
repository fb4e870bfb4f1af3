package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"

	"github.com/vbroker/broker/broker"
	"github.com/vbroker/broker/instance"
)

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, g.Write(&m))
	return m.GetGauge().GetValue()
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}

func TestCollector_ObserveEnqueue(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.ObserveEnqueue(instance.ID(7), 3)
	c.ObserveEnqueue(instance.ID(7), 1)

	require.Equal(t, float64(1), gaugeValue(t, c.backendQueueDepth.WithLabelValues("7")))
	require.Equal(t, float64(2), counterValue(t, c.enqueueTotal.WithLabelValues("7")))
}

func TestCollector_ObserveHypercall(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.ObserveHypercall(broker.OpAsk, broker.Success)
	c.ObserveHypercall(broker.OpAsk, broker.Failure)

	require.Equal(t, float64(1), counterValue(t, c.hypercallTotal.WithLabelValues("ask", "Success")))
	require.Equal(t, float64(1), counterValue(t, c.hypercallTotal.WithLabelValues("ask", "Failure")))
}

func TestCollector_ObserveDelivery(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.ObserveDelivery(instance.ID(9))
	c.ObserveDelivery(instance.ID(9))

	require.Equal(t, float64(2), counterValue(t, c.deliveryTotal.WithLabelValues("9")))
}
