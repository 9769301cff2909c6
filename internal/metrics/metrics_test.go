package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChannelMetrics_Counters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewChannelMetrics(reg)

	m.IncEnqueued("analytics")
	m.IncEnqueued("analytics")
	m.IncDropped("analytics", DropStorage)
	m.IncBatchSent("analytics")
	m.ObserveResult("analytics", ResultSuccess, 2)
	m.ObserveResult("analytics", ResultFatal, 5)
	m.SetInFlight("analytics", 3)
	m.SetEnabled(true)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.logsEnqueued.WithLabelValues("analytics")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.logsDropped.WithLabelValues("analytics", DropStorage)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.batchesSent.WithLabelValues("analytics")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.batchResults.WithLabelValues("analytics", ResultFatal)))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.logsDelivered.WithLabelValues("analytics")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.batchesInFlight.WithLabelValues("analytics")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.enabled))

	m.SetEnabled(false)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.enabled))
}

func TestChannelMetrics_NilIsNoop(t *testing.T) {
	var m *ChannelMetrics
	assert.NotPanics(t, func() {
		m.IncEnqueued("g")
		m.IncDropped("g", DropDisabled)
		m.IncBatchSent("g")
		m.ObserveResult("g", ResultSuccess, 1)
		m.SetInFlight("g", 1)
		m.SetEnabled(true)
	})
}

func TestRegisterRuntime_Idempotent(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NoError(t, RegisterRuntime(reg))
	require.NoError(t, RegisterRuntime(reg))
}
