// Package metrics exposes Prometheus collectors for channel activity.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Send results.
const (
	ResultSuccess     = "success"
	ResultRecoverable = "recoverable"
	ResultFatal       = "fatal"
	ResultStale       = "stale"
)

// Drop reasons.
const (
	DropUnknownGroup = "unknown_group"
	DropDisabled     = "disabled"
	DropEnrichment   = "enrichment"
	DropStorage      = "storage"
)

// ChannelMetrics is safe to use as a nil pointer, in which case every call is
// a no-op.
type ChannelMetrics struct {
	logsEnqueued    *prometheus.CounterVec
	logsDropped     *prometheus.CounterVec
	batchesSent     *prometheus.CounterVec
	batchResults    *prometheus.CounterVec
	logsDelivered   *prometheus.CounterVec
	batchesInFlight *prometheus.GaugeVec
	enabled         prometheus.Gauge
}

// NewChannelMetrics registers the channel collectors on reg.
func NewChannelMetrics(reg prometheus.Registerer) *ChannelMetrics {
	f := promauto.With(reg)
	return &ChannelMetrics{
		logsEnqueued: f.NewCounterVec(prometheus.CounterOpts{
			Name: "telemetry_logs_enqueued_total",
			Help: "Logs persisted to the durable queue.",
		}, []string{"group"}),
		logsDropped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "telemetry_logs_dropped_total",
			Help: "Logs dropped at enqueue time.",
		}, []string{"group", "reason"}),
		batchesSent: f.NewCounterVec(prometheus.CounterOpts{
			Name: "telemetry_batches_sent_total",
			Help: "Batches handed to the sender.",
		}, []string{"group"}),
		batchResults: f.NewCounterVec(prometheus.CounterOpts{
			Name: "telemetry_batch_results_total",
			Help: "Completed batches by outcome.",
		}, []string{"group", "result"}),
		logsDelivered: f.NewCounterVec(prometheus.CounterOpts{
			Name: "telemetry_logs_delivered_total",
			Help: "Logs acknowledged by the ingestion endpoint.",
		}, []string{"group"}),
		batchesInFlight: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "telemetry_batches_in_flight",
			Help: "Batches currently awaiting a send result.",
		}, []string{"group"}),
		enabled: f.NewGauge(prometheus.GaugeOpts{
			Name: "telemetry_channel_enabled",
			Help: "1 while the channel is enabled.",
		}),
	}
}

// RegisterRuntime adds the Go and process collectors to reg.
func RegisterRuntime(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	} {
		if err := reg.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

func (m *ChannelMetrics) IncEnqueued(group string) {
	if m == nil {
		return
	}
	m.logsEnqueued.WithLabelValues(group).Inc()
}

func (m *ChannelMetrics) IncDropped(group, reason string) {
	if m == nil {
		return
	}
	m.logsDropped.WithLabelValues(group, reason).Inc()
}

func (m *ChannelMetrics) IncBatchSent(group string) {
	if m == nil {
		return
	}
	m.batchesSent.WithLabelValues(group).Inc()
}

func (m *ChannelMetrics) ObserveResult(group, result string, logs int) {
	if m == nil {
		return
	}
	m.batchResults.WithLabelValues(group, result).Inc()
	if result == ResultSuccess && logs > 0 {
		m.logsDelivered.WithLabelValues(group).Add(float64(logs))
	}
}

func (m *ChannelMetrics) SetInFlight(group string, n int) {
	if m == nil {
		return
	}
	m.batchesInFlight.WithLabelValues(group).Set(float64(n))
}

func (m *ChannelMetrics) SetEnabled(enabled bool) {
	if m == nil {
		return
	}
	if enabled {
		m.enabled.Set(1)
		return
	}
	m.enabled.Set(0)
}
