// Package metrics exposes the daqcore Prometheus metrics, grounded on
// ariadne's engine/monitoring and engine/telemetry/metrics providers but
// scaled down to the fixed, known-in-advance set of gauges/counters this
// spec names, instead of ariadne's generic dynamically-registered Provider
// abstraction — daqcore has no plugin surface that would need one.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the counters/gauges the Data Plane and Run Engine update.
// BroadcastLag is registered but no daqcore component sets it.
type Metrics struct {
	DocumentsEmitted   *prometheus.CounterVec // label: kind (start|descriptor|event|stop)
	RingBufferOccupied prometheus.Gauge
	ReliableQueueDepth prometheus.Gauge
	WriterDegradedTotal *prometheus.CounterVec // label: writer
	BroadcastLag       prometheus.Gauge
	RunsTotal          *prometheus.CounterVec // label: outcome (success|failed|aborted)
}

// New registers and returns a Metrics set on reg. Pass prometheus.NewRegistry()
// for an isolated registry (tests) or prometheus.DefaultRegisterer in
// production.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		DocumentsEmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "daqcore", Name: "documents_emitted_total", Help: "Documents emitted by the run engine, by kind.",
		}, []string{"kind"}),
		RingBufferOccupied: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "daqcore", Name: "ring_buffer_occupied_bytes", Help: "Bytes currently occupied in the frame ring buffer.",
		}),
		ReliableQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "daqcore", Name: "reliable_queue_depth", Help: "Documents queued on the reliable data-plane path.",
		}),
		WriterDegradedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "daqcore", Name: "writer_degraded_total", Help: "Writer-degraded transitions, by writer name.",
		}, []string{"writer"}),
		BroadcastLag: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "daqcore", Name: "broadcast_lag_subscribers", Help: "Subscribers currently lagging on the lossy broadcast path.",
		}),
		RunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "daqcore", Name: "runs_total", Help: "Completed runs, by outcome.",
		}, []string{"outcome"}),
	}
	reg.MustRegister(m.DocumentsEmitted, m.RingBufferOccupied, m.ReliableQueueDepth, m.WriterDegradedTotal, m.BroadcastLag, m.RunsTotal)
	return m
}
