// Package metrics exposes the runtime's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles the collectors of one runtime instance. Construct with
// New, register against a prometheus.Registerer once at boot.
type Metrics struct {
	// Invocations counts dispatched calls by service, method, channel and
	// outcome ("ok", "remote_error", "transport_error").
	Invocations *prometheus.CounterVec

	// InvocationDuration observes end-to-end dispatch latency in seconds.
	InvocationDuration *prometheus.HistogramVec

	// HealthyInstances tracks the registry's healthy instance count per
	// component.
	HealthyInstances *prometheus.GaugeVec

	// HealthStatus reports the host's aggregate health (0=OK, 1=WARN,
	// 2=ERROR).
	HealthStatus prometheus.Gauge
}

// New creates the collector set.
func New() *Metrics {
	return &Metrics{
		Invocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "servicekit",
			Name:      "invocations_total",
			Help:      "Dispatched service invocations.",
		}, []string{"service", "method", "channel", "outcome"}),
		InvocationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "servicekit",
			Name:      "invocation_duration_seconds",
			Help:      "End-to-end dispatch latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"service", "method", "channel"}),
		HealthyInstances: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "servicekit",
			Name:      "registry_healthy_instances",
			Help:      "Healthy instances per component as seen by the registry.",
		}, []string{"component"}),
		HealthStatus: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "servicekit",
			Name:      "health_status",
			Help:      "Aggregate health of this host (0=OK, 1=WARN, 2=ERROR).",
		}),
	}
}

// Register attaches all collectors to the given registerer.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{
		m.Invocations, m.InvocationDuration, m.HealthyInstances, m.HealthStatus,
	} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
