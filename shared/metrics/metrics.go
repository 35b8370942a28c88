// shared/metrics/metrics.go
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collector records registry and dynamic configuration events.
//
// A nil *Collector is valid and records nothing, so components can be
// constructed without metrics in tests.
type Collector struct {
	heartbeats    *prometheus.CounterVec
	configUpdates *prometheus.CounterVec
	cleanups      *prometheus.CounterVec
}

// New creates a Collector and registers its metrics with reg
// (prometheus.DefaultRegisterer when nil) under namespace.
func New(reg prometheus.Registerer, namespace string) (*Collector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if namespace == "" {
		namespace = "analytics"
	}

	c := &Collector{
		heartbeats: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "heartbeats_total",
			Help:      "Heartbeat attempts sent to the service registry by result.",
		}, []string{"result"}),
		configUpdates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "config_updates_total",
			Help:      "Dynamic configuration updates by source and result (applied/rejected).",
		}, []string{"source", "result"}),
		cleanups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "stale_instances_removed_total",
			Help:      "Registry entries removed by the cleanup loop by reason.",
		}, []string{"reason"}),
	}

	for _, col := range []prometheus.Collector{c.heartbeats, c.configUpdates, c.cleanups} {
		if err := reg.Register(col); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// RecordHeartbeat counts one heartbeat attempt.
func (c *Collector) RecordHeartbeat(success bool) {
	if c == nil {
		return
	}
	c.heartbeats.WithLabelValues(resultLabel(success, "success", "failure")).Inc()
}

// RecordConfigUpdate counts one configuration update reaching a terminal state.
func (c *Collector) RecordConfigUpdate(source string, applied bool) {
	if c == nil {
		return
	}
	c.configUpdates.WithLabelValues(source, resultLabel(applied, "applied", "rejected")).Inc()
}

// RecordCleanup counts registry entries removed for reason ("stale" or "corrupt").
func (c *Collector) RecordCleanup(reason string, n int) {
	if c == nil || n <= 0 {
		return
	}
	c.cleanups.WithLabelValues(reason).Add(float64(n))
}

func resultLabel(ok bool, yes, no string) string {
	if ok {
		return yes
	}
	return no
}
