package cm

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the set of collectors shared by the machines of a process.
type Metrics struct {
	packets      *prometheus.CounterVec
	groups       *prometheus.CounterVec
	registrySize *prometheus.GaugeVec
	windows      *prometheus.CounterVec
	updates      *prometheus.CounterVec
	pumpStalls   *prometheus.CounterVec
	failures     *prometheus.CounterVec
	transitions  *prometheus.CounterVec
}

// NewMetrics registers the copy machine collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		packets: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cm_copy_packets_total",
			Help: "Copy packets by type and outcome (created, finished, failed)",
		}, []string{"type", "outcome"}),
		groups: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cm_aggr_groups_total",
			Help: "Aggregation groups allocated and finalized",
		}, []string{"type", "event"}),
		registrySize: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cm_aggr_group_registry_size",
			Help: "Aggregation groups linked into each registry",
		}, []string{"type", "registry"}),
		windows: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cm_sliding_window_persisted_total",
			Help: "Sliding window advances made durable",
		}, []string{"type"}),
		updates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cm_sliding_window_updates_total",
			Help: "Window updates sent to replicas and received from them (applied, fenced)",
		}, []string{"type", "result"}),
		pumpStalls: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cm_pump_stalls_total",
			Help: "Times the copy packet pump suspended on buffer exhaustion",
		}, []string{"type"}),
		failures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cm_failures_total",
			Help: "Lifecycle failures by kind",
		}, []string{"type", "kind"}),
		transitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cm_state_transitions_total",
			Help: "Copy machine lifecycle transitions by target state",
		}, []string{"type", "state"}),
	}
}

var (
	defaultMetricsOnce sync.Once
	defaultMetrics     *Metrics
)

// DefaultMetrics returns collectors registered with the default registerer.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		defaultMetrics = NewMetrics(prometheus.DefaultRegisterer)
	})
	return defaultMetrics
}
