package membership

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics mirrors the teacher's gauge registration style in
// ring.go (memberOwnershipGaugeVec, numMembersGaugeVec, totalTokensGauge):
// a small set of gauges updated whenever the view's configuration changes.
type Metrics struct {
	ringSize        prometheus.Gauge
	seenNodeIds     prometheus.Gauge
	configurationId prometheus.Gauge
}

// NewMetrics registers the view's gauges against reg, named after name
// (typically the node's own endpoint), following
// promauto.With(reg).NewGauge(...) as used throughout ring.go.
func NewMetrics(name string, reg prometheus.Registerer) *Metrics {
	return &Metrics{
		ringSize: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name:        "rapid_ring_size",
			Help:        "Number of endpoints currently in the membership ring.",
			ConstLabels: map[string]string{"name": name},
		}),
		seenNodeIds: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name:        "rapid_ring_seen_node_ids",
			Help:        "Number of node ids currently in this view's seen set.",
			ConstLabels: map[string]string{"name": name},
		}),
		configurationId: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name:        "rapid_ring_configuration_id",
			Help:        "Current configuration id, truncated to float64 precision for display only.",
			ConstLabels: map[string]string{"name": name},
		}),
	}
}

// Report updates the gauges from v's current state. Callers invoke this
// after RingAdd/RingDelete, mirroring updateRingMetrics in the teacher.
func (m *Metrics) Report(v *View) {
	if m == nil {
		return
	}
	cfg := v.Configuration()
	m.ringSize.Set(float64(len(cfg.Endpoints)))
	m.seenNodeIds.Set(float64(len(cfg.NodeIds)))
	m.configurationId.Set(float64(cfg.ConfigurationId))
}
