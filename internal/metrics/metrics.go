// Package metrics exposes the small set of prometheus gauges and counters
// that give operational visibility into a raftcache node: term, role,
// commit/apply progress, and eviction activity. This is the only piece of
// the "visualization dashboard" surface (named an external collaborator in
// spec.md §1) that lives inside the core: the dashboard is expected to
// scrape these via promhttp, not something this module implements.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// NodeMetrics is the set of gauges/counters for a single raft node. Callers
// register it with their own prometheus.Registerer so that multiple nodes
// in a test process don't collide on default-registry metric names.
type NodeMetrics struct {
	Term          prometheus.Gauge
	CommitIndex   prometheus.Gauge
	LastApplied   prometheus.Gauge
	IsLeader      prometheus.Gauge
	AppliedTotal  prometheus.Counter
	EvictedTotal  prometheus.Counter
	SnapshotTotal prometheus.Counter
}

// NewNodeMetrics creates node metrics labeled with the given node id and
// registers them with reg.
func NewNodeMetrics(reg prometheus.Registerer, nodeID string) *NodeMetrics {
	labels := prometheus.Labels{"node_id": nodeID}
	m := &NodeMetrics{
		Term: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "raftcache", Name: "term", Help: "current raft term", ConstLabels: labels,
		}),
		CommitIndex: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "raftcache", Name: "commit_index", Help: "highest committed log index", ConstLabels: labels,
		}),
		LastApplied: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "raftcache", Name: "last_applied", Help: "highest applied log index", ConstLabels: labels,
		}),
		IsLeader: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "raftcache", Name: "is_leader", Help: "1 if this node currently believes it is leader", ConstLabels: labels,
		}),
		AppliedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "raftcache", Name: "applied_total", Help: "total operations applied to the state machine", ConstLabels: labels,
		}),
		EvictedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "raftcache", Name: "evicted_total", Help: "total keys evicted from the cache", ConstLabels: labels,
		}),
		SnapshotTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "raftcache", Name: "snapshot_total", Help: "total snapshots taken", ConstLabels: labels,
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Term, m.CommitIndex, m.LastApplied, m.IsLeader, m.AppliedTotal, m.EvictedTotal, m.SnapshotTotal)
	}
	return m
}
