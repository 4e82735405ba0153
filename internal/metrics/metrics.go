// Package metrics exposes Prometheus instrumentation for the ledger,
// gate, approvals, and checkpointing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	EventsAppended        prometheus.Counter
	IngestRetries         prometheus.Counter
	IngestDropped         prometheus.Counter
	Decisions             *prometheus.CounterVec
	ApprovalsResolved     *prometheus.CounterVec
	ApprovalsPending      prometheus.Gauge
	CheckpointsCreated    prometheus.Counter
	CheckpointsUnanchored prometheus.Gauge
	Exports               *prometheus.CounterVec
}

// New registers the full metric set with reg. Each server instance carries
// its own registry so restarts and tests never collide on registration.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		EventsAppended: factory.NewCounter(prometheus.CounterOpts{
			Name: "provara_events_appended_total",
			Help: "Total events appended to the ledger",
		}),
		IngestRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "provara_ingest_retries_total",
			Help: "Total append retries after a stream tail conflict",
		}),
		IngestDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "provara_ingest_dropped_total",
			Help: "Total events dropped after validation failure or retry exhaustion",
		}),
		Decisions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "provara_gate_decisions_total",
			Help: "Terminal gate decisions by result",
		}, []string{"result"}),
		ApprovalsResolved: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "provara_approvals_resolved_total",
			Help: "Approval requests reaching a terminal state",
		}, []string{"state"}),
		ApprovalsPending: factory.NewGauge(prometheus.GaugeOpts{
			Name: "provara_approvals_pending",
			Help: "Approval requests currently pending",
		}),
		CheckpointsCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "provara_checkpoints_created_total",
			Help: "Merkle checkpoints persisted",
		}),
		CheckpointsUnanchored: factory.NewGauge(prometheus.GaugeOpts{
			Name: "provara_checkpoints_unanchored",
			Help: "Checkpoints still waiting for an anchoring receipt",
		}),
		Exports: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "provara_exports_total",
			Help: "Evidence exports by outcome",
		}, []string{"status"}),
	}
}
