package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"blockcollab/backend/internal/model"
)

const namespace = "blockcollab"

var (
	// Server side.
	BlockWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "block_writes_total",
		Help:      "Block create/update/delete requests handled by the block store.",
	}, []string{"op", "result"})

	LeaseOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "lease_ops_total",
		Help:      "Lock acquire/renew/release requests handled by the block store.",
	}, []string{"op", "result"})

	Subscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "subscribers",
		Help:      "Open snapshot subscriptions on this instance.",
	})

	SnapshotsPushed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "snapshots_pushed_total",
		Help:      "Snapshots enqueued to subscribers.",
	})

	Events = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "block_events_total",
		Help:      "Block change events by outcome (sent, dropped, failed, received).",
	}, []string{"outcome"})

	// Client side.
	GatewayCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "gateway_calls_total",
		Help:      "Calls issued by the editing engine to the block store.",
	}, []string{"op", "result"})

	CommitBatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "commit_batches_total",
		Help:      "Batch commits by outcome (ok, partial, noop).",
	}, []string{"outcome"})

	CommitItems = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "commit_items_total",
		Help:      "Per-block conditional updates issued by batch commits.",
	}, []string{"result"})
)

// Result turns an error into a low-cardinality label value.
func Result(err error) string {
	if err == nil {
		return "ok"
	}
	return strings.ToLower(model.Code(err))
}
