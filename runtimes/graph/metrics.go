package graph

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/devq/devq/runtimes"
)

var (
	actionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "devq_graph_actions_total",
			Help: "Actions accumulated on graph environments, by kind.",
		},
		[]string{"kind"},
	)

	runsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "devq_graph_runs_total",
			Help: "Graph submissions (non-empty Run, Flush, Finish and teardown).",
		},
	)

	transfersTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "devq_graph_transfers_total",
			Help: "Device-to-device transfer actions inserted between launches.",
		},
	)

	eventsLive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "devq_graph_events_live",
			Help: "Completion events currently leased from graph event pools.",
		},
	)

	memUsedBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "devq_graph_mem_used_bytes",
			Help: "Device memory backing live and pending-free buffers.",
		},
	)

	memPendingBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "devq_graph_mem_pending_bytes",
			Help: "Device memory staged on pending-free lists.",
		},
	)
)

func init() {
	prometheus.MustRegister(actionsTotal)
	prometheus.MustRegister(runsTotal)
	prometheus.MustRegister(transfersTotal)
	prometheus.MustRegister(eventsLive)
	prometheus.MustRegister(memUsedBytes)
	prometheus.MustRegister(memPendingBytes)

	// Pre-initialize label combinations so they appear in /metrics with value 0
	// from startup, rather than only after first observation.
	for _, kind := range []runtimes.EventKind{
		runtimes.KindRead, runtimes.KindWrite, runtimes.KindKernel,
		runtimes.KindBarrier, runtimes.KindTransfer,
	} {
		actionsTotal.WithLabelValues(kind.String())
	}
}
