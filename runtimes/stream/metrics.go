package stream

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/devq/devq/runtimes"
)

var (
	commandsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "devq_stream_commands_total",
			Help: "Commands enqueued on stream environments, by kind.",
		},
		[]string{"kind"},
	)

	submissionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "devq_stream_submissions_total",
			Help: "Command list submissions (flush, finish and teardown).",
		},
	)

	eventsLive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "devq_stream_events_live",
			Help: "Completion events currently leased from stream event pools.",
		},
	)

	memUsedBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "devq_stream_mem_used_bytes",
			Help: "Device memory backing live and pending-free buffers.",
		},
	)

	memPendingBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "devq_stream_mem_pending_bytes",
			Help: "Device memory staged on pending-free lists.",
		},
	)
)

func init() {
	prometheus.MustRegister(commandsTotal)
	prometheus.MustRegister(submissionsTotal)
	prometheus.MustRegister(eventsLive)
	prometheus.MustRegister(memUsedBytes)
	prometheus.MustRegister(memPendingBytes)

	// Pre-initialize label combinations so they appear in /metrics with value 0
	// from startup, rather than only after first observation.
	for _, kind := range []runtimes.EventKind{
		runtimes.KindRead, runtimes.KindWrite, runtimes.KindKernel, runtimes.KindBarrier,
	} {
		commandsTotal.WithLabelValues(kind.String())
	}
}
