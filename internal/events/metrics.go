package events

import "github.com/prometheus/client_golang/prometheus"

// Metrics are registered against the default registry so a single
// promhttp.Handler() in internal/server exposes them alongside any
// other package's counters, without this package needing to know how
// it's served.
var (
	commitsAppended = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "pds",
		Subsystem: "sequencer",
		Name:      "commits_appended_total",
		Help:      "Commit events durably appended to the sequencer log.",
	})

	latestSeq = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "pds",
		Subsystem: "sequencer",
		Name:      "latest_seq",
		Help:      "Highest seq value currently recorded in the sequencer log.",
	})

	firehoseSubscribers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "pds",
		Subsystem: "firehose",
		Name:      "subscribers",
		Help:      "Number of currently connected subscribeRepos WebSocket clients.",
	})

	firehoseDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "pds",
		Subsystem: "firehose",
		Name:      "subscribers_dropped_total",
		Help:      "Subscribers disconnected for falling behind the live stream (ConsumerTooSlow).",
	})
)

func init() {
	prometheus.MustRegister(commitsAppended, latestSeq, firehoseSubscribers, firehoseDropped)
}
