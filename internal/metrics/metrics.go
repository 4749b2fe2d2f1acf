package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	PollCount         prometheus.Counter
	PollSkips         prometheus.Counter
	PollFailures      prometheus.Counter
	MessagesFetched   prometheus.Counter
	MessagesIngested  prometheus.Counter
	DedupeHits        prometheus.Counter
	DispatchSuccesses prometheus.Counter
	DispatchFailures  prometheus.Counter
	WorkflowSignals   prometheus.Counter
	WorkflowTimeouts  prometheus.Counter
	PollDuration      prometheus.Histogram
	EnabledAccounts   prometheus.Gauge
	QueueDepth        prometheus.Gauge
}

// NewMetrics creates new Prometheus metrics
func NewMetrics() *Metrics {
	return &Metrics{
		PollCount: promauto.NewCounter(prometheus.CounterOpts{
			Name: "mail_dispatch_poll_count",
			Help: "Total number of account poll cycles",
		}),
		PollSkips: promauto.NewCounter(prometheus.CounterOpts{
			Name: "mail_dispatch_poll_skips",
			Help: "Total number of poll cycles skipped due to lock contention",
		}),
		PollFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "mail_dispatch_poll_failures",
			Help: "Total number of poll cycles aborted by fetch or enqueue errors",
		}),
		MessagesFetched: promauto.NewCounter(prometheus.CounterOpts{
			Name: "mail_dispatch_messages_fetched",
			Help: "Total number of messages fetched from mailbox accounts",
		}),
		MessagesIngested: promauto.NewCounter(prometheus.CounterOpts{
			Name: "mail_dispatch_messages_ingested",
			Help: "Total number of messages persisted and dispatched",
		}),
		DedupeHits: promauto.NewCounter(prometheus.CounterOpts{
			Name: "mail_dispatch_dedupe_hits",
			Help: "Total number of duplicate messages or events short-circuited",
		}),
		DispatchSuccesses: promauto.NewCounter(prometheus.CounterOpts{
			Name: "mail_dispatch_dispatch_successes",
			Help: "Total number of events dispatched to a workflow",
		}),
		DispatchFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "mail_dispatch_dispatch_failures",
			Help: "Total number of dispatch attempts that failed",
		}),
		WorkflowSignals: promauto.NewCounter(prometheus.CounterOpts{
			Name: "mail_dispatch_workflow_signals",
			Help: "Total number of signals delivered to workflow instances",
		}),
		WorkflowTimeouts: promauto.NewCounter(prometheus.CounterOpts{
			Name: "mail_dispatch_workflow_timeouts",
			Help: "Total number of approval workflows auto-resolved by timeout",
		}),
		PollDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "mail_dispatch_poll_duration_seconds",
			Help:    "Time spent per account poll cycle",
			Buckets: prometheus.DefBuckets,
		}),
		EnabledAccounts: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "mail_dispatch_enabled_accounts",
			Help: "Number of currently enabled mailbox accounts",
		}),
		QueueDepth: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "mail_dispatch_queue_depth",
			Help: "Number of ingest tasks waiting in the queue",
		}),
	}
}
