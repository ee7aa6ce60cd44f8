package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Peer/membership metrics
	PeersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "warren_peers_total",
			Help: "Total number of known peers by liveness",
		},
		[]string{"liveness"},
	)

	PeerReapsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "warren_peer_reaps_total",
			Help: "Total number of peers removed by the dirty/reap sweep",
		},
	)

	// Raft metrics
	RaftLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "warren_raft_is_leader",
			Help: "Whether this node is the Raft leader (1 = leader, 0 = follower)",
		},
	)

	RaftPeers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "warren_raft_peers_total",
			Help: "Total number of Raft peers in the cluster",
		},
	)

	RaftLogIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "warren_raft_log_index",
			Help: "Current Raft log index",
		},
	)

	RaftAppliedIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "warren_raft_applied_index",
			Help: "Last applied Raft log index",
		},
	)

	RaftApplyDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "warren_raft_apply_duration_seconds",
			Help:    "Time taken to apply a Raft log entry in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Transition engine metrics
	GraphsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warren_graphs_total",
			Help: "Total number of transition graphs by terminal outcome",
		},
		[]string{"outcome"}, // completed | aborted
	)

	GraphDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "warren_graph_duration_seconds",
			Help:    "Time from graph start to completion or abort in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ActionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warren_actions_total",
			Help: "Total number of dispatched graph actions by kind and confirmed status",
		},
		[]string{"kind", "status"},
	)

	ThrottleLimit = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "warren_throttle_limit",
			Help: "Current per-cycle dispatch batch limit computed by the load governor",
		},
	)

	// Executor (LRE) metrics
	ExecutorOpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "warren_executor_op_duration_seconds",
			Help:    "Resource operation duration in seconds by task",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"task"},
	)

	ExecutorOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warren_executor_ops_total",
			Help: "Total number of completed resource operations by task and status",
		},
		[]string{"task", "status"},
	)

	ExecutorPendingOps = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "warren_executor_pending_ops",
			Help: "Number of operations currently in flight on this node",
		},
	)

	// Fencing metrics
	FencingCommandsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warren_fencing_commands_total",
			Help: "Total number of fencing commands by action and outcome",
		},
		[]string{"action", "outcome"},
	)

	FencingDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "warren_fencing_duration_seconds",
			Help:    "Time from fencing command queued to terminal status in seconds",
			Buckets: []float64{1, 5, 10, 15, 30, 60, 120, 300},
		},
	)

	// Messaging metrics
	MessagingQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "warren_messaging_queue_depth",
			Help: "Outbound message queue depth by peer",
		},
		[]string{"peer"},
	)

	MessagingDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "warren_messaging_dropped_total",
			Help: "Total number of inbound messages dropped for a foreign host id",
		},
	)

	// Reconciler metrics
	ReconciliationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "warren_reconciliation_duration_seconds",
			Help:    "Time taken for a reconciliation cycle in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReconciliationCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "warren_reconciliation_cycles_total",
			Help: "Total number of reconciliation cycles completed",
		},
	)
)

func init() {
	prometheus.MustRegister(PeersTotal)
	prometheus.MustRegister(PeerReapsTotal)
	prometheus.MustRegister(RaftLeader)
	prometheus.MustRegister(RaftPeers)
	prometheus.MustRegister(RaftLogIndex)
	prometheus.MustRegister(RaftAppliedIndex)
	prometheus.MustRegister(RaftApplyDuration)

	prometheus.MustRegister(GraphsTotal)
	prometheus.MustRegister(GraphDuration)
	prometheus.MustRegister(ActionsTotal)
	prometheus.MustRegister(ThrottleLimit)

	prometheus.MustRegister(ExecutorOpDuration)
	prometheus.MustRegister(ExecutorOpsTotal)
	prometheus.MustRegister(ExecutorPendingOps)

	prometheus.MustRegister(FencingCommandsTotal)
	prometheus.MustRegister(FencingDuration)

	prometheus.MustRegister(MessagingQueueDepth)
	prometheus.MustRegister(MessagingDroppedTotal)

	prometheus.MustRegister(ReconciliationDuration)
	prometheus.MustRegister(ReconciliationCyclesTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
