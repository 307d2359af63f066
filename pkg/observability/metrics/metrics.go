// Package metrics exposes the Prometheus instrumentation for the cluster
// façade: membership size, session/check churn, lock contention and
// multimap/watch activity.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once sync.Once

	ClusterMembers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "consul_cluster",
		Name:      "members_total",
		Help:      "Current number of known cluster members",
	})

	NodeState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "consul_cluster",
		Name:      "node_state",
		Help:      "1 for the node's current lifecycle state, 0 for all others",
	}, []string{"state"})

	JoinAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "consul_cluster",
		Name:      "join_attempts_total",
		Help:      "Total Join attempts by outcome",
	}, []string{"result"})

	JoinDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "consul_cluster",
		Name:      "join_duration_seconds",
		Help:      "Time spent in Join, successful attempts only",
	})

	SessionsCreated = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "consul_cluster",
		Name:      "sessions_created_total",
		Help:      "Total Consul sessions created by this node (membership, locks)",
	})

	SessionInvalidations = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "consul_cluster",
		Name:      "session_invalidations_total",
		Help:      "Total times this node observed its own session rejected on write",
	})

	HealthCheckFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "consul_cluster",
		Name:      "health_check_probe_errors_total",
		Help:      "Total errors accepting/handling connections on the TCP health check listener",
	})

	LockAcquireTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "consul_cluster",
		Subsystem: "lock",
		Name:      "acquire_total",
		Help:      "Total TryLock calls by outcome (acquired, timeout, error)",
	}, []string{"name", "result"})

	LockHeld = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "consul_cluster",
		Subsystem: "lock",
		Name:      "held",
		Help:      "1 if this node currently holds the named lock",
	}, []string{"name"})

	MultimapEntries = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "consul_cluster",
		Subsystem: "multimap",
		Name:      "entries",
		Help:      "Number of subscriber entries this node has registered, per map name",
	}, []string{"map"})

	MultimapOps = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "consul_cluster",
		Subsystem: "multimap",
		Name:      "ops_total",
		Help:      "Total multimap operations by kind and outcome",
	}, []string{"op", "result"})

	WatchDispatches = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "consul_cluster",
		Subsystem: "watch",
		Name:      "dispatches_total",
		Help:      "Total watch handler invocations, per watched prefix/tag",
	}, []string{"watch"})

	WatchDecodeErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "consul_cluster",
		Subsystem: "watch",
		Name:      "decode_errors_total",
		Help:      "Total decode failures observed while applying a watch diff, per cache",
	}, []string{"cache"})
)

// Register registers every metric into the default Prometheus registry
// (idempotent; safe to call from multiple Cluster instances in-process).
func Register() {
	once.Do(func() {
		prometheus.MustRegister(ClusterMembers)
		prometheus.MustRegister(NodeState)
		prometheus.MustRegister(JoinAttempts)
		prometheus.MustRegister(JoinDuration)
		prometheus.MustRegister(SessionsCreated)
		prometheus.MustRegister(SessionInvalidations)
		prometheus.MustRegister(HealthCheckFailures)
		prometheus.MustRegister(LockAcquireTotal)
		prometheus.MustRegister(LockHeld)
		prometheus.MustRegister(MultimapEntries)
		prometheus.MustRegister(MultimapOps)
		prometheus.MustRegister(WatchDispatches)
		prometheus.MustRegister(WatchDecodeErrors)
	})
}
