package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"command-outbox/internal/models"
)

var (
	once sync.Once

	EnqueueCounter   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "outbox_enqueued_total", Help: "Enqueue requests by result (created|deduped)"}, []string{"result"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "outbox_rate_limit_rejects_total", Help: "Enqueue requests rejected by rate limiter"})
	AuthFailures     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "outbox_auth_failures_total", Help: "Requests rejected for bad or missing signatures"}, []string{"route"})
	LeasedCounter    = prometheus.NewCounter(prometheus.CounterOpts{Name: "outbox_leased_total", Help: "Commands handed to agents"})
	AckCounter       = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "outbox_acks_total", Help: "Acks by resulting status and whether they transitioned"}, []string{"status", "transitioned"})
	ReapedCounter    = prometheus.NewCounter(prometheus.CounterOpts{Name: "outbox_reaped_total", Help: "Expired leases returned to pending"})
	ExpiredCounter   = prometheus.NewCounter(prometheus.CounterOpts{Name: "outbox_expired_total", Help: "Pending commands marked expired"})
	CompactedCounter = prometheus.NewCounter(prometheus.CounterOpts{Name: "outbox_receipts_compacted_total", Help: "Raw receipts rolled into daily aggregates and deleted"})
	QueueDepthGauge  = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "outbox_queue_depth", Help: "Commands by status"}, []string{"status"})
	StoreErrors      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "outbox_store_errors_total", Help: "Store failures surfaced to callers"}, []string{"op"})
	SweepDuration    = prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: "outbox_sweep_duration_seconds", Help: "Reaper and compactor pass latency", Buckets: prometheus.DefBuckets}, []string{"sweep"})
	NotifyFailures   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "outbox_notify_failures_total", Help: "Side-channel notifications that failed"}, []string{"notifier"})
	AgentLastSeen    = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "outbox_agent_last_seen_timestamp_seconds", Help: "Unix time of the latest heartbeat per agent"}, []string{"agent"})

	AgentOutcomes   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "edge_agent_commands_total", Help: "Commands executed by the edge agent by acked status"}, []string{"status"})
	AgentInFlight   = prometheus.NewGauge(prometheus.GaugeOpts{Name: "edge_agent_in_flight", Help: "Commands currently executing on this agent"})
	AgentLostLeases = prometheus.NewCounter(prometheus.CounterOpts{Name: "edge_agent_lost_leases_total", Help: "Leases the agent failed to renew"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	Register()
	return promhttp.Handler()
}

// Register installs collectors on the default registry once.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			EnqueueCounter,
			RateLimitRejects,
			AuthFailures,
			LeasedCounter,
			AckCounter,
			ReapedCounter,
			ExpiredCounter,
			CompactedCounter,
			QueueDepthGauge,
			StoreErrors,
			SweepDuration,
			NotifyFailures,
			AgentLastSeen,
			AgentOutcomes,
			AgentInFlight,
			AgentLostLeases,
		)
	})
}

// ObserveDepth publishes a queue depth snapshot.
func ObserveDepth(depth models.QueueDepth) {
	for _, st := range models.Statuses {
		QueueDepthGauge.WithLabelValues(st).Set(float64(depth[st]))
	}
}
