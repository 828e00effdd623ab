package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Fleet metrics
	IsLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "keeperd_is_leader",
			Help: "Whether this keeper holds the leader lease (1 = leader, 0 = follower)",
		},
	)

	FleetKeepers = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "keeperd_fleet_keepers",
			Help: "Keepers in the registry by health classification",
		},
		[]string{"health"},
	)

	HeartbeatsSent = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "keeperd_heartbeats_sent_total",
			Help: "Total heartbeats written to the coordination store",
		},
	)

	// Work metrics
	AssignmentsAccepted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "keeperd_assignments_accepted_total",
			Help: "Work assignments accepted (generation advanced)",
		},
	)

	AssignmentsRejected = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "keeperd_assignments_rejected_total",
			Help: "Work assignments rejected as stale or malformed",
		},
	)

	AssignmentSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "keeperd_assignment_markets",
			Help: "Markets in the currently accepted assignment",
		},
	)

	AssignmentGeneration = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "keeperd_assignment_generation",
			Help: "Generation of the currently accepted assignment",
		},
	)

	MarketsProcessed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "keeperd_markets_processed_total",
			Help: "Markets processed by the work loop",
		},
	)

	WorkErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "keeperd_work_errors_total",
			Help: "Errors encountered while processing assigned markets",
		},
	)

	RetryDrained = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keeperd_retry_drained_total",
			Help: "Retry-queue records drained by outcome",
		},
		[]string{"outcome"},
	)

	// Ingest metrics
	VersesTracked = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "keeperd_verses_tracked",
			Help: "Verses currently tracked by the ingestion engine",
		},
	)

	VerseUpdates = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keeperd_verse_updates_total",
			Help: "On-chain verse updates issued by trigger",
		},
		[]string{"trigger"},
	)

	ResolutionsProcessed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "keeperd_resolutions_processed_total",
			Help: "Market resolutions propagated on-chain",
		},
	)

	PushEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keeperd_push_events_total",
			Help: "Push-stream events received by type",
		},
		[]string{"type"},
	)

	StreamReconnects = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "keeperd_stream_reconnects_total",
			Help: "Push-stream reconnect attempts",
		},
	)

	SyncDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "keeperd_full_sync_duration_seconds",
			Help:    "Duration of one full market sync in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Rate limiter metrics
	BucketTokens = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "keeperd_bucket_tokens",
			Help: "Tokens available per endpoint class",
		},
		[]string{"class"},
	)

	LimiterQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "keeperd_limiter_queue_depth",
			Help: "Requests waiting in the priority queue",
		},
	)

	RateLimitHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "keeperd_rate_limit_hits_total",
			Help: "Downstream rate-limit responses observed",
		},
	)

	RetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "keeperd_retries_total",
			Help: "Retry attempts performed by the limiter",
		},
	)

	ComplianceViolations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keeperd_compliance_violations_total",
			Help: "Provider rate-limit window violations by endpoint",
		},
		[]string{"endpoint"},
	)

	EmergencyMode = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "keeperd_emergency_mode",
			Help: "Whether the limiter runs at half capacity (1 = on)",
		},
	)

	// Optimizer metrics
	BatchesFlushed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keeperd_batches_flushed_total",
			Help: "Batches flushed by reason",
		},
		[]string{"reason"},
	)

	BatchSize = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "keeperd_batch_size",
			Help:    "Requests per flushed batch",
			Buckets: []float64{1, 2, 5, 10, 25, 50, 100},
		},
	)

	BatchesCompressed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "keeperd_batches_compressed_total",
			Help: "Batch payloads sent compressed",
		},
	)

	DedupHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keeperd_dedup_hits_total",
			Help: "Deduplicated calls by kind (inflight, cached)",
		},
		[]string{"kind"},
	)

	// Provider metrics
	ProviderRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keeperd_provider_requests_total",
			Help: "Provider HTTP requests by endpoint and outcome",
		},
		[]string{"endpoint", "outcome"},
	)

	ProviderRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "keeperd_provider_request_duration_seconds",
			Help:    "Provider HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"endpoint"},
	)

	// Failover metrics
	Failovers = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keeperd_failovers_total",
			Help: "Supervisor actions by kind",
		},
		[]string{"action"},
	)

	RedistributedMarkets = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "keeperd_redistributed_markets_total",
			Help: "Markets reassigned away from failed keepers",
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keeperd_api_requests_total",
			Help: "Total number of admin API requests by path and status",
		},
		[]string{"path", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "keeperd_api_request_duration_seconds",
			Help:    "Admin API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"path"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(IsLeader)
	prometheus.MustRegister(FleetKeepers)
	prometheus.MustRegister(HeartbeatsSent)
	prometheus.MustRegister(AssignmentsAccepted)
	prometheus.MustRegister(AssignmentsRejected)
	prometheus.MustRegister(AssignmentSize)
	prometheus.MustRegister(AssignmentGeneration)
	prometheus.MustRegister(MarketsProcessed)
	prometheus.MustRegister(WorkErrors)
	prometheus.MustRegister(RetryDrained)
	prometheus.MustRegister(VersesTracked)
	prometheus.MustRegister(VerseUpdates)
	prometheus.MustRegister(ResolutionsProcessed)
	prometheus.MustRegister(PushEvents)
	prometheus.MustRegister(StreamReconnects)
	prometheus.MustRegister(SyncDuration)
	prometheus.MustRegister(BucketTokens)
	prometheus.MustRegister(LimiterQueueDepth)
	prometheus.MustRegister(RateLimitHits)
	prometheus.MustRegister(RetriesTotal)
	prometheus.MustRegister(ComplianceViolations)
	prometheus.MustRegister(EmergencyMode)
	prometheus.MustRegister(BatchesFlushed)
	prometheus.MustRegister(BatchSize)
	prometheus.MustRegister(BatchesCompressed)
	prometheus.MustRegister(DedupHits)
	prometheus.MustRegister(ProviderRequests)
	prometheus.MustRegister(ProviderRequestDuration)
	prometheus.MustRegister(Failovers)
	prometheus.MustRegister(RedistributedMarkets)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
