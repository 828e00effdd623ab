/*
Package metrics provides Prometheus metrics collection and exposition
for keeperd.

The metrics package defines and registers every keeperd metric with the
Prometheus client library, giving observability into fleet health, work
distribution, ingestion throughput, rate-limit pressure and request
latency. Metrics are exposed on the admin server's /metrics endpoint.

# Architecture

	┌──────────────────── METRICS SYSTEM ──────────────────────┐
	│                                                           │
	│  Prometheus Registry (MustRegister at package init)       │
	│       ↓                                                   │
	│  Metric Categories                                        │
	│    Fleet:     leader gauge, keepers by health, heartbeats │
	│    Work:      assignments, generation, retries, errors    │
	│    Ingest:    verses tracked, updates by trigger, syncs   │
	│    Limiter:   bucket tokens, queue depth, violations      │
	│    Optimizer: batches by reason, dedup hits, compression  │
	│    Provider:  requests and latency per endpoint           │
	│    Failover:  supervisor actions, redistributed markets   │
	│    API:       admin requests and latency per path         │
	│       ↓                                                   │
	│  /metrics (promhttp text exposition)                      │
	│       ↓                                                   │
	│  Prometheus server scrape                                 │
	└───────────────────────────────────────────────────────────┘

Counters record what happened (assignments accepted, verses updated,
batches flushed); histograms record how long it took (sync duration,
provider latency, API latency); gauges mirror current state and are
refreshed by the Collector, which samples the keeper node every 15
seconds through the Source interface.

# Health Checking

The package also carries the component health registry behind the
admin server's probe endpoints. Components report in as they come up:

	metrics.RegisterComponent("coord", true, "")
	metrics.UpdateComponent("provider", false, "stream reconnecting")

/healthz aggregates all registered components; /readyz requires the
critical set (coord, provider, engine) to be registered and healthy.

# Usage

	metrics.AssignmentsAccepted.Inc()
	metrics.VerseUpdates.WithLabelValues("push").Inc()

	timer := metrics.NewTimer()
	doSync()
	timer.ObserveDuration(metrics.SyncDuration)

# Useful Queries

	sum(keeperd_is_leader)                         exactly 1 when healthy
	rate(keeperd_work_errors_total[5m])            fleet error rate
	keeperd_fleet_keepers{health="failed"}         failing keepers
	histogram_quantile(0.99,
	  rate(keeperd_provider_request_duration_seconds_bucket[5m]))
*/
package metrics
