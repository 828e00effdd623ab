/*
Package config loads and validates the keeper configuration.

Configuration is YAML with a complete set of defaults: an empty path
given to Load yields a runnable local setup. Durations are written in
Go syntax ("2s", "100ms"). Sections map one-to-one onto the packages
they drive: store → pkg/coord, limiter → pkg/ratelimit, ingest →
pkg/ingest, election → pkg/leader, failover → pkg/failover, api →
pkg/api.

	keeper:
	  id: keeper-1
	  data_dir: /var/lib/keeperd
	store:
	  redis_addr: localhost:6379
	limiter:
	  tier: premium
	election:
	  lease_ttl: 30s

Rate-limit tiers (free, basic, premium) are defined in tiers.go with
per-class token buckets matching the provider's published limits.
*/
package config
