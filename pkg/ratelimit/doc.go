/*
Package ratelimit polices every outbound provider call with tiered
token buckets, a priority queue for deferred work, and a retry loop
with exponential backoff and full jitter.

# Architecture

Each endpoint class (markets, orders, resolutions) owns one token
bucket sized from the configured tier. Calls that find a token run
inline; the rest wait in a priority queue drained by a dedicated
goroutine:

	Execute(endpoint, priority, fn)
	        │
	        ▼
	┌──────────────────┐  token   ┌─────────────────────┐
	│ class bucket     ├─────────►│ retry loop (inline) │
	│ TryConsume(1)    │          └─────────────────────┘
	└───────┬──────────┘
	        │ no token
	        ▼
	┌──────────────────┐          ┌─────────────────────┐
	│ priority queue   │◄─────────┤ drainer goroutine   │
	│ (-prio, enq ts)  │  dequeue │ waits per-class     │
	└──────────────────┘          └─────────────────────┘

One token covers one logical call including all of its retries. A call
canceled before its fn ever ran has its token refunded; once fn starts
the call runs to completion and the result is dropped.

Refill is lazy: every bucket access first credits elapsed-time tokens,
capped at capacity. Tokens are never created without elapsed-time
accounting, so consumption over any window is bounded by capacity plus
window x rate.

# Retry policy

Downstream rate-limit signals back off with full jitter,
2^attempt * base + U[0, base], up to maxRetries (default 3). Transient
network errors retry after a short fixed delay. Everything else
surfaces immediately.

# Emergency mode

SetEmergencyMode(true) halves every class's rate and burst and rebuilds
the buckets in one step; current token counts are discarded. Turning it
off restores the configured tier. The rebuild is atomic relative to
TryConsume.

# Adaptive backoff and compliance

AdaptiveBackoff keeps a 60 s ring (capacity 1000) of call outcomes and
recommends 5 s, 2 s or 1 s of backoff from the per-endpoint failure
rate. ComplianceMonitor counts calls per endpoint (path only, queries
stripped) over the provider's 10 s accounting window. Once started it
checks every window against the published limits and persists its
stamps through the local store on each tick, so a crash loses at most
one interval of accounting and a restart cannot silently bust a
provider window.

# Usage

	backoff := ratelimit.NewAdaptiveBackoff()
	monitor := ratelimit.NewComplianceMonitor(localStore)
	limiter, err := ratelimit.New(cfg.Limiter, backoff, monitor)
	if err != nil {
		return err
	}
	limiter.Start()
	defer limiter.Stop()
	monitor.Start()
	defer monitor.Stop()

	res, err := limiter.Execute(ctx, "/markets", ratelimit.PriorityNormal,
		func(ctx context.Context) (any, error) {
			return client.FetchMarkets(ctx, 1000, 0)
		})

# See Also

  - pkg/provider - the HTTP client every Execute call wraps
  - pkg/optimizer - batching and deduplication in front of the limiter
  - pkg/config - the static tier table
*/
package ratelimit
