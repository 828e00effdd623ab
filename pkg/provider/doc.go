/*
Package provider talks to the external market provider over both of
its surfaces: the paginated REST listing and the JSON-framed push
stream. A batching refresher layers the request optimizer on top for
hot-market refetches.

# Architecture

	┌───────────┐  Execute (token)  ┌────────────────────┐
	│  Client   ├──────────────────►│ GET /markets?limit │
	│ (REST)    │                   │ &offset&active     │
	└───────────┘                   └────────────────────┘

	┌───────────┐  dial + subscribe ┌────────────────────┐
	│  Stream   ├──────────────────►│ ws: price_update   │
	│ (push)    │◄──────────────────┤ resolution_update  │
	└───────────┘   typed handlers  │ dispute_update     │
	                                └────────────────────┘

Every REST call flows through the rate limiter, so tier budgets apply
uniformly. Response classification follows the error taxonomy: 429
carries the rate-limit sentinel, 5xx and network failures are
transient, every other non-200 (and any undecodable body) is a
persistent APIError surfaced to the caller. Prices, volumes and
liquidity arrive as strings on the wire and are parsed into float64
at this boundary; one malformed record is dropped without poisoning
its page.

Requests are signed with the keeper identity: HMAC-SHA256 over
"method\npath\ntimestamp" in X-VM-SIGNATURE, with X-VM-KEY and
X-VM-TIMESTAMP alongside.

# Push stream

The stream dials, sends

	{"type":"subscribe","channel":"market_updates","params":{"all":true}}

and parses inbound frames into PriceUpdate, Resolution and Dispute
events. Unknown frame types are ignored; malformed frames are logged
and dropped; a broken connection reconnects with 2^attempt seconds of
backoff (capped at 60 s), the attempt counter resetting on every
successful open.

# Hot refresh

Refresher composes the optimizer's batcher, fan-out and deduplicator
over POST /markets/detail: per-market requests issued within one batch
window coalesce into a single downstream call whose response carries
one record per request, in order. Chunks are grouped by verse and the
verse name is part of the batch key, so one call never mixes verses. A
market refetched within the cache TTL is served without a downstream
call; a push update invalidates its cached record.

# Usage

	client := provider.NewClient(cfg.Provider, limiter, identity)
	markets, err := client.FetchMarkets(ctx, 1000, 0)

	stream := provider.NewStream(cfg.Provider.WSURL, provider.Handlers{
		OnPrice: engine.HandlePrice,
	})
	go stream.Run(ctx)

	r := provider.NewRefresher(cfg.Optimizer, client, limiter, engine.HandleMarket)
	err = r.Refresh(ctx, hotIDs, verseOf)

# See Also

  - pkg/ratelimit - token buckets every REST call passes through
  - pkg/optimizer - the batching machinery behind Refresher
  - pkg/ingest - the engine consuming both surfaces
  - pkg/security - request signing
*/
package provider
