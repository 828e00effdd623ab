/*
Package types defines the data model shared by every keeper package:
markets, verses, fleet records and the wire forms stored in the
coordination store.

# Core Types

Market domain:
  - Market: read-through view of one provider market, floats parsed at
    the provider boundary
  - CachedPrice: one price-cache entry; "hot" iff observed within the
    hot window
  - PriceUpdate, Resolution, Dispute: inbound push-stream events
  - Verse: equivalence class of markets sharing a canonical question,
    with the weighted aggregate, its clock and the strictly increasing
    on-chain version
  - VerseID: 128-bit verse identity, the first 16 bytes of the SHA-256
    of the canonical question; renders as 32 hex characters and keys
    JSON maps via TextMarshaler

Fleet coordination:
  - KeeperState, HealthLevel: lifecycle and supervisor classification
    enums, typed string constants
  - KeeperInfo: the registry entry, one writer per keeper
  - Heartbeat, ResourceSnapshot: the TTL'd liveness record
  - WorkMessage, ControlMessage, FleetEvent, RetryRecord: the pub/sub
    and queue payloads
  - Assignment: a keeper's accepted shard, gated by generation
  - Distribution: the leader's ordered keeper -> markets map, stored as
    [[keeper_id,[market_id...]], ...]

# Wire Format

Everything persisted or published goes through encoding/json. Stored
timestamps are unix milliseconds (int64); in-process timestamps are
time.Time. DistributionEntry marshals as a two-element array rather
than an object so the stored form stays compact and order-preserving.

# Thread Safety

Types here are plain data: safe for concurrent reads, callers
synchronize mutation. The caches in pkg/ingest and the registry in
pkg/coord own the locking for shared instances.

# See Also

  - pkg/classifier for question canonicalization and VerseID derivation
  - pkg/coord for where the stored forms live
  - pkg/keeper for how heartbeats and assignments flow
*/
package types
