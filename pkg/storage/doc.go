/*
Package storage provides the keeper's local persistence, backed by
BoltDB.

Only state that must survive a restart lives here; everything else is
rebuilt from the provider or the coordination store. Three buckets:

  - resolutions: markets whose resolution has already been propagated
    on-chain, so the resolution monitor stays idempotent across
    restarts.
  - assignments: the last accepted assignment generation, so a
    restarted keeper keeps rejecting stale work messages.
  - usage: the rate-limit compliance windows, so a restart cannot
    silently bust a provider accounting window.

# Architecture

Local is the interface; BoltStore the single implementation. All
values are JSON except the generation counter, stored as 8 big-endian
bytes. Each operation is one Bolt transaction:

	┌──────────────────── keeperd.db ───────────────────────┐
	│  resolutions: market_id -> "1"                        │
	│  assignments: generation -> uint64 (big endian)       │
	│  usage:       endpoint   -> JSON UsageSnapshot        │
	└───────────────────────────────────────────────────────┘

# Usage

	store, err := storage.NewBoltStore(cfg.Keeper.DataDir)
	if err != nil {
		return err
	}
	defer store.Close()

	processed, err := store.IsResolutionProcessed(marketID)

# See Also

  - pkg/ingest - resolution monitor idempotence
  - pkg/keeper - generation persistence
  - pkg/ratelimit - compliance window snapshots
*/
package storage
