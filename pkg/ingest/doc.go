/*
Package ingest maintains the keeper's view of the market universe and
turns it into on-chain verse updates.

# Architecture

	                 +-----------------+
	 provider REST -->   full sync 2s  |--+
	                 +-----------------+  |   +-----------+
	                 +-----------------+  +-->| verse set |--> chain
	 push stream  -->|  push handlers  |--+   +-----------+
	                 +-----------------+  |
	                 +-----------------+  |
	                 | hot refresh 5s  |--+
	                 +-----------------+
	                 +-----------------+
	                 | resolutions 2s  |--> chain.MarkResolved
	                 +-----------------+

Three timer loops and the push handlers share the caches:

  - PriceCache: expirable LRU of the latest observed yes price per
    market. Entries observed within the hot window are "hot".
  - MarketCache: the full market universe, rebuilt by syncs and
    patched by push events.
  - VerseSet: markets grouped by canonical question, with the
    committed aggregate and a strictly increasing version per verse.

Push prices are ordered per market by observed_at; stale frames are
dropped. The first observation of a market only seeds the cache.
After that, a relative price change past the configured threshold
(1% by default) triggers an immediate update of the market's verse.

The engine writes on-chain only for verses containing at least one
market of the keeper's accepted assignment. Resolutions are
propagated exactly once, with the processed set persisted locally so
restarts do not replay them.
*/
package ingest
