/*
Package optimizer reduces the provider call volume of a keeper.

Three independent tools compose with the rate limiter:

  - Batcher: coalesces requests sharing an endpoint and common
    parameters within a 100 ms window (cap 100) into one downstream
    call, gzip-compressing large payloads when compression actually
    pays. The batch is submitted at the highest priority among its
    members and results are distributed positionally.

  - FanOut: partitions a market-id set by verse, fetches in chunks of
    50 with bounded parallelism so one slow chunk cannot serialize a
    full sync.

  - Deduplicator: collapses identical concurrent calls onto one
    execution and serves repeats from a 60 s cache. Errors propagate
    to every waiter but are never cached.

# Usage

	b := optimizer.NewBatcher(cfg.Optimizer, limiter, send)
	res, err := b.BatchRequest(ctx, "/orders", params, 5)

	d := optimizer.NewDeduplicator(cfg.Optimizer.CacheTTL.D())
	res, err := d.Do(ctx, "markets:page:0", fetchPage)
*/
package optimizer
