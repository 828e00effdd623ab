/*
Package keeper is the node runtime: one process in the fleet.

# Lifecycle

	starting -> registered -> follower <-> leader -> stopping -> stopped

Start registers the keeper in the shared registry, opens the work and
control subscriptions (so an assignment arriving before the first
heartbeat is not lost), then launches the heartbeat loop, the retry
drain loop, the ingestion engine, the elector, the sharder and the
supervisor. Stop unwinds in reverse and releases the leader lease only
if this keeper still holds it.

# Assignments

Work messages carry a generation. The node accepts a message only if
its generation strictly exceeds the last accepted one, persists that
generation locally, and narrows the engine's ownership filter to the
assigned markets. Replayed or reordered assignments are rejected; a
restarted keeper reloads its accepted generation and so ignores any
stale message still in flight.

# Progress and retries

Processed and error counts live in local atomics and are flushed into
the shared per-keeper progress hashes on each heartbeat. Every failed
market operation becomes a record on the shared retry queue; the drain
loop pops a bounded batch each tick, reprocesses the records this
keeper currently owns, and puts the rest back for whoever does.
*/
package keeper
