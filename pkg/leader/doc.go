/*
Package leader implements lease-based election and work distribution.

# Election

The lease is one TTL key in the coordination store holding the
leader's id. SetIfAbsent acquires it, Extend refreshes it at TTL/3,
and followers re-campaign on a 10 s reverify cadence while the key is
absent. The elector demotes itself the instant the stored value is
not its own id; it never extends a lease it cannot prove it owns.
Exclusion is therefore lease-scoped: after a leader stalls, the old
and new leader can overlap for at most one TTL, which the chain layer
absorbs through idempotent per-version updates.

# Sharding

While leader, the sharder repartitions the market universe on every
reshard tick and on every fleet event. Placement is a pure hash:

	slot = Hash(marketID) mod len(activeKeepers)

with the keeper list sorted, so assignments are disjoint, covering,
and reproducible by any observer with the same inputs. The stored
distribution carries a generation bumped with HashIncrBy, monotonic
across leader handoffs; keepers discard any assignment that does not
advance their accepted generation.

An empty keeper set is never published - the previous distribution
stays in place until at least one keeper is active again. An empty
universe is published as empty lists under a new generation.
*/
package leader
