/*
Package coord abstracts the shared coordination substrate the keeper
fleet runs on: the keeper registry, heartbeat TTL keys, the leader
lease, work and control channels, shared counters, and the retry
queue.

# Architecture

All fleet-wide state flows through one Store interface. Values are
opaque byte strings; every layer above encodes JSON. Compound values
(a registry entry, the distribution map) are always written whole, so
no multi-key transaction is required of the backing store:

	┌──────────┐   HashSet/HashGetAll    keepers:registry
	│  keeper  ├──────────────────────►  keeper:<id>:heartbeat (TTL)
	│  leader  │   SetIfAbsent/Extend    keeper:leader:lock (TTL)
	│ failover │   Publish/Subscribe     keeper:<id>:work, :control
	└──────────┘   ListPush/ListPop      keeper:retry:queue

The lease key is the only primitive relied on for mutual exclusion,
and only for "at most one leader in the steady state". Transient dual
leaders during a handoff are tolerated by the layers above.

# Implementations

RedisStore maps the contract onto Redis commands: HSET/HGETALL/HINCRBY
for hashes, SET EX for heartbeats, SETNX/SETXX/EXPIRE for the lease,
pub/sub for channels, RPUSH/LPOP for the retry queue. redis.Nil maps
to ErrNotFound.

MemoryStore is the in-process implementation used by tests and
single-node runs. TTLs expire lazily on read; pub/sub fans out over
buffered channels and drops on slow subscribers, matching the fire-and
-forget semantics of Redis pub/sub.

# Usage

	store, err := coord.NewRedisStore(cfg.Store)
	if err != nil {
		return err
	}
	defer store.Close()

	ok, err := store.SetIfAbsent(ctx, coord.KeyLeaderLock, []byte(id), 30*time.Second)

# See Also

  - pkg/keeper - registry, heartbeats and work subscription
  - pkg/leader - lease election and assignment publishing
  - pkg/failover - health classification over registry + heartbeats
*/
package coord
