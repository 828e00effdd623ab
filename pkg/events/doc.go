/*
Package events provides the in-process event broker for keeper components.

This bus is local to one keeper process. Cross-keeper messaging goes
through the coordination store's pub/sub channels (pkg/coord); this
broker only fans process-internal notifications out to whoever in the
same process cares, without coupling the publisher to its listeners.

# Architecture

	┌──────────────────── EVENT BROKER ────────────────────────┐
	│                                                           │
	│  Publisher → Event Channel (buffer: 100)                  │
	│       ↓                                                   │
	│  Broadcast Loop                                           │
	│       ↓                                                   │
	│  Subscriber Channels (buffer: 50 each)                    │
	│                                                           │
	│  Publishers                 Subscribers                   │
	│    elector  (leadership)      admin API  (status)         │
	│    sharder  (assignments)     collector  (gauges)         │
	│    supervisor (failover)      tests      (assertions)     │
	│    node     (lifecycle)                                   │
	│    engine   (verse updates)                               │
	└───────────────────────────────────────────────────────────┘

# Event Types

Fleet membership:

	keeper.registered    node joined the registry
	keeper.deregistered  node left gracefully
	keeper.failed        heartbeat classified as failed
	keeper.removed       permanently dropped after repeated failures
	keeper.recovered     failed keeper came back healthy

Leadership and work:

	leader.elected       this keeper won the lease
	leader.lost          this keeper lost or released the lease
	work.assigned        a new assignment generation was accepted
	work.rejected        a stale assignment generation was refused
	work.redistributed   a failed keeper's markets were reassigned

Data path:

	market.resolved         a tracked market reached resolution
	verse.updated           a verse probability was pushed on-chain
	limiter.emergency       emergency rate mode toggled
	fleet.critical_failure  no healthy keeper left to lead

# Usage

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	go func() {
		for event := range sub {
			if event.Type == events.EventLeaderElected {
				fmt.Printf("%s took the lease\n", event.KeeperID)
			}
		}
	}()

Publish is non-blocking: a subscriber whose buffer is full skips the
event. The broker trades guaranteed delivery for never stalling the
publisher, which is the right trade for notifications; anything that
must not be lost goes through the coordination store instead.
*/
package events
