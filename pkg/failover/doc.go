/*
Package failover keeps the fleet alive when keepers die.

Every keeper runs a Supervisor. Each tick it classifies every
registered keeper's heartbeat (pkg/health) and tracks consecutive
failures per keeper:

	failed tick        counter++, keeper_failed on the first one
	healthy tick       counter reset; reinstatement if it was failed
	counter at max     permanent removal + redistribution (leader only)
	lease holder dead  atomic lease overwrite with the best healthy
	                   keeper by score + become_leader (any supervisor)
	no healthy keeper  critical_failure

Destructive actions - deleting a keeper's registry entry, rewriting
the distribution - are taken only by the supervisor that holds the
leader lease. Promoting a replacement for a dead leader is the one
exception: there is no live leader to defer to, and the SetIfExists
lease overwrite is atomic, so whichever supervisor gets there first
wins and the rest fail harmlessly.

Redistribution hands the failed keeper's markets round-robin to the
surviving entries of the stored distribution and publishes the result
under a bumped generation, so keepers that missed the event converge
on the next message they do see.
*/
package failover
