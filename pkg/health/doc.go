/*
Package health grades keeper heartbeats.

Classification is a pure function of one heartbeat, the current time,
and a set of thresholds:

	failed    heartbeat missing or older than 30 s
	degraded  heartbeat 15-30 s old, error rate above 10%,
	          or reported latency above 5 s
	healthy   everything else

Score ranks healthy keepers for leader promotion: 100 minus penalties
for error rate, latency and queued workload. The supervisor in
pkg/failover consumes both; nothing here touches the coordination
store.
*/
package health
