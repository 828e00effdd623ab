/*
Package api serves the keeper's admin HTTP surface.

This is an operator-facing side door, not the data path: the fleet
coordinates entirely over the shared coordination store, and market
data flows through the provider stream. The admin server exposes what
a human (or the CLI, or a probe) needs to ask a single running keeper:

	GET /livez     process liveness, always 200 while running
	GET /healthz   component health (coord, provider, engine, ...)
	GET /readyz    readiness: critical components registered and healthy
	GET /metrics   Prometheus exposition
	GET /status    JSON snapshot of the node: state, leadership,
	               assignment generation and size, progress counters

Every request passes through a small middleware that records a counter
and a latency histogram per path and emits a debug log line. The route
set is fixed, so the path label stays bounded.

# Usage

	srv := api.NewServer(cfg.API, node)
	if err := srv.Start(); err != nil {
		return err
	}
	defer srv.Stop(ctx)
*/
package api
