// Package gateway wires a botfleet process together.
//
// # Components
//
// New builds, in dependency order: the SQLite store, a Prometheus
// registry, the event broadcaster, the task scheduler, the connection
// supervisor (websocket bridge or loopback), the tenant and identity
// registries, the capacity orchestrator, the lifecycle machine, the resume
// coordinator, the expiry sweeper and the fleet service. Nothing starts
// until Run.
//
// # Boot
//
// Run asserts every configured tenant, runs one expiry sweep, then
// schedules the resume of approved bots owned by any hosted tenant. After
// that /ready reports 200.
//
// # HTTP
//
// When metrics.enabled is set, one server on metrics.http_addr serves:
//
//   - GET /health - liveness
//   - GET /ready - boot finished
//   - GET <metrics.path> - Prometheus exposition
//
// # Lifecycle
//
//	gw, err := gateway.New(cfg, logger)
//	err = gw.Run(ctx) // returns after ctx is cancelled
//
// Run calls Shutdown on the way out; Shutdown is idempotent.
package gateway
