// Package metrics defines the Prometheus collectors exported by botfleet.
//
// New registers every collector with the given Registerer, so tests can use
// a private prometheus.NewRegistry. A nil *Metrics records nothing.
package metrics
