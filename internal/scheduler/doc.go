// Package scheduler runs cancellable delayed tasks.
//
// Tasks are keyed by an owner (a bot id) and a name ("start", "grace").
// CancelAll drops every task of an owner, which is how stopping or deleting
// a bot makes sure no late timer acts on it. Time comes from a clock.Clock
// so tests can drive it with clock.Fake.
package scheduler
