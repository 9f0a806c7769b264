// Package broadcast fans bot state changes out to observers.
//
// # Topics
//
// Subscribers pick a tenant name, or AllTenants for everything. Publish
// delivers an event to the subscribers of event.Tenant and of AllTenants.
//
// # Delivery
//
// Publish never blocks. Each subscriber has a 64-event buffer; when it is
// full the event is dropped for that subscriber only. Core state never
// depends on an event being delivered.
//
// # Lifecycle
//
// A subscription ends when its context is cancelled, on Unsubscribe, or on
// Close. The channel is closed in each case.
package broadcast
