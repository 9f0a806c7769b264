// Package identity is the global registry of external identities.
//
// Each identity has at most one entry, naming the tenant that owns it. The
// store enforces this with a primary key and Register relies on an
// insert-if-absent followed by a read, so of two concurrent registrations
// for different tenants exactly one sees its own tenant come back. The other
// gets a *ConflictError naming the winner.
//
// Move is the override used by admin action and by redistribution. Release
// is called only when the owning bot is deleted.
package identity
