// Package store provides persistent storage for botfleet using SQLite.
//
// # Architecture
//
// The store package is interface-driven:
//
//   - TenantStore: tenants ("servers") with capacity and a recomputed bot count
//   - IdentityStore: the global identity registry (one owner per phone number)
//   - BotStore: bot instances, their credentials, settings and usage counters
//   - ActivityStore: append-only record of lifecycle and placement decisions
//
// SQLiteStore implements all of them in a single struct.
//
// # Invariants enforced here
//
//   - identities.identity is the PRIMARY KEY, so an identity has at most one owner
//   - bots.identity carries a UNIQUE index, so an identity has at most one bot
//   - CreateBot checks capacity and inserts inside one transaction
//   - observed_count is always rewritten from COUNT(*), never incremented
//
// # SQLite Configuration
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA foreign_keys=ON;
//	PRAGMA busy_timeout=5000;
//
// The pool holds a single connection so transactions are serialized within
// the process.
//
// # Error Handling
//
//   - ErrNotFound: requested entity does not exist
//   - ErrTenantFull / ErrTenantDisabled: CreateBot refused by the tenant
//   - ErrDuplicateIdentity: a bot already exists for the identity
//   - ErrStaleApproval: ExpireBot lost a race with a fresh approval
//
// All methods accept context.Context for cancellation support.
package store
