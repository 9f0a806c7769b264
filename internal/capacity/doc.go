// Package capacity places new registrations onto tenants.
//
// Place runs under a per-identity lock and always works from fresh counts:
//
//  1. An identity owned by another tenant, or one that already has a bot,
//     is a conflict naming the owner.
//  2. If the requested tenant has room the identity is registered there and
//     the bot created (the store re-checks capacity in its transaction).
//  3. Otherwise the available tenants are tried least loaded first. The
//     identity follows the bot and the caller is told the new tenant.
//  4. If nothing has room the identity entry is put back as it was and
//     ErrAllServersFull is returned.
//
// Redistribution is decided once; the original request is not revisited
// when its tenant frees up.
package capacity
