// Package fleet is the surface the request layer talks to.
//
// Service bundles registration (validate, then place), identity checks,
// lifecycle commands, admin moves and outbound sends behind one type. The
// process tenant context is held here as a plain value: RegisterBot falls
// back to it when a request names no tenant, and SwitchTenant re-asserts
// the new tenant's configured capacity before swapping it in.
package fleet
