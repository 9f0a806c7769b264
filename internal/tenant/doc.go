// Package tenant manages tenants ("servers"), the capacity pools that own
// bot instances.
//
// A tenant is created lazily the first time its name is referenced, with the
// default capacity of the caller's Context. It is never deleted. Its
// observed count is always recomputed from the bots table rather than
// maintained as a running counter.
//
// ListAvailable is the redistribution candidate list: active tenants below
// capacity, least loaded first, name as the tie-break.
package tenant
