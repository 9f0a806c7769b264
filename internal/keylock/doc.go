// Package keylock provides per-key locks.
//
//	unlock := locks.Lock(identity)
//	defer unlock()
//
// The store's uniqueness constraints remain the final guard; the lock only
// keeps one process from interleaving its own check-then-write sequences
// for the same key.
package keylock
