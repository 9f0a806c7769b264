// Package lifecycle governs the status and approval transitions of a bot.
//
//	validate  pending_validation -> dormant       (nothing persisted on failure)
//	approve   dormant | pending  -> approved, loading -> supervisor start
//	reject    non-terminal       -> rejected -> deleted, identity released
//	expire    approved, lapsed   -> pending, offline (bot kept)
//	start     approved           -> loading
//	stop      approved           -> offline
//	restart   approved           -> loading
//	delete    any                -> gone, identity released
//
// Transitions on one bot are serialized in-process. The expiry sweep uses a
// compare-and-set on the approval date, so an approval that lands between
// the sweep's read and its write is left alone. Sweeper runs the sweep on a
// robfig/cron schedule.
package lifecycle
