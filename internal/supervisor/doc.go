// Package supervisor owns the runtime connection of every bot.
//
// Each bot id maps to one handle in a single table. A handle moves through
//
//	idle -> connecting -> connected
//	              \            \
//	               -> failed    -> failed | stopped
//
// and every Start, Stop and Restart bumps its generation. Session callbacks
// carry the generation they were created under, so events from a superseded
// session are dropped instead of overwriting newer state.
//
// Write-backs:
//
//   - opened: status online, lastConnectedAt, connections usage +1
//   - dial failure, connect timeout, unsolicited close: status error
//   - credentials rotated: new blob persisted, activity recorded
//
// Each write-back is published on the broadcast channel. Failed handles are
// kept and never retried; a caller restarts them explicitly. Stop and
// Destroy are silent: the caller owns the status that follows.
package supervisor
