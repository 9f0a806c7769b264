// Package resume brings approved bots back after a process restart.
//
// Run marks every resumable bot loading straight away, then starts them one
// stagger interval apart so the upstream never sees a reconnect burst. Each
// bot also gets a grace check at its start time plus the grace period. The
// check is cancelled the moment a status event shows the bot left loading or
// error; if it fires anyway and the fresh status is still one of those, the
// bot is deleted so it stops holding a tenant slot and its identity.
package resume
