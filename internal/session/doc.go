// Package session is the client side of the upstream messaging sessions
// that bots run.
//
// # Contract
//
// A Dialer opens one Session per bot from its credential blob. Dial returns
// once the transport is up; the session then reports through Callbacks:
//
//   - OnOpened when it is ready to send
//   - OnClosed when the upstream drops it (never after Disconnect)
//   - OnCredentialsRotated when the upstream issues a new blob
//
// # Implementations
//
// WebSocketDialer talks JSON frames to a session bridge over gorilla/websocket:
//
//	-> {"type":"hello","credentials":"<base64>"}
//	<- {"type":"opened"}
//	-> {"type":"send","id":"<uuid>","target":"15551234567","payload":"<base64>"}
//	<- {"type":"ack","id":"<uuid>"} | {"type":"error","id":"<uuid>","error":"..."}
//	<- {"type":"credentials","credentials":"<base64>"}
//	<- {"type":"closed","reason":"..."}
//
// Loopback keeps everything in memory and lets the caller trigger upstream
// events, for development without a bridge and for tests.
package session
