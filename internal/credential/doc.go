// Package credential inspects opaque session credential blobs.
//
// A blob is JSON, either raw or base64 encoded. The identity it authorizes is
// read from the first of me.id, creds.me.id or identity that holds a string,
// then normalized to bare digits. Nothing else in the blob is interpreted.
//
// Fingerprint gives a short blake2b digest that activity records and logs
// carry instead of the credential itself.
package credential
