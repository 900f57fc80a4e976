// Package identity implements the client of the remote identity HTTP
// API: signed registration and profile-update challenges exchanged for
// session credentials (JWT), and the per-DID status endpoint used by
// recovery scanning.
//
// Every signed request carries a fresh nonce and timestamp, and the
// signature covers the exact ordered concatenation of the fields sent.
// The field order is a wire contract shared with the server; see
// RegisterMessage and UpdateMessage.
package identity
