// Package hdkeys implements the key derivation engine: BIP39 mnemonic
// handling, SLIP-0010 hierarchical-deterministic ed25519 key derivation
// and did:key identifiers.
//
// Everything in this package is a pure function of its inputs; no state
// is kept. Callers own the lifetime of returned key material and are
// expected to wipe it (KeyPair.Wipe, MasterKey.Wipe,
// common.WipeByteArray) on every exit path, typically in a defer placed
// immediately after acquisition.
package hdkeys
