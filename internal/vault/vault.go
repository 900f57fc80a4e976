// Package vault owns the durable encrypted vault and the ephemeral
// session derived from it. The Manager is the only component permitted
// to hold a decrypted seed, and only transiently: every use reads it
// from the session tier, derives what it needs and wipes the local copy
// before returning.
package vault

import (
	"crypto/sha256"
	"encoding/hex"
)

// Storage keys. The vault lives in the durable tier, the session in the
// session tier (cleared by the host when the process ends).
const (
	vaultKey   = "vault"
	sessionKey = "session"
)

// State is the vault lifecycle state machine:
// NoVault -> Locked -> Unlocked, and back to Locked on lock or session
// teardown.
type State string

const (
	StateNoVault  State = "NO_VAULT"
	StateLocked   State = "VAULT_LOCKED"
	StateUnlocked State = "VAULT_UNLOCKED"
)

// Settings are the per-vault counters. NextAccountIndex is monotonic
// and never reused, even after an account is hidden or abandoned.
type Settings struct {
	NextAccountIndex    uint32 `json:"nextAccountIndex"`
	ActiveIdentityIndex uint32 `json:"activeIdentityIndex"`
}

// IdentityRecord is one derived account. The DID is a deterministic
// function of the derived public key and never changes for a given
// index. Records are owned exclusively by the vault.
type IdentityRecord struct {
	DID               string `json:"did"`
	DerivationIndex   uint32 `json:"derivationIndex"`
	ProfileName       string `json:"profileName"`
	ProfilePictureURL string `json:"profilePictureUrl"`
	InstanceURL       string `json:"instanceUrl"`
	InstanceStatus    string `json:"instanceStatus"`
	IsAdmin           bool   `json:"isAdmin"`
}

// Vault is the durable record: the password-wrapped mnemonic plus the
// identity registry and settings. Plaintext key material never appears
// here.
type Vault struct {
	EncryptedSeed []byte           `json:"encryptedSeed"`
	Nonce         []byte           `json:"nonce"`
	Salt          []byte           `json:"salt"`
	Identities    []IdentityRecord `json:"identities"`
	Settings      Settings         `json:"settings"`
}

// identityByDID returns a pointer into the Identities slice, or nil.
func (v *Vault) identityByDID(did string) *IdentityRecord {
	for i := range v.Identities {
		if v.Identities[i].DID == did {
			return &v.Identities[i]
		}
	}
	return nil
}

// identityByIndex returns a pointer into the Identities slice, or nil.
func (v *Vault) identityByIndex(index uint32) *IdentityRecord {
	for i := range v.Identities {
		if v.Identities[i].DerivationIndex == index {
			return &v.Identities[i]
		}
	}
	return nil
}

// vaultSum fingerprints the serialized vault so a session can detect
// out-of-band modifications of the durable record.
func vaultSum(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
