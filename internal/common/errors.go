// Package common contains shared constants, sentinel errors and small
// helpers used across idagent components. Callers should use errors.Is
// to match the sentinel values.
package common

import "errors"

var (
	// Storage-level errors.
	ErrNotFound = errors.New("not found")

	// Key derivation errors.
	ErrEntropy         = errors.New("entropy source failure")
	ErrInvalidMnemonic = errors.New("invalid mnemonic")

	// Vault lifecycle errors.
	ErrNoVault        = errors.New("no vault")
	ErrVaultExists    = errors.New("vault already exists")
	ErrVaultLocked    = errors.New("vault is locked")
	ErrVaultCorrupted = errors.New("vault corrupted")
	ErrWrongPassword  = errors.New("wrong password")
	ErrWeakPassword   = errors.New("password too weak")

	// Identity errors.
	ErrIdentityNotActive    = errors.New("identity is not active")
	ErrIdentityNotFound     = errors.New("identity not found")
	ErrNotAuthenticated     = errors.New("not authenticated")
	ErrRegistrationConflict = errors.New("registration conflict")

	// Remote API / transport errors.
	ErrValidation       = errors.New("validation error")
	ErrNetwork          = errors.New("network error")
	ErrAgentUnavailable = errors.New("agent unavailable")

	// Message routing errors.
	ErrUnknownAction   = errors.New("unknown action")
	ErrInvalidEnvelope = errors.New("invalid envelope")

	// Consent errors.
	ErrConsentDenied   = errors.New("consent denied")
	ErrConsentNotFound = errors.New("consent request not found")
)
