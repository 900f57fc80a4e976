package agent

import (
	"github.com/identkit/idagent/internal/identity"
	"github.com/identkit/idagent/internal/vault"
)

// The channel action set. This list is closed and auditable: the
// handler routes exactly these and nothing else. Consent-gated actions
// are the ones listed in the consent package's allow-list.
const (
	ActionVaultStatus = "vault.status"
	ActionVaultCreate = "vault.create"
	ActionVaultImport = "vault.import"
	ActionVaultUnlock = "vault.unlock"
	ActionVaultLock   = "vault.lock"
	ActionVaultWipe   = "vault.wipe"

	ActionIdentityCreate    = "identity.create"
	ActionIdentityRegister  = "identity.register"
	ActionIdentityRecover   = "identity.recover"
	ActionIdentityList      = "identity.list"
	ActionIdentitySetActive = "identity.setActive"

	ActionConsentApprove = "consent.approve"
	ActionConsentDeny    = "consent.deny"
	ActionConsentList    = "consent.list"

	ActionProfileRead   = "profile.read"
	ActionProfileUpdate = "profile.update"
	ActionDataRead      = "data.read"
	ActionDataWrite     = "data.write"
	ActionMessageSign   = "message.sign"
)

// Request payloads. Every action decodes into its own struct; unknown
// shapes fail at the boundary instead of deep inside the manager.

type vaultCreateRequest struct {
	Password string `json:"password"`
}

type vaultImportRequest struct {
	Mnemonic string `json:"mnemonic"`
	Password string `json:"password"`
}

type vaultUnlockRequest struct {
	Password string `json:"password"`
}

type identityCreateRequest struct {
	Profile   identity.Profile `json:"profile"`
	ClaimCode string           `json:"claimCode"`
}

type identityRegisterRequest struct {
	Profile   identity.Profile `json:"profile"`
	ClaimCode string           `json:"claimCode"`
}

type identitySetActiveRequest struct {
	DID string `json:"did"`
}

type consentDecisionRequest struct {
	ConsentRequestID string `json:"consentRequestId"`
}

type profileUpdateRequest struct {
	Name       string `json:"name"`
	PictureURL string `json:"pictureUrl"`
}

type messageSignRequest struct {
	// Message is base64-encoded so arbitrary bytes survive the JSON
	// envelope.
	Message string `json:"message"`
}

// Response payloads.

type vaultStatusResponse struct {
	State vault.State `json:"state"`
}

type vaultCreateResponse struct {
	// Mnemonic is shown to the user exactly once for backup.
	Mnemonic string `json:"mnemonic"`
}

type identityListResponse struct {
	Identities []vault.IdentityRecord `json:"identities"`
	ActiveDID  string                 `json:"activeDid,omitempty"`
}

type identityRecoverResponse struct {
	Added []vault.IdentityRecord `json:"added"`
}

type profileReadResponse struct {
	DID        string `json:"did"`
	Name       string `json:"name"`
	PictureURL string `json:"pictureUrl"`
}

type dataAccessResponse struct {
	// The agent brokers authentication only; the caller talks to its
	// storage backend itself with these credentials.
	DID   string `json:"did"`
	Token string `json:"token"`
}

type messageSignResponse struct {
	DID       string `json:"did"`
	Signature string `json:"signature"`
}
