package vault

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/identkit/idagent/internal/common"
	"github.com/identkit/idagent/internal/hdkeys"
	"github.com/identkit/idagent/internal/identity"
	"github.com/identkit/idagent/internal/logging"
	"github.com/identkit/idagent/internal/recovery"
	"github.com/identkit/idagent/internal/storage"
	"github.com/identkit/idagent/internal/vaultcrypt"
)

// MinPasswordLen is the minimum accepted vault password length.
const MinPasswordLen = 8

const mnemonicWords = 12

// Remote is the slice of the identity service the Manager needs.
// Satisfied by *identity.Client.
type Remote interface {
	Register(ctx context.Context, did string, kp *hdkeys.KeyPair, profile identity.Profile, claimCode string) (*identity.Identity, string, error)
	UpdateProfile(ctx context.Context, did string, kp *hdkeys.KeyPair, profile identity.Profile, token string) (*identity.Identity, string, error)
}

// seedScanner runs account discovery over a seed. Satisfied by
// *recovery.Scanner.
type seedScanner interface {
	Scan(ctx context.Context, seed []byte) (*recovery.Result, error)
}

// Manager orchestrates vault creation, unlocking, locking and recovery.
// All mutations are serialized by a mutex; operations that call the
// network release it for the duration of the call and re-check the
// session afterwards, so Lock stays authoritative: an in-flight
// operation that observes a locked session aborts with ErrVaultLocked
// instead of completing with stale key material.
type Manager struct {
	mu      sync.Mutex
	tiers   storage.Tiers
	remote  Remote
	scanner seedScanner
	logger  logging.Logger
}

func NewManager(tiers storage.Tiers, remote Remote, scanner seedScanner, logger logging.Logger) *Manager {
	return &Manager{
		tiers:   tiers,
		remote:  remote,
		scanner: scanner,
		logger:  logger.With("module", "vault"),
	}
}

// State reports the lifecycle state. A session whose vault fingerprint
// no longer matches is torn down and reported as locked.
func (m *Manager) State(ctx context.Context) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, sum, err := m.loadVault(ctx)
	if errors.Is(err, common.ErrNoVault) {
		_ = m.clearSession(ctx)
		return StateNoVault, nil
	}
	if err != nil {
		return "", err
	}

	sess, err := m.loadSession(ctx)
	if errors.Is(err, common.ErrVaultLocked) {
		return StateLocked, nil
	}
	if err != nil {
		return "", err
	}
	defer sess.Wipe()

	if sess.VaultSum != sum {
		_ = m.clearSession(ctx)
		return StateLocked, nil
	}
	return StateUnlocked, nil
}

// Create generates a fresh mnemonic, derives the first identity at
// index 0, encrypts the mnemonic under the password and persists the
// vault. On success the vault is unlocked and the mnemonic is returned
// exactly once, for the user to back up.
func (m *Manager) Create(ctx context.Context, password []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(password) < MinPasswordLen {
		return "", common.ErrWeakPassword
	}
	if _, _, err := m.loadVault(ctx); err == nil {
		return "", common.ErrVaultExists
	} else if !errors.Is(err, common.ErrNoVault) {
		return "", err
	}

	mnemonic, err := hdkeys.GenerateMnemonic(mnemonicWords)
	if err != nil {
		return "", err
	}

	if err := m.persistNewVault(ctx, mnemonic, password, true); err != nil {
		return "", err
	}

	m.logger.Info(ctx, "vault created")
	return mnemonic, nil
}

// Import persists a user-supplied mnemonic as a new vault. Recovery of
// existing identities is a separate explicit step (RecoverIdentities),
// not automatic.
func (m *Manager) Import(ctx context.Context, mnemonic string, password []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(password) < MinPasswordLen {
		return common.ErrWeakPassword
	}
	if !hdkeys.ValidateMnemonic(mnemonic) {
		return common.ErrInvalidMnemonic
	}
	if _, _, err := m.loadVault(ctx); err == nil {
		return common.ErrVaultExists
	} else if !errors.Is(err, common.ErrNoVault) {
		return err
	}

	if err := m.persistNewVault(ctx, mnemonic, password, false); err != nil {
		return err
	}

	m.logger.Info(ctx, "vault imported")
	return nil
}

// persistNewVault encrypts the mnemonic, writes the vault and populates
// the session. withFirstIdentity derives the index-0 account (vault
// creation); an imported vault starts empty pending recovery.
func (m *Manager) persistNewVault(ctx context.Context, mnemonic string, password []byte, withFirstIdentity bool) error {
	seed, err := hdkeys.SeedFromMnemonic(mnemonic)
	if err != nil {
		return err
	}
	defer common.WipeByteArray(seed)

	v := &Vault{Salt: common.GenerateRandByteArray(vaultcrypt.SaltLen)}

	if withFirstIdentity {
		kp, did, err := deriveAt(seed, 0)
		if err != nil {
			return err
		}
		kp.Wipe()
		v.Identities = []IdentityRecord{{DID: did, DerivationIndex: 0, ProfileName: "Account 1"}}
		v.Settings.NextAccountIndex = 1
	}

	key := vaultcrypt.DeriveKey(password, v.Salt)
	defer common.WipeByteArray(key)

	v.EncryptedSeed, v.Nonce, err = vaultcrypt.Encrypt([]byte(mnemonic), key)
	if err != nil {
		return err
	}

	sum, err := m.saveVault(ctx, v)
	if err != nil {
		return err
	}

	return m.saveSession(ctx, &Session{
		DecryptedSeed:       seed,
		ActiveIdentityIndex: v.Settings.ActiveIdentityIndex,
		JWTByDID:            map[string]string{},
		VaultSum:            sum,
	})
}

// Unlock decrypts the stored mnemonic with the supplied password and
// populates the session. A wrong password and a tampered ciphertext are
// indistinguishable (ErrWrongPassword); a ciphertext that decrypts to
// something that is not a valid mnemonic is ErrVaultCorrupted. Both
// leave the vault locked.
func (m *Manager) Unlock(ctx context.Context, password []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, sum, err := m.loadVault(ctx)
	if err != nil {
		return err
	}

	key := vaultcrypt.DeriveKey(password, v.Salt)
	defer common.WipeByteArray(key)

	plain, err := vaultcrypt.Decrypt(v.EncryptedSeed, v.Nonce, key)
	if err != nil {
		return err
	}
	defer common.WipeByteArray(plain)

	mnemonic := string(plain)
	if !hdkeys.ValidateMnemonic(mnemonic) {
		_ = m.clearSession(ctx)
		return common.ErrVaultCorrupted
	}

	seed, err := hdkeys.SeedFromMnemonic(mnemonic)
	if err != nil {
		return common.ErrVaultCorrupted
	}
	defer common.WipeByteArray(seed)

	err = m.saveSession(ctx, &Session{
		DecryptedSeed:       seed,
		ActiveIdentityIndex: v.Settings.ActiveIdentityIndex,
		JWTByDID:            map[string]string{},
		VaultSum:            sum,
	})
	if err != nil {
		return err
	}

	m.logger.Info(ctx, "vault unlocked")
	return nil
}

// Lock wipes the ephemeral session, including all cached per-identity
// JWTs. Idempotent.
func (m *Manager) Lock(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.clearSession(ctx); err != nil {
		return err
	}
	m.logger.Info(ctx, "vault locked")
	return nil
}

// Wipe removes the vault and the session entirely. Only invoked on an
// explicit user request; there is no way back except Import.
func (m *Manager) Wipe(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.clearSession(ctx); err != nil {
		return err
	}
	if err := m.tiers.Durable.Delete(ctx, vaultKey); err != nil && !errors.Is(err, common.ErrNotFound) {
		return err
	}
	m.logger.Warn(ctx, "vault wiped")
	return nil
}

// Identities lists the identity registry. Requires an unlocked vault.
func (m *Manager) Identities(ctx context.Context) ([]IdentityRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, v, _, err := m.unlockedState(ctx)
	if err != nil {
		return nil, err
	}
	sess.Wipe()

	out := make([]IdentityRecord, len(v.Identities))
	copy(out, v.Identities)
	return out, nil
}

// ActiveIdentity returns the record of the currently active identity.
func (m *Manager) ActiveIdentity(ctx context.Context) (*IdentityRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, v, _, err := m.unlockedState(ctx)
	if err != nil {
		return nil, err
	}
	defer sess.Wipe()

	rec := v.identityByIndex(sess.ActiveIdentityIndex)
	if rec == nil {
		return nil, common.ErrIdentityNotFound
	}
	out := *rec
	return &out, nil
}

// SetActiveIdentity switches the active identity to the record owning
// did, both in the session and in the durable settings.
func (m *Manager) SetActiveIdentity(ctx context.Context, did string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, v, _, err := m.unlockedState(ctx)
	if err != nil {
		return err
	}
	defer sess.Wipe()

	rec := v.identityByDID(did)
	if rec == nil {
		return common.ErrIdentityNotFound
	}

	v.Settings.ActiveIdentityIndex = rec.DerivationIndex
	sum, err := m.saveVault(ctx, v)
	if err != nil {
		return err
	}

	sess.ActiveIdentityIndex = rec.DerivationIndex
	sess.VaultSum = sum
	return m.saveSession(ctx, sess)
}

// TokenForActiveDID returns the active identity's DID and its cached
// session token. ErrNotAuthenticated when no usable token is cached.
func (m *Manager) TokenForActiveDID(ctx context.Context) (string, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, v, _, err := m.unlockedState(ctx)
	if err != nil {
		return "", "", err
	}
	defer sess.Wipe()

	rec := v.identityByIndex(sess.ActiveIdentityIndex)
	if rec == nil {
		return "", "", common.ErrIdentityNotFound
	}

	token := sess.JWTByDID[rec.DID]
	if !identity.TokenUsable(token) {
		return "", "", common.ErrNotAuthenticated
	}
	return rec.DID, token, nil
}

// SignWithActiveIdentity signs msg with the active identity's derived
// private key. The key exists only for the duration of the call.
func (m *Manager) SignWithActiveIdentity(ctx context.Context, msg []byte) (string, []byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, v, _, err := m.unlockedState(ctx)
	if err != nil {
		return "", nil, err
	}
	defer sess.Wipe()

	rec := v.identityByIndex(sess.ActiveIdentityIndex)
	if rec == nil {
		return "", nil, common.ErrIdentityNotFound
	}

	kp, did, err := deriveAt(sess.DecryptedSeed, rec.DerivationIndex)
	if err != nil {
		return "", nil, err
	}
	defer kp.Wipe()

	if did != rec.DID {
		return "", nil, common.ErrVaultCorrupted
	}
	return did, hdkeys.Sign(kp.PrivateKey, msg), nil
}

// RegisterActiveIdentity registers the active identity with the remote
// service and stores the returned profile and session token. Used right
// after Create, and to claim recovered accounts on a new instance.
func (m *Manager) RegisterActiveIdentity(ctx context.Context, profile identity.Profile, claimCode string) (*IdentityRecord, error) {
	kp, did, err := m.activeKeyPair(ctx)
	if err != nil {
		return nil, err
	}
	defer kp.Wipe()

	// Network call runs outside the lock; Lock may win meanwhile.
	id, token, err := m.remote.Register(ctx, did, kp, profile, claimCode)
	if err != nil {
		return nil, err
	}

	return m.applyRemoteIdentity(ctx, did, id, token)
}

// UpdateIdentityProfile signs and submits a profile update for did,
// which must be the currently active identity, and persists the
// server-confirmed record. A refreshed credential in the response
// replaces the cached one.
func (m *Manager) UpdateIdentityProfile(ctx context.Context, did string, profile identity.Profile) (*IdentityRecord, error) {
	kp, token, err := m.keyPairForUpdate(ctx, did)
	if err != nil {
		return nil, err
	}
	defer kp.Wipe()

	// Network call runs outside the lock; Lock may win meanwhile.
	id, newToken, err := m.remote.UpdateProfile(ctx, did, kp, profile, token)
	if err != nil {
		return nil, err
	}

	return m.applyRemoteIdentity(ctx, did, id, newToken)
}

// RecoverIdentities scans derivation indices for registered accounts
// and merges them into the registry with placeholder profile names.
func (m *Manager) RecoverIdentities(ctx context.Context) ([]IdentityRecord, error) {
	seed, err := m.seedCopy(ctx)
	if err != nil {
		return nil, err
	}
	defer common.WipeByteArray(seed)

	// The scan may take many network round-trips; it runs outside the
	// lock against a private copy of the seed.
	result, err := m.scanner.Scan(ctx, seed)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	sess, v, _, err := m.unlockedState(ctx)
	if err != nil {
		return nil, err
	}
	defer sess.Wipe()

	hadIdentities := len(v.Identities) > 0

	var added []IdentityRecord
	for _, r := range result.Identities {
		if v.identityByIndex(r.Index) != nil {
			continue
		}
		rec := IdentityRecord{
			DID:             r.DID,
			DerivationIndex: r.Index,
			ProfileName:     fmt.Sprintf("Account %d", r.Index+1),
			InstanceStatus:  r.InstanceStatus,
		}
		v.Identities = append(v.Identities, rec)
		added = append(added, rec)
	}

	if result.NextAccountIndex > v.Settings.NextAccountIndex {
		v.Settings.NextAccountIndex = result.NextAccountIndex
	}
	if !hadIdentities && len(v.Identities) > 0 {
		v.Settings.ActiveIdentityIndex = v.Identities[0].DerivationIndex
	}

	sum, err := m.saveVault(ctx, v)
	if err != nil {
		return nil, err
	}

	sess.ActiveIdentityIndex = v.Settings.ActiveIdentityIndex
	sess.VaultSum = sum
	if err := m.saveSession(ctx, sess); err != nil {
		return nil, err
	}

	m.logger.Info(ctx, "identities recovered", "added", len(added))
	return added, nil
}

// CreateIdentity derives a new account at NextAccountIndex, registers
// it remotely and makes it active. The index advances monotonically
// whether or not the account is ever used again.
func (m *Manager) CreateIdentity(ctx context.Context, profile identity.Profile, claimCode string) (*IdentityRecord, error) {
	m.mu.Lock()
	sess, v, _, err := m.unlockedState(ctx)
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}

	index := v.Settings.NextAccountIndex
	kp, did, err := deriveAt(sess.DecryptedSeed, index)
	sess.Wipe()
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}
	defer kp.Wipe()

	id, token, err := m.remote.Register(ctx, did, kp, profile, claimCode)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	sess, v, _, err = m.unlockedState(ctx)
	if err != nil {
		return nil, err
	}
	defer sess.Wipe()

	if v.Settings.NextAccountIndex != index || v.identityByIndex(index) != nil {
		// Another creation raced us while the network call was in
		// flight; the registration stands remotely but is not recorded
		// twice locally.
		return nil, common.ErrRegistrationConflict
	}

	rec := IdentityRecord{
		DID:               did,
		DerivationIndex:   index,
		ProfileName:       id.Name,
		ProfilePictureURL: id.PictureURL,
		InstanceURL:       id.InstanceURL,
		InstanceStatus:    id.InstanceStatus,
		IsAdmin:           id.IsAdmin,
	}
	v.Identities = append(v.Identities, rec)
	v.Settings.NextAccountIndex = index + 1
	v.Settings.ActiveIdentityIndex = index

	sum, err := m.saveVault(ctx, v)
	if err != nil {
		return nil, err
	}

	sess.ActiveIdentityIndex = index
	if token != "" {
		sess.JWTByDID[did] = token
	}
	sess.VaultSum = sum
	if err := m.saveSession(ctx, sess); err != nil {
		return nil, err
	}

	return &rec, nil
}

// --- helpers ---

func (m *Manager) loadVault(ctx context.Context) (*Vault, string, error) {
	raw, err := m.tiers.Durable.Get(ctx, vaultKey)
	if err != nil {
		if errors.Is(err, common.ErrNotFound) {
			return nil, "", common.ErrNoVault
		}
		return nil, "", err
	}

	var v Vault
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, "", common.ErrVaultCorrupted
	}
	return &v, vaultSum(raw), nil
}

func (m *Manager) saveVault(ctx context.Context, v *Vault) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	if err := m.tiers.Durable.Set(ctx, vaultKey, raw); err != nil {
		return "", err
	}
	return vaultSum(raw), nil
}

// unlockedState loads the session and the vault and verifies the
// session still belongs to the stored vault. Callers must hold the
// mutex and wipe the returned session. Any mismatch tears the session
// down: lock() and out-of-band vault edits are both authoritative.
func (m *Manager) unlockedState(ctx context.Context) (*Session, *Vault, string, error) {
	sess, err := m.loadSession(ctx)
	if err != nil {
		return nil, nil, "", err
	}

	v, sum, err := m.loadVault(ctx)
	if err != nil {
		sess.Wipe()
		_ = m.clearSession(ctx)
		return nil, nil, "", err
	}

	if sess.VaultSum != sum {
		sess.Wipe()
		_ = m.clearSession(ctx)
		return nil, nil, "", common.ErrVaultLocked
	}
	return sess, v, sum, nil
}

// seedCopy returns a caller-owned copy of the session seed.
func (m *Manager) seedCopy(ctx context.Context) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, _, _, err := m.unlockedState(ctx)
	if err != nil {
		return nil, err
	}
	defer sess.Wipe()

	seed := make([]byte, len(sess.DecryptedSeed))
	copy(seed, sess.DecryptedSeed)
	return seed, nil
}

// activeKeyPair derives the active identity's keypair under the lock
// and hands it to the caller, who owns the wipe.
func (m *Manager) activeKeyPair(ctx context.Context) (*hdkeys.KeyPair, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, v, _, err := m.unlockedState(ctx)
	if err != nil {
		return nil, "", err
	}
	defer sess.Wipe()

	rec := v.identityByIndex(sess.ActiveIdentityIndex)
	if rec == nil {
		return nil, "", common.ErrIdentityNotFound
	}

	kp, did, err := deriveAt(sess.DecryptedSeed, rec.DerivationIndex)
	if err != nil {
		return nil, "", err
	}
	if did != rec.DID {
		kp.Wipe()
		return nil, "", common.ErrVaultCorrupted
	}
	return kp, did, nil
}

// keyPairForUpdate validates the preconditions of a profile update
// (unlocked, did is active, usable cached token) and derives the key.
func (m *Manager) keyPairForUpdate(ctx context.Context, did string) (*hdkeys.KeyPair, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, v, _, err := m.unlockedState(ctx)
	if err != nil {
		return nil, "", err
	}
	defer sess.Wipe()

	rec := v.identityByDID(did)
	if rec == nil {
		return nil, "", common.ErrIdentityNotFound
	}
	if rec.DerivationIndex != sess.ActiveIdentityIndex {
		return nil, "", common.ErrIdentityNotActive
	}

	token := sess.JWTByDID[did]
	if !identity.TokenUsable(token) {
		return nil, "", common.ErrNotAuthenticated
	}

	kp, derivedDID, err := deriveAt(sess.DecryptedSeed, rec.DerivationIndex)
	if err != nil {
		return nil, "", err
	}
	if derivedDID != did {
		kp.Wipe()
		return nil, "", common.ErrVaultCorrupted
	}
	return kp, token, nil
}

// applyRemoteIdentity persists the server-confirmed identity and the
// (possibly refreshed) token after a network call. The session is
// re-checked here: if the vault was locked while the request was in
// flight the result is discarded.
func (m *Manager) applyRemoteIdentity(ctx context.Context, did string, id *identity.Identity, token string) (*IdentityRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, v, _, err := m.unlockedState(ctx)
	if err != nil {
		return nil, err
	}
	defer sess.Wipe()

	rec := v.identityByDID(did)
	if rec == nil {
		return nil, common.ErrIdentityNotFound
	}

	rec.ProfileName = id.Name
	rec.ProfilePictureURL = id.PictureURL
	if id.InstanceURL != "" {
		rec.InstanceURL = id.InstanceURL
	}
	if id.InstanceStatus != "" {
		rec.InstanceStatus = id.InstanceStatus
	}
	rec.IsAdmin = id.IsAdmin

	sum, err := m.saveVault(ctx, v)
	if err != nil {
		return nil, err
	}

	if token != "" {
		sess.JWTByDID[did] = token
	}
	sess.VaultSum = sum
	if err := m.saveSession(ctx, sess); err != nil {
		return nil, err
	}

	out := *rec
	return &out, nil
}

// deriveAt derives the keypair and DID at index from a seed.
func deriveAt(seed []byte, index uint32) (*hdkeys.KeyPair, string, error) {
	mk, err := hdkeys.MasterKeyFromSeed(seed)
	if err != nil {
		return nil, "", err
	}
	defer mk.Wipe()

	kp, err := hdkeys.DeriveChildKeyPair(mk, index)
	if err != nil {
		return nil, "", err
	}
	return kp, hdkeys.DIDFromPublicKey(kp.PublicKey), nil
}
