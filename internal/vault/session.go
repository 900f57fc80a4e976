package vault

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/identkit/idagent/internal/common"
)

// Session is the ephemeral unlocked state. It lives only in the session
// storage tier and must never outlive the process; the host clears the
// tier on restart, and Lock clears it explicitly.
type Session struct {
	DecryptedSeed       []byte            `json:"decryptedSeed"`
	ActiveIdentityIndex uint32            `json:"activeIdentityIndex"`
	JWTByDID            map[string]string `json:"jwtByDid"`
	// VaultSum fingerprints the vault this session was unlocked from.
	// A mismatch on any later read means the vault changed out-of-band
	// and the session is torn down.
	VaultSum string `json:"vaultSum"`
}

// Wipe scrubs the in-memory copy of the seed. The stored copy is
// removed by clearSession.
func (s *Session) Wipe() {
	if s == nil {
		return
	}
	common.WipeByteArray(s.DecryptedSeed)
}

// loadSession reads the session record, or common.ErrVaultLocked if
// none exists (locked and no-session are the same condition).
func (m *Manager) loadSession(ctx context.Context) (*Session, error) {
	raw, err := m.tiers.Session.Get(ctx, sessionKey)
	if err != nil {
		if errors.Is(err, common.ErrNotFound) {
			return nil, common.ErrVaultLocked
		}
		return nil, err
	}

	defer common.WipeByteArray(raw)

	var sess Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		// An unparseable session is torn down rather than trusted.
		_ = m.tiers.Session.Delete(ctx, sessionKey)
		return nil, common.ErrVaultLocked
	}
	return &sess, nil
}

func (m *Manager) saveSession(ctx context.Context, sess *Session) error {
	raw, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	err = m.tiers.Session.Set(ctx, sessionKey, raw)
	common.WipeByteArray(raw)
	return err
}

// clearSession removes the session record, wiping the stored seed and
// all cached per-identity JWTs with it. Idempotent.
func (m *Manager) clearSession(ctx context.Context) error {
	err := m.tiers.Session.Delete(ctx, sessionKey)
	if errors.Is(err, common.ErrNotFound) {
		return nil
	}
	return err
}
