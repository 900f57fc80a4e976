package hdkeys

import (
	"crypto/ed25519"
	"fmt"
	"strings"

	"github.com/identkit/idagent/internal/common"
	"github.com/mr-tron/base58"
)

const didKeyPrefix = "did:key:z"

// multicodec prefix for an ed25519 public key (varint 0xed01).
var ed25519Multicodec = []byte{0xed, 0x01}

// DIDFromPublicKey returns the did:key identifier for an ed25519 public
// key: "did:key:z" followed by the base58btc encoding of the multicodec
// prefix and the raw key bytes. The mapping is deterministic and
// one-way apart from the embedded key itself.
func DIDFromPublicKey(pub ed25519.PublicKey) string {
	raw := make([]byte, 0, len(ed25519Multicodec)+len(pub))
	raw = append(raw, ed25519Multicodec...)
	raw = append(raw, pub...)
	return didKeyPrefix + base58.Encode(raw)
}

// PublicKeyFromDID extracts the ed25519 public key embedded in a
// did:key identifier. Used to verify signatures against a DID without
// any out-of-band key exchange.
func PublicKeyFromDID(did string) (ed25519.PublicKey, error) {
	encoded, ok := strings.CutPrefix(did, didKeyPrefix)
	if !ok {
		return nil, fmt.Errorf("%w: not a did:key identifier", common.ErrValidation)
	}

	raw, err := base58.Decode(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrValidation, err)
	}
	if len(raw) != len(ed25519Multicodec)+ed25519.PublicKeySize ||
		raw[0] != ed25519Multicodec[0] || raw[1] != ed25519Multicodec[1] {
		return nil, fmt.Errorf("%w: not an ed25519 did:key", common.ErrValidation)
	}

	return ed25519.PublicKey(raw[len(ed25519Multicodec):]), nil
}
