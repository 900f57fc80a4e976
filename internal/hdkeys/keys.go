package hdkeys

import (
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/binary"
	"fmt"

	"github.com/identkit/idagent/internal/common"
	"github.com/tyler-smith/go-bip39"
)

// Derivation path constants: m / purpose' / coinType' / account'.
// All levels are hardened; ed25519 SLIP-0010 only defines hardened
// derivation.
const (
	purposeIndex  uint32 = 44
	coinTypeIndex uint32 = 7564
)

const hardenedOffset uint32 = 0x80000000

// slip10Key is the HMAC key that seeds the ed25519 SLIP-0010 tree.
var slip10Key = []byte("ed25519 seed")

// MasterKey is an intermediate HD node. It never leaves the process and
// must be wiped after the child keypair has been derived.
type MasterKey struct {
	key       []byte
	chainCode []byte
}

// Wipe overwrites the node's key material.
func (m *MasterKey) Wipe() {
	if m == nil {
		return
	}
	common.WipeByteArray(m.key)
	common.WipeByteArray(m.chainCode)
}

// KeyPair is a derived per-account signing keypair.
type KeyPair struct {
	Index      uint32
	PrivateKey ed25519.PrivateKey
	PublicKey  ed25519.PublicKey
}

// Wipe overwrites the private key. The public key is not secret.
func (k *KeyPair) Wipe() {
	if k == nil {
		return
	}
	common.WipeByteArray(k.PrivateKey)
}

// GenerateMnemonic returns a fresh BIP39 mnemonic of the requested word
// count (12, 15, 18, 21 or 24). Fails with common.ErrValidation on an
// unsupported word count and common.ErrEntropy if the entropy source is
// unavailable.
func GenerateMnemonic(wordCount int) (string, error) {
	if wordCount < 12 || wordCount > 24 || wordCount%3 != 0 {
		return "", fmt.Errorf("%w: unsupported word count %d", common.ErrValidation, wordCount)
	}

	entropy, err := bip39.NewEntropy(wordCount / 3 * 32)
	if err != nil {
		return "", fmt.Errorf("%w: %v", common.ErrEntropy, err)
	}

	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return "", fmt.Errorf("%w: %v", common.ErrEntropy, err)
	}
	return mnemonic, nil
}

// ValidateMnemonic reports whether m passes the BIP39 wordlist and
// checksum checks. It accepts everything GenerateMnemonic produces.
func ValidateMnemonic(m string) bool {
	return bip39.IsMnemonicValid(m)
}

// SeedFromMnemonic derives the deterministic 64-byte BIP39 seed
// (empty passphrase). Fails with common.ErrInvalidMnemonic.
func SeedFromMnemonic(m string) ([]byte, error) {
	seed, err := bip39.NewSeedWithErrorChecking(m, "")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrInvalidMnemonic, err)
	}
	return seed, nil
}

// MasterKeyFromSeed computes the SLIP-0010 ed25519 master node.
func MasterKeyFromSeed(seed []byte) (*MasterKey, error) {
	if len(seed) < 16 {
		return nil, fmt.Errorf("%w: seed too short", common.ErrValidation)
	}

	mac := hmac.New(sha512.New, slip10Key)
	mac.Write(seed)
	sum := mac.Sum(nil)

	return &MasterKey{key: sum[:32], chainCode: sum[32:]}, nil
}

// DeriveChildKeyPair derives the signing keypair for the given account
// index along m/44'/7564'/index'. Derivation is deterministic: the same
// (seed, index) always yields the same keypair.
func DeriveChildKeyPair(mk *MasterKey, index uint32) (*KeyPair, error) {
	if index >= hardenedOffset {
		return nil, fmt.Errorf("%w: account index %d out of range", common.ErrValidation, index)
	}

	var kp *KeyPair
	withAccountNode(mk, index, func(node *MasterKey) {
		priv := ed25519.NewKeyFromSeed(node.key)
		pub := make(ed25519.PublicKey, ed25519.PublicKeySize)
		copy(pub, priv[ed25519.SeedSize:])
		kp = &KeyPair{Index: index, PrivateKey: priv, PublicKey: pub}
	})
	return kp, nil
}

// withAccountNode walks m/44'/7564'/index', hands the account node to
// fn, and wipes it together with every intermediate node. node is
// reassigned per step, so the deferred call must resolve it at return
// time rather than binding the initial copy.
func withAccountNode(mk *MasterKey, index uint32, fn func(node *MasterKey)) {
	node := &MasterKey{
		key:       append([]byte(nil), mk.key...),
		chainCode: append([]byte(nil), mk.chainCode...),
	}
	defer func() { node.Wipe() }()

	for _, i := range []uint32{purposeIndex, coinTypeIndex, index} {
		next := deriveHardened(node, i)
		node.Wipe()
		node = next
	}

	fn(node)
}

// deriveHardened computes one hardened SLIP-0010 step:
// HMAC-SHA512(chainCode, 0x00 || key || ser32(i + 2^31)).
func deriveHardened(node *MasterKey, index uint32) *MasterKey {
	data := make([]byte, 0, 1+32+4)
	data = append(data, 0x00)
	data = append(data, node.key...)
	data = binary.BigEndian.AppendUint32(data, index+hardenedOffset)

	mac := hmac.New(sha512.New, node.chainCode)
	mac.Write(data)
	sum := mac.Sum(nil)
	common.WipeByteArray(data)

	return &MasterKey{key: sum[:32], chainCode: sum[32:]}
}

// Sign signs msg with the derived private key.
func Sign(priv ed25519.PrivateKey, msg []byte) []byte {
	return ed25519.Sign(priv, msg)
}

// Verify reports whether sig is a valid signature of msg under pub.
func Verify(pub ed25519.PublicKey, msg, sig []byte) bool {
	return ed25519.Verify(pub, msg, sig)
}
