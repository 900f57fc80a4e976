// Package vaultcrypt wraps and unwraps the vault's secret material:
// an argon2id key derived from the user's password and a random salt,
// and AES-256-GCM for the ciphertext at rest.
//
// A failed GCM open is the only wrong-password signal. The check is a
// constant-time authentication tag comparison, and callers are never
// told which part of the decryption failed.
package vaultcrypt

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"

	"github.com/identkit/idagent/internal/common"
	"golang.org/x/crypto/argon2"
)

// Argon2id parameters. Changing these invalidates existing vaults, so
// they are fixed.
const (
	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
	keyLen       = 32
)

// SaltLen is the length of the random salt stored alongside the vault.
const SaltLen = 32

const nonceLen = 12

// DeriveKey stretches a password into a 32-byte encryption key.
func DeriveKey(password, salt []byte) []byte {
	return argon2.IDKey(password, salt, argonTime, argonMemory, argonThreads, keyLen)
}

// Encrypt seals plaintext under key with a fresh random nonce.
// The ciphertext and nonce are returned separately and are both stored
// in the vault record.
func Encrypt(plaintext, key []byte) (ciphertext, nonce []byte, err error) {
	nonce = make([]byte, nonceLen)
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", common.ErrEntropy, err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, nil, err
	}
	aesgcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, err
	}

	return aesgcm.Seal(nil, nonce, plaintext, nil), nonce, nil
}

// Decrypt opens ciphertext with the key derived from the supplied
// password. Authentication failure surfaces as common.ErrWrongPassword;
// a corrupted vault and a wrong password are indistinguishable here by
// design.
func Decrypt(ciphertext, nonce, key []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aesgcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	plaintext, err := aesgcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, common.ErrWrongPassword
	}
	return plaintext, nil
}
