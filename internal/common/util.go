package common

import (
	"crypto/rand"
	"encoding/hex"
)

// GenerateRandByteArray returns n cryptographically secure random bytes.
// It panics only if the platform entropy source is broken, which is not
// a recoverable condition.
func GenerateRandByteArray(n int) []byte {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	return buf
}

// MakeRandHexString returns a hex string encoding n random bytes
// (so the result is 2*n characters long).
func MakeRandHexString(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// WipeByteArray overwrites the buffer with zeros. It is a best-effort
// scrub for sensitive material (seeds, private keys, passwords) and is
// safe to call on a nil slice.
func WipeByteArray(buf []byte) {
	for i := range buf {
		buf[i] = 0
	}
}
