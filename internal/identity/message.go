package identity

import "strings"

// The signed challenge is the byte-exact, '|'-separated concatenation
// of the fields below, in this order. Client and server must agree on
// it byte for byte; do not reorder.

// RegisterMessage builds the challenge signed for registration.
// claimCode participates even when empty so both sides always hash the
// same number of fields.
func RegisterMessage(did, nonce, timestamp, claimCode string) []byte {
	return []byte(strings.Join([]string{did, nonce, timestamp, claimCode}, "|"))
}

// UpdateMessage builds the challenge signed for a profile update.
func UpdateMessage(did, nonce, timestamp string, profile Profile) []byte {
	return []byte(strings.Join([]string{did, nonce, timestamp, profile.Name, profile.PictureURL}, "|"))
}
