// Package hashutil includes all hash-function related helpers for the
// approval service.
package hashutil

import (
	"crypto/sha256"
	"encoding/hex"
)

// Hash defines a function that returns the sha256 checksum of the data passed in.
func Hash(data []byte) [32]byte {
	return sha256.Sum256(data)
}

// HashHex returns the hex-encoded sha256 checksum of the data passed in.
// Version content digests are stored in this form.
func HashHex(data []byte) string {
	h := Hash(data)
	return hex.EncodeToString(h[:])
}
