package crypto

import (
	"crypto/sha256"
	"encoding/hex"
)

// PayloadHash returns the hex-encoded SHA-256 of the raw payload bytes.
func PayloadHash(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}
