package security

import (
	"crypto/sha256"
	"encoding/hex"
)

// TokenDigest returns the hex-encoded SHA-256 digest of a token or code
// value. Persistent stores index rows by digest so that a leaked database
// snapshot does not expose usable bearer credentials; lookups hash the
// presented value and compare digests.
func TokenDigest(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])
}
