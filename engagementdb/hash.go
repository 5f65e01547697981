package engagementdb

import (
	"crypto/sha256"
	"encoding/hex"
)

// SHA256Hex returns the full hex SHA-256 digest of s.
func SHA256Hex(s string) string {
	return HashHex([]byte(s), 0)
}

// HashHex returns the hex SHA-256 digest of b, truncated to hexLen characters
// when 0 < hexLen < 64.
func HashHex(b []byte, hexLen int) string {
	sum := sha256.Sum256(b)
	full := hex.EncodeToString(sum[:])
	if hexLen <= 0 || hexLen >= len(full) {
		return full
	}
	return full[:hexLen]
}

// CodaIDForText derives the id a message is addressed by in Coda. Messages
// with identical text share a coda id.
func CodaIDForText(text string) string {
	return SHA256Hex(text)
}
