// Package checksum fingerprints file and asset contents.
package checksum

import (
	"crypto/sha256"
	"encoding/hex"
)

// Sum returns the hex-encoded SHA-256 digest of data.
func Sum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// Name returns a content-addressed name for data: the first 32 hex digits of
// its digest followed by ext.
func Name(data []byte, ext string) string {
	return Sum(data)[:32] + ext
}
