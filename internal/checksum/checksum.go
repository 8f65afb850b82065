// Package checksum computes the content hashes used for change detection.
// Every hash in the index is the hex SHA-256 of the raw file bytes.
package checksum

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
)

// Sum returns the hex-encoded SHA-256 digest of data.
func Sum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// SumString is Sum over a string.
func SumString(s string) string {
	return Sum([]byte(s))
}

// SumReader hashes r to EOF and returns the digest with the byte count.
func SumReader(r io.Reader) (string, int64, error) {
	h := sha256.New()
	n, err := io.Copy(h, r)
	if err != nil {
		return "", n, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}
