package utils

import (
	"crypto/sha256"
	"encoding/hex"
)

// HashString returns the hex sha256 of input. Cache keys depend on it staying stable.
func HashString(input string) string {
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])
}

// ShortHash is the first n hex characters of HashString, for log fields and ids.
func ShortHash(input string, n int) string {
	h := HashString(input)
	if n <= 0 || n >= len(h) {
		return h
	}
	return h[:n]
}
