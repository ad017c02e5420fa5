// Package auth handles the shared API token of the controller.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strings"
)

// HashKey returns a SHA-256 hash of the key.
func HashKey(key string) string {
	key = strings.TrimSpace(key)

	hash := sha256.Sum256([]byte(key))
	return hex.EncodeToString(hash[:])
}

// Matches reports whether presented hashes to hashed, in constant time.
// An empty presented token never matches.
func Matches(presented, hashed string) bool {
	if strings.TrimSpace(presented) == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(HashKey(presented)), []byte(hashed)) == 1
}
