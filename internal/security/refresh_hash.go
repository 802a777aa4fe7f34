package security

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
)

// RefreshHasher hashes refresh tokens for storage. With a pepper the hash is
// HMAC-SHA256 so a leaked sessions table cannot be checked offline; without one
// it is plain SHA-256 (development only).
type RefreshHasher struct {
	pepper []byte
}

// NewRefreshHasher returns a hasher keyed by pepper. An empty pepper selects SHA-256.
func NewRefreshHasher(pepper string) RefreshHasher {
	if pepper == "" {
		return RefreshHasher{}
	}
	return RefreshHasher{pepper: []byte(pepper)}
}

// Hash returns the hex-encoded hash of token.
func (h RefreshHasher) Hash(token string) string {
	if len(h.pepper) == 0 {
		sum := sha256.Sum256([]byte(token))
		return hex.EncodeToString(sum[:])
	}
	mac := hmac.New(sha256.New, h.pepper)
	mac.Write([]byte(token))
	return hex.EncodeToString(mac.Sum(nil))
}

// Equal performs constant-time comparison of the provided token's hash with storedHash.
func (h RefreshHasher) Equal(providedToken, storedHash string) bool {
	return subtle.ConstantTimeCompare([]byte(h.Hash(providedToken)), []byte(storedHash)) == 1
}
