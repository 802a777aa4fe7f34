package security

import (
	"crypto/rand"
	"encoding/base64"
)

// TokenBytes is the entropy of session ids, refresh tokens and CSRF tokens (256 bits).
const TokenBytes = 32

// RandomToken returns n random bytes encoded as unpadded base64url.
func RandomToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
