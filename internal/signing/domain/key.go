package domain

import "time"

// Key is a stored signing keypair. Exactly one of PrivateCiphertext (KEK-wrapped PKCS#8 PEM)
// or PrivatePlain (insecure mode) is set.
type Key struct {
	Kid               string
	Algorithm         string
	PublicPEM         string
	PrivateCiphertext []byte
	PrivatePlain      string
	CreatedAt         time.Time
	RotatedAt         *time.Time // set once a newer key supersedes this one
}

// KeyInfo is the public description of a key, safe to list and log.
type KeyInfo struct {
	Kid       string
	Algorithm string
	CreatedAt time.Time
	RotatedAt *time.Time
	Wrapped   bool
}

// Info returns the public description of k.
func (k *Key) Info() KeyInfo {
	return KeyInfo{
		Kid:       k.Kid,
		Algorithm: k.Algorithm,
		CreatedAt: k.CreatedAt,
		RotatedAt: k.RotatedAt,
		Wrapped:   len(k.PrivateCiphertext) > 0,
	}
}
