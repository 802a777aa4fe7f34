// Package kek wraps secret material (OTP seeds, private signing keys, handshake identities) at rest.
//
// Ciphertext layout: version(1) || nonce(24) || XChaCha20-Poly1305 sealed box.
// The 256-bit key is derived from KEK_SECRET with HKDF-SHA256.
package kek

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const version1 byte = 1

var (
	// ErrUnavailable is returned by every operation when no KEK secret is configured.
	ErrUnavailable = errors.New("kek: unavailable")
	// ErrInvalidCiphertext is returned for truncated, unknown-version or tampered input.
	ErrInvalidCiphertext = errors.New("kek: invalid ciphertext")
)

// Service is the key-encryption capability.
type Service interface {
	Encrypt(plaintext []byte) ([]byte, error)
	Decrypt(ciphertext []byte) ([]byte, error)
	IsAvailable() bool
}

// AEAD is the KEK backed by a derived XChaCha20-Poly1305 key.
type AEAD struct {
	key [chacha20poly1305.KeySize]byte
}

var hkdfSalt = []byte("opaque-idp/kek/v1")

// New derives the wrapping key from secret. secret must be non-empty.
func New(secret string) (*AEAD, error) {
	if secret == "" {
		return nil, ErrUnavailable
	}
	a := &AEAD{}
	r := hkdf.New(sha256.New, []byte(secret), hkdfSalt, []byte("key-encryption-key"))
	if _, err := io.ReadFull(r, a.key[:]); err != nil {
		return nil, fmt.Errorf("kek: derive key: %w", err)
	}
	return a, nil
}

// FromSecret returns an AEAD for a non-empty secret and Unavailable otherwise.
func FromSecret(secret string) Service {
	if secret == "" {
		return Unavailable{}
	}
	a, err := New(secret)
	if err != nil {
		return Unavailable{}
	}
	return a
}

func (a *AEAD) IsAvailable() bool { return true }

func (a *AEAD) Encrypt(plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(a.key[:])
	if err != nil {
		return nil, fmt.Errorf("kek: cipher: %w", err)
	}
	out := make([]byte, 1+aead.NonceSize(), 1+aead.NonceSize()+len(plaintext)+aead.Overhead())
	out[0] = version1
	if _, err := rand.Read(out[1:]); err != nil {
		return nil, fmt.Errorf("kek: nonce: %w", err)
	}
	nonce := out[1:]
	return aead.Seal(out, nonce, plaintext, []byte{version1}), nil
}

func (a *AEAD) Decrypt(ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(a.key[:])
	if err != nil {
		return nil, fmt.Errorf("kek: cipher: %w", err)
	}
	if len(ciphertext) < 1+aead.NonceSize()+aead.Overhead() || ciphertext[0] != version1 {
		return nil, ErrInvalidCiphertext
	}
	nonce := ciphertext[1 : 1+aead.NonceSize()]
	plain, err := aead.Open(nil, nonce, ciphertext[1+aead.NonceSize():], ciphertext[:1])
	if err != nil {
		return nil, ErrInvalidCiphertext
	}
	return plain, nil
}

// Unavailable is the KEK when no secret is configured. Every call fails with ErrUnavailable.
type Unavailable struct{}

func (Unavailable) IsAvailable() bool              { return false }
func (Unavailable) Encrypt([]byte) ([]byte, error) { return nil, ErrUnavailable }
func (Unavailable) Decrypt([]byte) ([]byte, error) { return nil, ErrUnavailable }
