package security

import (
	"crypto/sha256"
	"encoding/hex"
	"testing"
)

func TestRefreshHasher_Consistent(t *testing.T) {
	h := NewRefreshHasher("pepper")
	token := "test-refresh-token-123"
	if h.Hash(token) != h.Hash(token) {
		t.Error("Hash not consistent")
	}
	if len(h.Hash(token)) != 64 {
		t.Errorf("hash length = %d, want 64", len(h.Hash(token)))
	}
	if h.Hash("token-1") == h.Hash("token-2") {
		t.Error("different tokens produced the same hash")
	}
}

func TestRefreshHasher_PepperChangesHash(t *testing.T) {
	token := "test-refresh-token-456"
	a := NewRefreshHasher("pepper-a").Hash(token)
	b := NewRefreshHasher("pepper-b").Hash(token)
	if a == b {
		t.Error("different peppers should produce different hashes")
	}
	sum := sha256.Sum256([]byte(token))
	if a == hex.EncodeToString(sum[:]) {
		t.Error("peppered hash should not equal plain SHA-256")
	}
}

func TestRefreshHasher_NoPepperIsSHA256(t *testing.T) {
	token := "dev-token"
	sum := sha256.Sum256([]byte(token))
	if got := NewRefreshHasher("").Hash(token); got != hex.EncodeToString(sum[:]) {
		t.Errorf("Hash = %q, want plain SHA-256", got)
	}
}

func TestRefreshHasher_Equal(t *testing.T) {
	h := NewRefreshHasher("pepper")
	stored := h.Hash("right")
	if !h.Equal("right", stored) {
		t.Error("Equal should match the stored hash")
	}
	if h.Equal("wrong", stored) {
		t.Error("Equal should reject a different token")
	}
	if h.Equal("right", "") {
		t.Error("Equal should reject an empty stored hash")
	}
}

func TestRandomToken(t *testing.T) {
	a, err := RandomToken(TokenBytes)
	if err != nil {
		t.Fatal(err)
	}
	b, _ := RandomToken(TokenBytes)
	if a == b {
		t.Error("tokens should differ")
	}
	if len(a) != 43 {
		t.Errorf("len = %d, want 43 for 32 bytes base64url", len(a))
	}
}
