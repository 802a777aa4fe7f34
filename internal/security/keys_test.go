package security

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"testing"
)

func TestES256Key_PEMRoundTrip(t *testing.T) {
	key, err := GenerateES256Key()
	if err != nil {
		t.Fatalf("GenerateES256Key: %v", err)
	}
	privPEM, err := EncodePrivateKeyPEM(key)
	if err != nil {
		t.Fatalf("EncodePrivateKeyPEM: %v", err)
	}
	pubPEM, err := EncodePublicKeyPEM(key.Public())
	if err != nil {
		t.Fatalf("EncodePublicKeyPEM: %v", err)
	}

	signer, err := ParsePrivateKey(privPEM)
	if err != nil {
		t.Fatalf("ParsePrivateKey: %v", err)
	}
	ec, ok := signer.(*ecdsa.PrivateKey)
	if !ok || !ec.Equal(key) {
		t.Fatal("parsed private key does not match")
	}
	pub, err := ParsePublicKey(pubPEM)
	if err != nil {
		t.Fatalf("ParsePublicKey: %v", err)
	}
	if !key.PublicKey.Equal(pub) {
		t.Fatal("parsed public key does not match")
	}
	if KeyAlg(pub) != "ES256" {
		t.Errorf("KeyAlg = %q, want ES256", KeyAlg(pub))
	}
}

func TestParseKeys_Invalid(t *testing.T) {
	if _, err := ParsePrivateKey([]byte("not pem")); err != ErrInvalidKey {
		t.Errorf("ParsePrivateKey(garbage) err = %v", err)
	}
	if _, err := ParsePublicKey([]byte("not pem")); err != ErrInvalidKey {
		t.Errorf("ParsePublicKey(garbage) err = %v", err)
	}
	key, _ := GenerateES256Key()
	privPEM, _ := EncodePrivateKeyPEM(key)
	if _, err := ParsePublicKey(privPEM); err != ErrInvalidKey {
		t.Errorf("ParsePublicKey(private block) err = %v", err)
	}
}

func TestKeyAlg(t *testing.T) {
	rsaKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	if KeyAlg(&rsaKey.PublicKey) != "RS256" {
		t.Error("RSA should map to RS256")
	}
	p384, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	if KeyAlg(&p384.PublicKey) != "" {
		t.Error("P-384 is not ES256")
	}
	if KeyAlg("nope") != "" {
		t.Error("unknown key type should map to empty")
	}
}
