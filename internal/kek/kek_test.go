package kek

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAEAD_RoundTrip(t *testing.T) {
	k, err := New("correct horse battery staple")
	require.NoError(t, err)
	require.True(t, k.IsAvailable())

	plain := []byte("JBSWY3DPEHPK3PXP")
	ct, err := k.Encrypt(plain)
	require.NoError(t, err)
	require.Equal(t, version1, ct[0])
	require.False(t, bytes.Contains(ct, plain))

	got, err := k.Decrypt(ct)
	require.NoError(t, err)
	require.Equal(t, plain, got)
}

func TestAEAD_NonceIsRandom(t *testing.T) {
	k, err := New("secret")
	require.NoError(t, err)
	a, err := k.Encrypt([]byte("same"))
	require.NoError(t, err)
	b, err := k.Encrypt([]byte("same"))
	require.NoError(t, err)
	require.NotEqual(t, a, b)
}

func TestAEAD_RejectsTamperingAndWrongKey(t *testing.T) {
	k, err := New("secret-one")
	require.NoError(t, err)
	other, err := New("secret-two")
	require.NoError(t, err)

	ct, err := k.Encrypt([]byte("private key"))
	require.NoError(t, err)

	_, err = other.Decrypt(ct)
	require.ErrorIs(t, err, ErrInvalidCiphertext)

	tampered := append([]byte(nil), ct...)
	tampered[len(tampered)-1] ^= 0xff
	_, err = k.Decrypt(tampered)
	require.ErrorIs(t, err, ErrInvalidCiphertext)

	badVersion := append([]byte(nil), ct...)
	badVersion[0] = 9
	_, err = k.Decrypt(badVersion)
	require.ErrorIs(t, err, ErrInvalidCiphertext)

	_, err = k.Decrypt([]byte{version1, 1, 2})
	require.ErrorIs(t, err, ErrInvalidCiphertext)
}

func TestFromSecret(t *testing.T) {
	svc := FromSecret("")
	require.False(t, svc.IsAvailable())
	_, err := svc.Encrypt([]byte("x"))
	require.ErrorIs(t, err, ErrUnavailable)
	_, err = svc.Decrypt([]byte("x"))
	require.ErrorIs(t, err, ErrUnavailable)

	require.True(t, FromSecret("s").IsAvailable())

	_, err = New("")
	require.ErrorIs(t, err, ErrUnavailable)
}
