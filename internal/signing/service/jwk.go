package service

import (
	"crypto/ecdsa"
	"encoding/base64"
)

func ecJWK(kid string, pub *ecdsa.PublicKey) JWK {
	j := JWK{Kty: "EC", Crv: "P-256", Kid: kid, Alg: "ES256", Use: "sig"}
	ecdhKey, err := pub.ECDH()
	if err != nil {
		return j
	}
	// Uncompressed point: 0x04 || X(32) || Y(32).
	point := ecdhKey.Bytes()
	if len(point) != 65 {
		return j
	}
	j.X = base64.RawURLEncoding.EncodeToString(point[1:33])
	j.Y = base64.RawURLEncoding.EncodeToString(point[33:])
	return j
}
