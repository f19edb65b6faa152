package jwks

import (
	"crypto/ecdsa"
	"crypto/rsa"
	"encoding/base64"
	"fmt"
	"math/big"
)

// JWK is a single JSON Web Key as published on a /.well-known/jwks.json
// endpoint. Only the fields AAP's RSA and EC signing keys need are
// represented.
type JWK struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Use string `json:"use,omitempty"`
	Alg string `json:"alg,omitempty"`

	// RSA
	N string `json:"n,omitempty"`
	E string `json:"e,omitempty"`

	// EC
	Crv string `json:"crv,omitempty"`
	X   string `json:"x,omitempty"`
	Y   string `json:"y,omitempty"`
}

// JWKSet is the top-level JWKS document shape.
type JWKSet struct {
	Keys []JWK `json:"keys"`
}

// KeySet holds the Authorization Server's active signing key and exports
// its public half as a JWK set, resolving the reference server's stub
// jwks.json endpoint (which always returned an empty key list).
type KeySet struct {
	kid string
	pub any
	alg string
}

// NewKeySet wraps a public key plus its kid and signing algorithm name
// ("RS256" or "ES256") for JWK export.
func NewKeySet(kid, alg string, pub any) *KeySet {
	return &KeySet{kid: kid, alg: alg, pub: pub}
}

// Export renders the active key as a one-element JWKS document.
func (k *KeySet) Export() (JWKSet, error) {
	switch pub := k.pub.(type) {
	case *rsa.PublicKey:
		return JWKSet{Keys: []JWK{{
			Kty: "RSA",
			Kid: k.kid,
			Use: "sig",
			Alg: k.alg,
			N:   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
			E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
		}}}, nil
	case *ecdsa.PublicKey:
		size := (pub.Curve.Params().BitSize + 7) / 8
		return JWKSet{Keys: []JWK{{
			Kty: "EC",
			Kid: k.kid,
			Use: "sig",
			Alg: k.alg,
			Crv: pub.Curve.Params().Name,
			X:   base64.RawURLEncoding.EncodeToString(padBytes(pub.X.Bytes(), size)),
			Y:   base64.RawURLEncoding.EncodeToString(padBytes(pub.Y.Bytes(), size)),
		}}}, nil
	default:
		return JWKSet{}, fmt.Errorf("jwks: unsupported public key type %T", pub)
	}
}

func padBytes(b []byte, size int) []byte {
	if len(b) >= size {
		return b
	}
	out := make([]byte, size)
	copy(out[size-len(b):], b)
	return out
}
