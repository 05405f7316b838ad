package auth

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Signer issues relay bearer tokens. HS256 signers pair with HMACVerifier;
// Ed25519 signers publish their key through PublicJWK for JWKS validation.
type Signer struct {
	method jwt.SigningMethod
	key    any
	public ed25519.PublicKey
	KeyID  string
	Issuer string
}

func NewHS256Signer(secret, issuer string) (*Signer, error) {
	if secret == "" {
		return nil, errors.New("empty signing secret")
	}
	return &Signer{method: jwt.SigningMethodHS256, key: []byte(secret), Issuer: issuer}, nil
}

// NewEd25519Signer creates a signer from base64-encoded ed25519 private key
// bytes. An empty privB64 generates an ephemeral key.
func NewEd25519Signer(privB64, kid, issuer string) (*Signer, error) {
	var priv ed25519.PrivateKey
	if privB64 == "" {
		_, generated, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, err
		}
		priv = generated
	} else {
		raw, err := base64.StdEncoding.DecodeString(privB64)
		if err != nil {
			return nil, err
		}
		if len(raw) != ed25519.PrivateKeySize {
			return nil, errors.New("invalid ed25519 private key size")
		}
		priv = ed25519.PrivateKey(raw)
	}
	return &Signer{
		method: jwt.SigningMethodEdDSA,
		key:    priv,
		public: priv.Public().(ed25519.PublicKey),
		KeyID:  kid,
		Issuer: issuer,
	}, nil
}

// Sign issues a token for userID. A non-empty deviceID is carried in the
// device_id claim.
func (s *Signer) Sign(userID, deviceID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": userID,
		"iat": now.Unix(),
		"exp": now.Add(ttl).Unix(),
	}
	if s.Issuer != "" {
		claims["iss"] = s.Issuer
	}
	if deviceID != "" {
		claims["device_id"] = deviceID
	}
	t := jwt.NewWithClaims(s.method, claims)
	if s.KeyID != "" {
		t.Header["kid"] = s.KeyID
	}
	return t.SignedString(s.key)
}

// PublicJWK renders the public key as a JWK. It is nil for HMAC signers.
func (s *Signer) PublicJWK() map[string]any {
	if s.public == nil {
		return nil
	}
	return map[string]any{
		"kty": "OKP",
		"crv": "Ed25519",
		"alg": "EdDSA",
		"use": "sig",
		"kid": s.KeyID,
		"x":   base64.RawURLEncoding.EncodeToString(s.public),
	}
}
