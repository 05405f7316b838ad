package domain

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/curve25519"
)

// djbKeyType prefixes Curve25519 public keys serialized by libsignal-style
// clients.
const djbKeyType = 0x05

var ErrMalformedKey = errors.New("malformed key material")

// DecodeKey decodes padded or unpadded standard base64.
func DecodeKey(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("%w: empty", ErrMalformedKey)
	}
	if raw, err := base64.StdEncoding.DecodeString(s); err == nil {
		return raw, nil
	}
	raw, err := base64.RawStdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: not base64", ErrMalformedKey)
	}
	return raw, nil
}

// CurvePublicKey decodes an X25519 public key, accepting the 33-byte form
// carrying a type prefix. The returned slice is always 32 bytes.
func CurvePublicKey(s string) ([]byte, error) {
	raw, err := DecodeKey(s)
	if err != nil {
		return nil, err
	}
	switch {
	case len(raw) == curve25519.PointSize:
		return raw, nil
	case len(raw) == curve25519.PointSize+1 && raw[0] == djbKeyType:
		return raw[1:], nil
	}
	return nil, fmt.Errorf("%w: public key is %d bytes", ErrMalformedKey, len(raw))
}

func Signature(s string) ([]byte, error) {
	raw, err := DecodeKey(s)
	if err != nil {
		return nil, err
	}
	if len(raw) != ed25519.SignatureSize {
		return nil, fmt.Errorf("%w: signature is %d bytes", ErrMalformedKey, len(raw))
	}
	return raw, nil
}

func SigningPublicKey(s string) (ed25519.PublicKey, error) {
	raw, err := DecodeKey(s)
	if err != nil {
		return nil, err
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: signing key is %d bytes", ErrMalformedKey, len(raw))
	}
	return ed25519.PublicKey(raw), nil
}

// VerifySignedPreKey checks sig over the signed prekey as encoded by the
// client, so prefixed and bare keys verify against what was actually signed.
func VerifySignedPreKey(signingKey, signedPreKey, signature string) error {
	pub, err := SigningPublicKey(signingKey)
	if err != nil {
		return err
	}
	msg, err := DecodeKey(signedPreKey)
	if err != nil {
		return err
	}
	sig, err := Signature(signature)
	if err != nil {
		return err
	}
	if !ed25519.Verify(pub, msg, sig) {
		return fmt.Errorf("%w: signed prekey signature does not verify", ErrMalformedKey)
	}
	return nil
}
