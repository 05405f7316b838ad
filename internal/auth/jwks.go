package auth

import (
	"context"
	"errors"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/golang-jwt/jwt/v4"
)

// JWKSVerifier validates asymmetric tokens against a remote key set that is
// refreshed in the background.
type JWKSVerifier struct {
	jwks   *keyfunc.JWKS
	issuer string
}

func NewJWKSVerifier(ctx context.Context, jwksURL, issuer string) (*JWKSVerifier, error) {
	options := keyfunc.Options{
		Ctx:               ctx,
		RefreshInterval:   15 * time.Minute,
		RefreshTimeout:    10 * time.Second,
		RefreshUnknownKID: true,
	}
	jwks, err := keyfunc.Get(jwksURL, options)
	if err != nil {
		return nil, err
	}
	return &JWKSVerifier{jwks: jwks, issuer: issuer}, nil
}

func (j *JWKSVerifier) Verify(_ context.Context, raw string) (Principal, error) {
	token, err := jwt.Parse(raw, j.jwks.Keyfunc)
	if err != nil || !token.Valid {
		return Principal{}, errors.Join(ErrInvalidToken, err)
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return Principal{}, errors.Join(ErrInvalidToken, errors.New("invalid token claims"))
	}
	if _, ok := claims["exp"]; !ok {
		return Principal{}, errors.Join(ErrInvalidToken, errors.New("token has no expiry"))
	}
	return principalFromClaims(claims, j.issuer)
}

// Close stops the background refresh.
func (j *JWKSVerifier) Close() { j.jwks.EndBackground() }

func (j *JWKSVerifier) String() string { return "jwks" }
