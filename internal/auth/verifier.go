package auth

import (
	"context"
	"errors"
	"strings"
)

var ErrInvalidToken = errors.New("invalid token")

// Verifier turns a bearer token into the principal it authenticates.
type Verifier interface {
	Verify(ctx context.Context, token string) (Principal, error)
}

// principalFromClaims reads the subject and the optional device claim from a
// decoded claim set.
func principalFromClaims(claims map[string]any, issuer string) (Principal, error) {
	if issuer != "" {
		if iss, _ := claims["iss"].(string); iss != issuer {
			return Principal{}, errors.Join(ErrInvalidToken, errors.New("issuer mismatch"))
		}
	}
	sub, _ := claims["sub"].(string)
	sub = strings.TrimSpace(sub)
	if sub == "" {
		return Principal{}, errors.Join(ErrInvalidToken, errors.New("no subject"))
	}
	p := Principal{UserID: sub}
	for _, key := range []string{"device_id", "deviceId", "did"} {
		if v, ok := claims[key].(string); ok && strings.TrimSpace(v) != "" {
			p.DeviceID = strings.TrimSpace(v)
			break
		}
	}
	return p, nil
}

// Chain tries each verifier in order and returns the first success.
type Chain []Verifier

func (c Chain) Verify(ctx context.Context, token string) (Principal, error) {
	var errs []error
	for _, v := range c {
		p, err := v.Verify(ctx, token)
		if err == nil {
			return p, nil
		}
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return Principal{}, errors.Join(ErrInvalidToken, errors.New("no verifier configured"))
	}
	return Principal{}, errors.Join(errs...)
}

func (c Chain) String() string {
	names := make([]string, 0, len(c))
	for _, v := range c {
		if s, ok := v.(interface{ String() string }); ok {
			names = append(names, s.String())
		}
	}
	return strings.Join(names, "+")
}
