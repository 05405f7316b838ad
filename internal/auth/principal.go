package auth

import "context"

// Principal is the authenticated caller. DeviceID is empty when the token
// carries no device claim.
type Principal struct {
	UserID   string
	DeviceID string
}

func (p Principal) Authenticated() bool { return p.UserID != "" }

type principalKey struct{}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok && p.Authenticated()
}
