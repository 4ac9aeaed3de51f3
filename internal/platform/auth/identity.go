package auth

import "context"

type contextKey string

const identityKey contextKey = "identity"

// Identity is what the identity provider tells us about the caller. Role is
// the raw, unnormalized role label; ImpersonateRole is only populated when
// impersonation is enabled and the request asked for it.
type Identity struct {
	Account         string
	DisplayName     string
	Role            string
	ImpersonateRole string
}

// WithIdentity stores id on ctx.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// IdentityFromContext returns the caller identity, or the zero Identity.
func IdentityFromContext(ctx context.Context) Identity {
	id, _ := ctx.Value(identityKey).(Identity)
	return id
}

// UserIDFromContext returns the caller's account.
func UserIDFromContext(ctx context.Context) string {
	return IdentityFromContext(ctx).Account
}
