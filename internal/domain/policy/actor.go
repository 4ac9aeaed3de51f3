package policy

import (
	"context"

	"github.com/ehr/intake/internal/platform/auth"
)

// Actor is the caller of a core operation with its role already resolved.
type Actor struct {
	Account     string `json:"account"`
	DisplayName string `json:"display_name"`
	Role        Role   `json:"role"`
}

// NewActor resolves the raw identity strings at the boundary.
func NewActor(account, displayName, rawRole string, imp Impersonation) Actor {
	if displayName == "" {
		displayName = account
	}
	return Actor{Account: account, DisplayName: displayName, Role: ResolveRole(rawRole, imp)}
}

// ActorFromContext builds the actor for the identity the auth middleware
// attached to ctx.
func ActorFromContext(ctx context.Context) Actor {
	id := auth.IdentityFromContext(ctx)
	return NewActor(id.Account, id.DisplayName, id.Role, Impersonation{Role: id.ImpersonateRole})
}
