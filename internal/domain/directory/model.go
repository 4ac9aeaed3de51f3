package directory

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/intake/internal/domain/policy"
)

// ErrNotFound is returned when an account is not in the directory.
var ErrNotFound = errors.New("account not found")

// Account maps to the staff_account table.
type Account struct {
	ID          uuid.UUID `db:"id" json:"id"`
	Account     string    `db:"account" json:"account"`
	DisplayName string    `db:"display_name" json:"display_name"`
	// Role is the label as supplied by the identity provider.
	Role      string    `db:"role" json:"role"`
	Active    bool      `db:"active" json:"active"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// CanonicalRole normalizes the stored role label.
func (a *Account) CanonicalRole() policy.Role {
	return policy.NormalizeRole(a.Role)
}
