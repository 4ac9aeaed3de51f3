package responsibility

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/intake/internal/domain/policy"
)

// ErrNotFound is returned by repositories when no record matches.
var ErrNotFound = errors.New("responsibility record not found")

// Kind distinguishes the account that registered the patient from staff
// added later.
type Kind string

const (
	KindCreator     Kind = "creator"
	KindResponsible Kind = "responsible"
)

// Record maps to the responsibility table. Records are never deleted;
// removal clears Active.
type Record struct {
	ID            uuid.UUID  `db:"id" json:"id"`
	HN            string     `db:"hn" json:"hn"`
	Account       string     `db:"account" json:"account"`
	Kind          Kind       `db:"kind" json:"kind"`
	Active        bool       `db:"active" json:"active"`
	AssignedBy    string     `db:"assigned_by" json:"assigned_by"`
	AssignedAt    time.Time  `db:"assigned_at" json:"assigned_at"`
	DeactivatedBy *string    `db:"deactivated_by" json:"deactivated_by,omitempty"`
	DeactivatedAt *time.Time `db:"deactivated_at" json:"deactivated_at,omitempty"`

	// Resolved from the account directory by ListResponsible.
	StaffID     uuid.UUID   `json:"staff_id,omitempty"`
	DisplayName string      `json:"display_name,omitempty"`
	Role        policy.Role `json:"role,omitempty"`
}
