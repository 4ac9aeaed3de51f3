package responsibility

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type Repository interface {
	// Get returns the record for the pair regardless of Active.
	Get(ctx context.Context, hn, account string) (*Record, error)
	Insert(ctx context.Context, r *Record) error
	Reactivate(ctx context.Context, id uuid.UUID, assignedBy string, at time.Time) error
	Deactivate(ctx context.Context, id uuid.UUID, by string, at time.Time) error
	ListActive(ctx context.Context, hn string) ([]*Record, error)
}

// PatientLookup reports whether a patient exists.
type PatientLookup interface {
	Exists(ctx context.Context, hn string) (bool, error)
}
