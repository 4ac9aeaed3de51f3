package history

import (
	"context"
)

type Repository interface {
	// Insert stores e. Inserting a second entry with the same EventID is a
	// no-op and reports inserted=false.
	Insert(ctx context.Context, e *Entry) (inserted bool, err error)
	ListByPatient(ctx context.Context, hn string, limit, offset int) ([]*Entry, int, error)
	// LatestPerStage returns the most recent entry for every distinct
	// to_stage of the patient.
	LatestPerStage(ctx context.Context, hn string) ([]*Entry, error)
}
