package patient

import (
	"context"
	"time"
)

// Repository is the patient store. Soft-deleted patients are invisible to
// every method.
type Repository interface {
	Get(ctx context.Context, hn string) (*Patient, error)
	Exists(ctx context.Context, hn string) (bool, error)
	Create(ctx context.Context, p *Patient) error
	UpdateName(ctx context.Context, hn, name string, at time.Time) error
	// CompareAndSetStage writes w.To only if the stored stage is still
	// w.From, returning ErrStageChanged otherwise.
	CompareAndSetStage(ctx context.Context, w StageWrite) error
	SoftDelete(ctx context.Context, hn string, at time.Time) error
}
