package workflow

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Relay drains stage events whose side effects did not complete in the
// request that created them.
type Relay struct {
	events EventRepository
	proc   *Processor
	logger zerolog.Logger

	// Interval controls how often due events are polled.
	Interval time.Duration
	// BatchSize is the max number of events claimed per tick.
	BatchSize int
	// Lease is how long a claimed event is hidden from other workers.
	Lease time.Duration
}

func NewRelay(repo EventRepository, proc *Processor, logger zerolog.Logger) *Relay {
	return &Relay{
		events:    repo,
		proc:      proc,
		logger:    logger.With().Str("component", "relay").Logger(),
		Interval:  5 * time.Second,
		BatchSize: 50,
		Lease:     2 * time.Minute,
	}
}

// Start runs the relay loop. It blocks until ctx is cancelled.
func (r *Relay) Start(ctx context.Context) {
	r.logger.Info().Dur("interval", r.Interval).Int("batch_size", r.BatchSize).Msg("relay started")
	r.RunOnce(ctx)

	ticker := time.NewTicker(r.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.logger.Info().Msg("relay stopped")
			return
		case <-ticker.C:
			r.RunOnce(ctx)
		}
	}
}

// RunOnce processes one batch of due events and returns how many were
// claimed.
func (r *Relay) RunOnce(ctx context.Context) int {
	batch, err := r.events.ClaimDue(ctx, r.BatchSize, r.Lease)
	if err != nil {
		r.logger.Error().Err(err).Msg("failed to claim stage events")
		return 0
	}
	for _, e := range batch {
		if ctx.Err() != nil {
			break
		}
		// Step failures are logged by the processor and rescheduled.
		r.proc.Process(ctx, e)
	}
	if len(batch) > 0 {
		r.logger.Debug().Int("count", len(batch)).Msg("processed stage events")
	}
	return len(batch)
}
