package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/intake/internal/domain/notification"
	"github.com/ehr/intake/internal/domain/policy"
	"github.com/ehr/intake/internal/platform/events"
)

// HistoryRecorder appends the history entry for an event.
type HistoryRecorder interface {
	AppendEvent(ctx context.Context, eventID uuid.UUID, at time.Time, hn string, from, to policy.Stage, actor policy.Actor, note string) (bool, error)
}

// Notifier fans a stage change out to responsible staff.
type Notifier interface {
	Fanout(ctx context.Context, t notification.Trigger) (int, error)
}

// Publisher announces stage changes to other systems.
type Publisher interface {
	Publish(ctx context.Context, ev events.StageChanged) error
}

// Processor runs the side effects of a stage event. Each step is recorded on
// the event once it succeeds, so a retry only repeats the steps that failed.
type Processor struct {
	events    EventRepository
	history   HistoryRecorder
	notifier  Notifier
	publisher Publisher
	logger    zerolog.Logger
	now       func() time.Time
}

// NewProcessor builds a processor. A nil publisher marks the publish step
// done without sending anything.
func NewProcessor(repo EventRepository, history HistoryRecorder, notifier Notifier, publisher Publisher, logger zerolog.Logger) *Processor {
	return &Processor{
		events:    repo,
		history:   history,
		notifier:  notifier,
		publisher: publisher,
		logger:    logger.With().Str("component", "stage-events").Logger(),
		now:       time.Now,
	}
}

// Process runs every step of e that has not completed yet and stores the
// outcome. It returns the number of recipients notified in this run and the
// step errors, if any.
func (p *Processor) Process(ctx context.Context, e *StageEvent) (int, error) {
	log := p.logger.With().
		Str("event_id", e.ID.String()).
		Str("hn", e.HN).
		Str("stage", string(e.ToStage)).
		Logger()

	var errs []error
	notified := 0

	if !e.HistoryRecorded {
		if _, err := p.history.AppendEvent(ctx, e.ID, e.CreatedAt, e.HN, e.FromStage, e.ToStage, e.Actor(), e.Note); err != nil {
			log.Error().Err(err).Msg("failed to append status history")
			errs = append(errs, fmt.Errorf("history: %w", err))
		} else {
			e.HistoryRecorded = true
		}
	}

	if !e.Notified {
		n, err := p.notifier.Fanout(ctx, notification.Trigger{
			EventID:         e.ID,
			HN:              e.HN,
			PatientName:     e.PatientName,
			Stage:           e.ToStage,
			ActorName:       e.ActorDisplayName,
			AppointmentDate: e.AppointmentDate,
			AppointmentTime: e.AppointmentTime,
		})
		notified = n
		if err != nil {
			log.Error().Err(err).Int("sent", n).Msg("failed to fan out notifications")
			errs = append(errs, fmt.Errorf("notify: %w", err))
		} else {
			e.Notified = true
		}
	}

	if !e.Published {
		if err := p.publish(ctx, e); err != nil {
			log.Warn().Err(err).Msg("failed to publish stage event")
			errs = append(errs, fmt.Errorf("publish: %w", err))
		} else {
			e.Published = true
		}
	}

	stepErr := errors.Join(errs...)
	if e.stepsDone() {
		now := p.now()
		e.Status = EventDone
		e.ProcessedAt = &now
		e.LastError = nil
	} else {
		p.markFailed(e, stepErr.Error(), log)
	}
	if err := p.events.Update(ctx, e); err != nil {
		log.Error().Err(err).Msg("failed to update stage event")
		return notified, errors.Join(stepErr, err)
	}
	return notified, stepErr
}

func (p *Processor) publish(ctx context.Context, e *StageEvent) error {
	if p.publisher == nil {
		return nil
	}
	return p.publisher.Publish(ctx, events.StageChanged{
		EventID:      e.ID.String(),
		HN:           e.HN,
		FromStage:    string(e.FromStage),
		ToStage:      string(e.ToStage),
		ActorAccount: e.ActorAccount,
		ActorRole:    string(e.ActorRole),
		OccurredAt:   e.CreatedAt,
	})
}

func (p *Processor) markFailed(e *StageEvent, errMsg string, log zerolog.Logger) {
	e.AttemptCount++
	e.LastError = &errMsg

	if e.AttemptCount >= e.MaxAttempts {
		e.Status = EventAbandoned
		log.Error().Int("attempts", e.AttemptCount).Str("last_error", errMsg).Msg("abandoning stage event")
		return
	}
	e.NextAttemptAt = p.now().Add(retryBackoff(e.AttemptCount))
}

// retryBackoff returns the delay for a given attempt number (1-indexed).
// Schedule: 30s, 1m, 5m, 15m, 1h
func retryBackoff(attempt int) time.Duration {
	switch attempt {
	case 1:
		return 30 * time.Second
	case 2:
		return 1 * time.Minute
	case 3:
		return 5 * time.Minute
	case 4:
		return 15 * time.Minute
	default:
		return 1 * time.Hour
	}
}
