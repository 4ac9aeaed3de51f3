// Package workflow moves patients through the intake stages. A transition is
// authorized against the permission policy, written with a compare-and-swap
// on the current stage together with an outbox event, and its side effects
// (history, notifications, event publishing) run from that event.
package workflow

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/intake/internal/domain/patient"
	"github.com/ehr/intake/internal/domain/policy"
	"github.com/ehr/intake/internal/platform/apperr"
	"github.com/ehr/intake/internal/platform/db"
)

const (
	dateLayout = "2006-01-02"
	timeLayout = "15:04"
)

// PatientStore is the part of the patient store the workflow writes through.
type PatientStore interface {
	Get(ctx context.Context, hn string) (*patient.Patient, error)
	CompareAndSetStage(ctx context.Context, w patient.StageWrite) error
}

// TransitionRequest asks to move HN to Target. ExpectedFrom, when set, is the
// stage the caller observed; the request fails with a conflict if the
// patient has moved since.
type TransitionRequest struct {
	HN            string
	Target        policy.Stage
	ExpectedFrom  policy.Stage
	Actor         policy.Actor
	Note          string
	ScheduledDate string
	ScheduledTime string
}

// TransitionResult reports a committed transition. Pending is true when some
// side effects did not complete and were left to the relay.
type TransitionResult struct {
	Patient  *patient.Patient `json:"patient"`
	From     policy.Stage     `json:"from"`
	To       policy.Stage     `json:"to"`
	EventID  uuid.UUID        `json:"event_id"`
	Notified int              `json:"notified"`
	Pending  bool             `json:"pending"`
}

type Service struct {
	patients    PatientStore
	events      EventRepository
	tx          db.TxRunner
	policy      *policy.Policy
	proc        *Processor
	logger      zerolog.Logger
	maxAttempts int
	lease       time.Duration
	now         func() time.Time
}

func NewService(patients PatientStore, events EventRepository, tx db.TxRunner, p *policy.Policy, proc *Processor, logger zerolog.Logger) *Service {
	return &Service{
		patients:    patients,
		events:      events,
		tx:          tx,
		policy:      p,
		proc:        proc,
		logger:      logger.With().Str("component", "workflow").Logger(),
		maxAttempts: DefaultMaxAttempts,
		lease:       2 * time.Minute,
		now:         time.Now,
	}
}

// SetMaxAttempts sets the retry budget of newly created events.
func (s *Service) SetMaxAttempts(n int) {
	if n > 0 {
		s.maxAttempts = n
	}
}

// Policy returns the policy transitions are checked against.
func (s *Service) Policy() *policy.Policy {
	return s.policy
}

// RequestTransition validates and commits a stage change, then runs its side
// effects best-effort. Side-effect failures never fail the call; they stay
// on the outbox event for the relay to retry.
func (s *Service) RequestTransition(ctx context.Context, req TransitionRequest) (*TransitionResult, error) {
	hn := strings.TrimSpace(req.HN)
	if hn == "" {
		return nil, apperr.Validation("hn is required")
	}
	if !req.Target.Valid() {
		return nil, apperr.Validation("unknown stage %q", req.Target)
	}
	if req.ExpectedFrom != "" && !req.ExpectedFrom.Valid() {
		return nil, apperr.Validation("unknown stage %q", req.ExpectedFrom)
	}

	p, err := s.patients.Get(ctx, hn)
	if errors.Is(err, patient.ErrNotFound) {
		return nil, apperr.NotFound("patient %s not found", hn)
	}
	if err != nil {
		return nil, apperr.Persistence(err, "load patient %s", hn)
	}
	from := p.Stage

	if req.ExpectedFrom != "" && req.ExpectedFrom != from {
		return nil, apperr.Conflict("patient %s is at %s, not %s", hn, from, req.ExpectedFrom)
	}

	if !s.policy.CanTransition(req.Actor.Role, from, req.Target) {
		required := s.policy.RequiredRoleFor(from, req.Target)
		if !required.Valid {
			return nil, apperr.Authorization(required.String(), "transition %s -> %s is not allowed", from, req.Target)
		}
		return nil, apperr.Authorization(required.String(),
			"%s may not move a patient from %s to %s; required role: %s", req.Actor.Role, from, req.Target, required)
	}

	var date, tm string
	if req.Target == policy.StageScheduled {
		date, tm, err = validateSchedule(req.ScheduledDate, req.ScheduledTime)
		if err != nil {
			return nil, err
		}
	}

	now := s.now()
	ev := &StageEvent{
		ID:               uuid.New(),
		HN:               hn,
		FromStage:        from,
		ToStage:          req.Target,
		ActorAccount:     req.Actor.Account,
		ActorDisplayName: req.Actor.DisplayName,
		ActorRole:        req.Actor.Role,
		Note:             strings.TrimSpace(req.Note),
		PatientName:      p.Name,
		AppointmentDate:  date,
		AppointmentTime:  tm,
		Status:           EventPending,
		MaxAttempts:      s.maxAttempts,
	}
	err = s.tx.InTx(ctx, func(ctx context.Context) error {
		if err := s.patients.CompareAndSetStage(ctx, patient.StageWrite{
			HN:              hn,
			From:            from,
			To:              req.Target,
			AppointmentDate: date,
			AppointmentTime: tm,
			At:              now,
		}); err != nil {
			return err
		}
		return s.events.Create(ctx, ev)
	})
	if errors.Is(err, patient.ErrStageChanged) {
		return nil, apperr.Conflict("patient %s changed stage concurrently; reload and retry", hn)
	}
	if err != nil {
		return nil, apperr.Persistence(err, "persist stage change for %s", hn)
	}

	p.Stage = req.Target
	p.AppointmentDate, p.AppointmentTime = date, tm
	p.UpdatedAt = now
	s.logger.Info().
		Str("hn", hn).
		Str("from", string(from)).
		Str("to", string(req.Target)).
		Str("actor", req.Actor.Account).
		Str("event_id", ev.ID.String()).
		Msg("stage changed")

	result := &TransitionResult{Patient: p, From: from, To: req.Target, EventID: ev.ID, Pending: true}
	result.Notified, result.Pending = s.runSideEffects(ctx, ev.ID)
	return result, nil
}

// runSideEffects processes the event in-process. The claim keeps the relay
// from running the same event concurrently.
func (s *Service) runSideEffects(ctx context.Context, id uuid.UUID) (int, bool) {
	if s.proc == nil {
		return 0, true
	}
	ctx = context.WithoutCancel(ctx)
	claimed, err := s.events.Claim(ctx, id, s.lease)
	if err != nil {
		if !errors.Is(err, ErrNotClaimed) {
			s.logger.Warn().Err(err).Str("event_id", id.String()).Msg("failed to claim stage event")
		}
		return 0, true
	}
	n, err := s.proc.Process(ctx, claimed)
	return n, err != nil
}

func validateSchedule(date, tm string) (string, string, error) {
	date, tm = strings.TrimSpace(date), strings.TrimSpace(tm)
	if date == "" || tm == "" {
		return "", "", apperr.Validation("scheduling requires an appointment date and time")
	}
	if _, err := time.Parse(dateLayout, date); err != nil {
		return "", "", apperr.Validation("appointment date must be YYYY-MM-DD")
	}
	if _, err := time.Parse(timeLayout, tm); err != nil {
		return "", "", apperr.Validation("appointment time must be HH:MM")
	}
	return date, tm, nil
}

// ListEvents lists outbox events by status.
func (s *Service) ListEvents(ctx context.Context, status EventStatus, limit, offset int) ([]*StageEvent, int, error) {
	switch status {
	case EventPending, EventDone, EventAbandoned:
	default:
		return nil, 0, apperr.Validation("unknown event status %q", status)
	}
	items, total, err := s.events.List(ctx, status, limit, offset)
	if err != nil {
		return nil, 0, apperr.Persistence(err, "list stage events")
	}
	return items, total, nil
}

// RetryEvent requeues an event and runs it immediately. Administrators only.
func (s *Service) RetryEvent(ctx context.Context, id uuid.UUID, by policy.Actor) (*StageEvent, error) {
	if by.Role != policy.RoleAdmin {
		return nil, apperr.Authorization(policy.RoleAdmin.String(), "only administrators may retry stage events")
	}
	if err := s.events.Requeue(ctx, id); err != nil {
		if errors.Is(err, ErrEventNotFound) {
			return nil, apperr.NotFound("stage event %s not found or already done", id)
		}
		return nil, apperr.Persistence(err, "requeue stage event")
	}
	s.runSideEffects(ctx, id)
	ev, err := s.events.Get(ctx, id)
	if err != nil {
		return nil, apperr.Persistence(err, "load stage event")
	}
	return ev, nil
}
