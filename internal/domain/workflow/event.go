package workflow

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/intake/internal/domain/policy"
)

// EventStatus is the outbox state of a stage event.
type EventStatus string

const (
	EventPending   EventStatus = "pending"
	EventDone      EventStatus = "done"
	EventAbandoned EventStatus = "abandoned"
)

// DefaultMaxAttempts is the retry budget of an event when none is configured.
const DefaultMaxAttempts = 8

var (
	ErrEventNotFound = errors.New("stage event not found")
	// ErrNotClaimed is returned when another worker holds the event or it is
	// no longer pending.
	ErrNotClaimed = errors.New("stage event not claimed")
)

// StageEvent maps to the stage_event outbox table. It is written in the same
// transaction as the stage change it describes.
type StageEvent struct {
	ID               uuid.UUID    `db:"id" json:"id"`
	HN               string       `db:"hn" json:"hn"`
	FromStage        policy.Stage `db:"from_stage" json:"from_stage"`
	ToStage          policy.Stage `db:"to_stage" json:"to_stage"`
	ActorAccount     string       `db:"actor_account" json:"actor_account"`
	ActorDisplayName string       `db:"actor_display_name" json:"actor_display_name"`
	ActorRole        policy.Role  `db:"actor_role" json:"actor_role"`
	Note             string       `db:"note" json:"note,omitempty"`
	PatientName      string       `db:"patient_name" json:"patient_name,omitempty"`
	AppointmentDate  string       `db:"appointment_date" json:"appointment_date,omitempty"`
	AppointmentTime  string       `db:"appointment_time" json:"appointment_time,omitempty"`
	Status           EventStatus  `db:"status" json:"status"`
	HistoryRecorded  bool         `db:"history_recorded" json:"history_recorded"`
	Notified         bool         `db:"notified" json:"notified"`
	Published        bool         `db:"published" json:"published"`
	AttemptCount     int          `db:"attempt_count" json:"attempt_count"`
	MaxAttempts      int          `db:"max_attempts" json:"max_attempts"`
	NextAttemptAt    time.Time    `db:"next_attempt_at" json:"next_attempt_at"`
	LastError        *string      `db:"last_error" json:"last_error,omitempty"`
	CreatedAt        time.Time    `db:"created_at" json:"created_at"`
	ProcessedAt      *time.Time   `db:"processed_at" json:"processed_at,omitempty"`
}

func (e *StageEvent) Actor() policy.Actor {
	return policy.Actor{Account: e.ActorAccount, DisplayName: e.ActorDisplayName, Role: e.ActorRole}
}

func (e *StageEvent) stepsDone() bool {
	return e.HistoryRecorded && e.Notified && e.Published
}

// EventRepository is the outbox store.
type EventRepository interface {
	Create(ctx context.Context, e *StageEvent) error
	Get(ctx context.Context, id uuid.UUID) (*StageEvent, error)
	// Claim leases a single pending, due event for lease.
	Claim(ctx context.Context, id uuid.UUID, lease time.Duration) (*StageEvent, error)
	// ClaimDue leases up to limit pending, due events.
	ClaimDue(ctx context.Context, limit int, lease time.Duration) ([]*StageEvent, error)
	Update(ctx context.Context, e *StageEvent) error
	List(ctx context.Context, status EventStatus, limit, offset int) ([]*StageEvent, int, error)
	// Requeue returns an abandoned or pending event to the queue with a
	// fresh attempt budget.
	Requeue(ctx context.Context, id uuid.UUID) error
}
