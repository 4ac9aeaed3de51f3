package notification

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/intake/internal/domain/policy"
	"github.com/ehr/intake/internal/domain/responsibility"
	"github.com/ehr/intake/internal/platform/apperr"
)

// RecipientSource lists the staff currently responsible for a patient.
type RecipientSource interface {
	ListResponsible(ctx context.Context, hn string) ([]*responsibility.Record, error)
}

// Trigger describes the stage change being announced.
type Trigger struct {
	EventID         uuid.UUID
	HN              string
	PatientName     string
	Stage           policy.Stage
	ActorName       string
	AppointmentDate string
	AppointmentTime string
}

func (t Trigger) data() map[string]string {
	name := t.PatientName
	if name == "" {
		name = t.HN
	}
	return map[string]string{
		"hn":               t.HN,
		"patient_name":     name,
		"stage":            string(t.Stage),
		"actor":            t.ActorName,
		"appointment_date": t.AppointmentDate,
		"appointment_time": t.AppointmentTime,
	}
}

// Dispatcher fans a stage change out to the patient's responsible staff.
type Dispatcher struct {
	templates  *TemplateEngine
	recipients RecipientSource
	repo       Repository
	logger     zerolog.Logger
	now        func() time.Time
}

func NewDispatcher(templates *TemplateEngine, recipients RecipientSource, repo Repository, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		templates:  templates,
		recipients: recipients,
		repo:       repo,
		logger:     logger.With().Str("component", "notification").Logger(),
		now:        time.Now,
	}
}

// Fanout sends one message per active responsible account and returns how
// many were delivered. A message that already exists for the same event and
// recipient counts as delivered. A failed send does not stop the remaining
// recipients; the count is returned together with an error naming every
// failure, so the caller can run the fan-out again for the same event.
func (d *Dispatcher) Fanout(ctx context.Context, t Trigger) (int, error) {
	tmpl, ok := d.templates.ForStage(t.Stage)
	if !ok {
		return 0, nil
	}
	subject, body, err := d.templates.Render(tmpl.ID, t.data())
	if err != nil {
		return 0, apperr.Validation("render %s: %v", tmpl.ID, err)
	}

	records, err := d.recipients.ListResponsible(ctx, t.HN)
	if err != nil {
		return 0, err
	}

	log := d.logger.With().Str("hn", t.HN).Str("stage", string(t.Stage)).Str("event_id", t.EventID.String()).Logger()
	eventID := t.EventID
	if eventID == uuid.Nil {
		eventID = uuid.New()
	}

	sent := 0
	var failed []error
	seen := make(map[string]bool, len(records))
	for _, r := range records {
		if seen[r.Account] {
			continue
		}
		seen[r.Account] = true
		if tmpl.DoctorOnly && r.Role != policy.RoleDoctor {
			continue
		}
		if r.StaffID == uuid.Nil {
			log.Warn().Str("account", r.Account).Msg("recipient not in account directory, skipping")
			continue
		}

		msg := &Message{
			EventID:          eventID,
			Sender:           SenderSystem,
			RecipientID:      r.StaffID,
			RecipientAccount: r.Account,
			HN:               t.HN,
			Subject:          subject,
			Body:             body,
			Category:         CategorySystemUpdate,
			CreatedAt:        d.now(),
		}
		inserted, err := d.repo.Insert(ctx, msg)
		if err != nil {
			log.Error().Err(err).Str("account", r.Account).Msg("failed to send notification")
			failed = append(failed, fmt.Errorf("%s: %w", r.Account, err))
			continue
		}
		if !inserted {
			log.Debug().Str("account", r.Account).Msg("notification already sent")
		}
		sent++
	}
	if len(failed) > 0 {
		return sent, fmt.Errorf("%d of %d notifications not sent: %w", len(failed), sent+len(failed), errors.Join(failed...))
	}
	return sent, nil
}
