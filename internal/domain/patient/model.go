package patient

import (
	"errors"
	"time"

	"github.com/ehr/intake/internal/domain/policy"
)

var (
	ErrNotFound = errors.New("patient not found")
	ErrExists   = errors.New("patient already exists")
	// ErrStageChanged is returned by CompareAndSetStage when the persisted
	// stage no longer matches the expected one.
	ErrStageChanged = errors.New("patient stage changed")
)

// Patient maps to the patient table. Appointment fields are set only while
// the patient is scheduled.
type Patient struct {
	HN              string       `db:"hn" json:"hn"`
	Name            string       `db:"name" json:"name"`
	Stage           policy.Stage `db:"stage" json:"stage"`
	AppointmentDate string       `db:"appointment_date" json:"appointment_date,omitempty"`
	AppointmentTime string       `db:"appointment_time" json:"appointment_time,omitempty"`
	CreatedBy       string       `db:"created_by" json:"created_by"`
	CreatedAt       time.Time    `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time    `db:"updated_at" json:"updated_at"`
}

// StageWrite is a conditional stage update.
type StageWrite struct {
	HN              string
	From            policy.Stage
	To              policy.Stage
	AppointmentDate string
	AppointmentTime string
	At              time.Time
}
