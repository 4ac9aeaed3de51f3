package history

import (
	"time"

	"github.com/google/uuid"

	"github.com/ehr/intake/internal/domain/policy"
)

// Entry maps to the status_history table. Entries are never updated or
// deleted.
type Entry struct {
	ID               uuid.UUID    `db:"id" json:"id"`
	EventID          *uuid.UUID   `db:"event_id" json:"event_id,omitempty"`
	HN               string       `db:"hn" json:"hn"`
	FromStage        policy.Stage `db:"from_stage" json:"from_stage"`
	ToStage          policy.Stage `db:"to_stage" json:"to_stage"`
	ActorAccount     string       `db:"actor_account" json:"actor_account"`
	ActorDisplayName string       `db:"actor_display_name" json:"actor_display_name"`
	ActorRole        policy.Role  `db:"actor_role" json:"actor_role"`
	Note             string       `db:"note" json:"note,omitempty"`
	RecordedAt       time.Time    `db:"recorded_at" json:"recorded_at"`
}

// NewEntry builds an entry for a transition performed by actor.
func NewEntry(hn string, from, to policy.Stage, actor policy.Actor, note string) *Entry {
	return &Entry{
		HN:               hn,
		FromStage:        from,
		ToStage:          to,
		ActorAccount:     actor.Account,
		ActorDisplayName: actor.DisplayName,
		ActorRole:        actor.Role,
		Note:             note,
	}
}
