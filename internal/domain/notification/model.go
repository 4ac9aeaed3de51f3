package notification

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// SenderSystem is the sender of every workflow message.
const SenderSystem = "system"

// CategorySystemUpdate tags workflow messages so the inbox can filter them.
const CategorySystemUpdate = "system-update"

var ErrNotFound = errors.New("notification not found")

// Message maps to the notification_message table.
type Message struct {
	ID               uuid.UUID  `db:"id" json:"id"`
	EventID          uuid.UUID  `db:"event_id" json:"event_id"`
	Sender           string     `db:"sender" json:"sender"`
	RecipientID      uuid.UUID  `db:"recipient_id" json:"recipient_id"`
	RecipientAccount string     `db:"recipient_account" json:"recipient_account"`
	HN               string     `db:"hn" json:"hn"`
	Subject          string     `db:"subject" json:"subject"`
	Body             string     `db:"body" json:"body"`
	Category         string     `db:"category" json:"category"`
	IsRead           bool       `db:"is_read" json:"is_read"`
	CreatedAt        time.Time  `db:"created_at" json:"created_at"`
	ReadAt           *time.Time `db:"read_at" json:"read_at,omitempty"`
}

// Filter narrows an inbox listing.
type Filter struct {
	Category   string
	UnreadOnly bool
	Limit      int
	Offset     int
}
