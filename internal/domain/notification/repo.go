package notification

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type Repository interface {
	// Insert stores m. A second message for the same (event, recipient) is
	// ignored and reports inserted=false.
	Insert(ctx context.Context, m *Message) (inserted bool, err error)
	ListForRecipient(ctx context.Context, account string, f Filter) ([]*Message, int, error)
	MarkRead(ctx context.Context, id uuid.UUID, account string, at time.Time) error
}
