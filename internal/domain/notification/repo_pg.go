package notification

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/intake/internal/platform/db"
)

type messageRepoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &messageRepoPG{pool: pool}
}

const messageCols = `id, event_id, sender, recipient_id, recipient_account, hn, subject, body, category, is_read, created_at, read_at`

func scanMessage(row pgx.Row) (*Message, error) {
	var m Message
	err := row.Scan(&m.ID, &m.EventID, &m.Sender, &m.RecipientID, &m.RecipientAccount,
		&m.HN, &m.Subject, &m.Body, &m.Category, &m.IsRead, &m.CreatedAt, &m.ReadAt)
	return &m, err
}

func (r *messageRepoPG) Insert(ctx context.Context, m *Message) (bool, error) {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO notification_message (id, event_id, sender, recipient_id, recipient_account,
			hn, subject, body, category, is_read, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, FALSE, $10)
		ON CONFLICT (event_id, recipient_account) DO NOTHING`,
		m.ID, m.EventID, m.Sender, m.RecipientID, m.RecipientAccount,
		m.HN, m.Subject, m.Body, m.Category, m.CreatedAt)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *messageRepoPG) ListForRecipient(ctx context.Context, account string, f Filter) ([]*Message, int, error) {
	where := `WHERE recipient_account = $1`
	args := []interface{}{account}
	idx := 2
	if f.Category != "" {
		where += fmt.Sprintf(" AND category = $%d", idx)
		args = append(args, f.Category)
		idx++
	}
	if f.UnreadOnly {
		where += " AND NOT is_read"
	}

	conn := db.Conn(ctx, r.pool)
	var total int
	if err := conn.QueryRow(ctx, `SELECT COUNT(*) FROM notification_message `+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := fmt.Sprintf(`SELECT %s FROM notification_message %s ORDER BY created_at DESC, id LIMIT $%d OFFSET $%d`,
		messageCols, where, idx, idx+1)
	args = append(args, f.Limit, f.Offset)
	rows, err := conn.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, m)
	}
	return items, total, rows.Err()
}

func (r *messageRepoPG) MarkRead(ctx context.Context, id uuid.UUID, account string, at time.Time) error {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `
		UPDATE notification_message SET is_read = TRUE, read_at = COALESCE(read_at, $3)
		WHERE id = $1 AND recipient_account = $2`, id, account, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
