package history

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/intake/internal/platform/db"
)

type historyRepoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &historyRepoPG{pool: pool}
}

const entryCols = `id, event_id, hn, from_stage, to_stage, actor_account, actor_display_name, actor_role, note, recorded_at`

func scanEntry(row pgx.Row) (*Entry, error) {
	var e Entry
	err := row.Scan(&e.ID, &e.EventID, &e.HN, &e.FromStage, &e.ToStage,
		&e.ActorAccount, &e.ActorDisplayName, &e.ActorRole, &e.Note, &e.RecordedAt)
	return &e, err
}

func (r *historyRepoPG) Insert(ctx context.Context, e *Entry) (bool, error) {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO status_history (id, event_id, hn, from_stage, to_stage,
			actor_account, actor_display_name, actor_role, note, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, COALESCE($10, NOW()))
		ON CONFLICT (event_id) DO NOTHING`,
		e.ID, e.EventID, e.HN, e.FromStage, e.ToStage,
		e.ActorAccount, e.ActorDisplayName, e.ActorRole, e.Note, nullTime(e))
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func nullTime(e *Entry) interface{} {
	if e.RecordedAt.IsZero() {
		return nil
	}
	return e.RecordedAt
}

func (r *historyRepoPG) ListByPatient(ctx context.Context, hn string, limit, offset int) ([]*Entry, int, error) {
	conn := db.Conn(ctx, r.pool)
	var total int
	if err := conn.QueryRow(ctx, `SELECT COUNT(*) FROM status_history WHERE hn = $1`, hn).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := conn.Query(ctx, `SELECT `+entryCols+` FROM status_history
		WHERE hn = $1 ORDER BY recorded_at DESC, id LIMIT $2 OFFSET $3`, hn, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	entries, err := collect(rows)
	return entries, total, err
}

func (r *historyRepoPG) LatestPerStage(ctx context.Context, hn string) ([]*Entry, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `
		SELECT DISTINCT ON (to_stage) `+entryCols+`
		FROM status_history WHERE hn = $1
		ORDER BY to_stage, recorded_at DESC, id DESC`, hn)
	if err != nil {
		return nil, err
	}
	return collect(rows)
}

func collect(rows pgx.Rows) ([]*Entry, error) {
	defer rows.Close()
	var items []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, e)
	}
	return items, rows.Err()
}
