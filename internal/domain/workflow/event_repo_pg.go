package workflow

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/intake/internal/platform/db"
)

type eventRepoPG struct{ pool *pgxpool.Pool }

func NewEventRepoPG(pool *pgxpool.Pool) EventRepository {
	return &eventRepoPG{pool: pool}
}

const eventCols = `id, hn, from_stage, to_stage, actor_account, actor_display_name, actor_role, note,
	patient_name, appointment_date, appointment_time, status, history_recorded, notified, published,
	attempt_count, max_attempts, next_attempt_at, last_error, created_at, processed_at`

func scanEvent(row pgx.Row) (*StageEvent, error) {
	var e StageEvent
	err := row.Scan(&e.ID, &e.HN, &e.FromStage, &e.ToStage, &e.ActorAccount, &e.ActorDisplayName,
		&e.ActorRole, &e.Note, &e.PatientName, &e.AppointmentDate, &e.AppointmentTime, &e.Status,
		&e.HistoryRecorded, &e.Notified, &e.Published, &e.AttemptCount, &e.MaxAttempts,
		&e.NextAttemptAt, &e.LastError, &e.CreatedAt, &e.ProcessedAt)
	return &e, err
}

func collectEvents(rows pgx.Rows) ([]*StageEvent, error) {
	defer rows.Close()
	var items []*StageEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, e)
	}
	return items, rows.Err()
}

func (r *eventRepoPG) Create(ctx context.Context, e *StageEvent) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.Status == "" {
		e.Status = EventPending
	}
	if e.MaxAttempts <= 0 {
		e.MaxAttempts = DefaultMaxAttempts
	}
	return db.Conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO stage_event (id, hn, from_stage, to_stage, actor_account, actor_display_name,
			actor_role, note, patient_name, appointment_date, appointment_time, status, max_attempts)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING next_attempt_at, created_at`,
		e.ID, e.HN, e.FromStage, e.ToStage, e.ActorAccount, e.ActorDisplayName,
		e.ActorRole, e.Note, e.PatientName, e.AppointmentDate, e.AppointmentTime, e.Status, e.MaxAttempts,
	).Scan(&e.NextAttemptAt, &e.CreatedAt)
}

func (r *eventRepoPG) Get(ctx context.Context, id uuid.UUID) (*StageEvent, error) {
	e, err := scanEvent(db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+eventCols+` FROM stage_event WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrEventNotFound
	}
	return e, err
}

func (r *eventRepoPG) Claim(ctx context.Context, id uuid.UUID, lease time.Duration) (*StageEvent, error) {
	e, err := scanEvent(db.Conn(ctx, r.pool).QueryRow(ctx, `
		UPDATE stage_event SET next_attempt_at = NOW() + $2 * INTERVAL '1 millisecond'
		WHERE id = $1 AND status = 'pending' AND next_attempt_at <= NOW()
		RETURNING `+eventCols, id, lease.Milliseconds()))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotClaimed
	}
	return e, err
}

func (r *eventRepoPG) ClaimDue(ctx context.Context, limit int, lease time.Duration) ([]*StageEvent, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `
		UPDATE stage_event SET next_attempt_at = NOW() + $2 * INTERVAL '1 millisecond'
		WHERE id IN (
			SELECT id FROM stage_event
			WHERE status = 'pending' AND next_attempt_at <= NOW()
			ORDER BY next_attempt_at
			LIMIT $1
			FOR UPDATE SKIP LOCKED)
		RETURNING `+eventCols, limit, lease.Milliseconds())
	if err != nil {
		return nil, err
	}
	return collectEvents(rows)
}

func (r *eventRepoPG) Update(ctx context.Context, e *StageEvent) error {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `
		UPDATE stage_event SET status = $2, history_recorded = $3, notified = $4, published = $5,
			attempt_count = $6, next_attempt_at = $7, last_error = $8, processed_at = $9
		WHERE id = $1`,
		e.ID, e.Status, e.HistoryRecorded, e.Notified, e.Published,
		e.AttemptCount, e.NextAttemptAt, e.LastError, e.ProcessedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrEventNotFound
	}
	return nil
}

func (r *eventRepoPG) List(ctx context.Context, status EventStatus, limit, offset int) ([]*StageEvent, int, error) {
	conn := db.Conn(ctx, r.pool)
	var total int
	if err := conn.QueryRow(ctx, `SELECT COUNT(*) FROM stage_event WHERE status = $1`, status).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := conn.Query(ctx, `SELECT `+eventCols+` FROM stage_event
		WHERE status = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`, status, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	items, err := collectEvents(rows)
	return items, total, err
}

func (r *eventRepoPG) Requeue(ctx context.Context, id uuid.UUID) error {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `
		UPDATE stage_event SET status = 'pending', attempt_count = 0, next_attempt_at = NOW(), last_error = NULL
		WHERE id = $1 AND status <> 'done'`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrEventNotFound
	}
	return nil
}
