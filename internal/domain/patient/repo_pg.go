package patient

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/intake/internal/domain/policy"
	"github.com/ehr/intake/internal/platform/db"
)

type patientRepoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &patientRepoPG{pool: pool}
}

const patientCols = `hn, name, stage, COALESCE(appointment_date, ''), COALESCE(appointment_time, ''), created_by, created_at, updated_at`

func (r *patientRepoPG) Get(ctx context.Context, hn string) (*Patient, error) {
	var p Patient
	err := db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+patientCols+` FROM patient WHERE hn = $1 AND deleted_at IS NULL`, hn).
		Scan(&p.HN, &p.Name, &p.Stage, &p.AppointmentDate, &p.AppointmentTime, &p.CreatedBy, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *patientRepoPG) Exists(ctx context.Context, hn string) (bool, error) {
	var ok bool
	err := db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM patient WHERE hn = $1 AND deleted_at IS NULL)`, hn).Scan(&ok)
	return ok, err
}

func (r *patientRepoPG) Create(ctx context.Context, p *Patient) error {
	now := time.Now()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = p.CreatedAt
	_, err := db.Conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO patient (hn, name, stage, created_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		p.HN, p.Name, p.Stage, p.CreatedBy, p.CreatedAt, p.UpdatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrExists
	}
	return err
}

func (r *patientRepoPG) UpdateName(ctx context.Context, hn, name string, at time.Time) error {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx,
		`UPDATE patient SET name = $2, updated_at = $3 WHERE hn = $1 AND deleted_at IS NULL`, hn, name, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *patientRepoPG) CompareAndSetStage(ctx context.Context, w StageWrite) error {
	var date, tm *string
	if w.To == policy.StageScheduled {
		date, tm = &w.AppointmentDate, &w.AppointmentTime
	}
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `
		UPDATE patient SET stage = $3, appointment_date = $4, appointment_time = $5, updated_at = $6
		WHERE hn = $1 AND stage = $2 AND deleted_at IS NULL`,
		w.HN, w.From, w.To, date, tm, w.At)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrStageChanged
	}
	return nil
}

func (r *patientRepoPG) SoftDelete(ctx context.Context, hn string, at time.Time) error {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx,
		`UPDATE patient SET deleted_at = $2, updated_at = $2 WHERE hn = $1 AND deleted_at IS NULL`, hn, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
