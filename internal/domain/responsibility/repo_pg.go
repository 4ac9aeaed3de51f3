package responsibility

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/intake/internal/platform/db"
)

type responsibilityRepoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &responsibilityRepoPG{pool: pool}
}

const recordCols = `id, hn, account, kind, active, assigned_by, assigned_at, deactivated_by, deactivated_at`

func scanRecord(row pgx.Row) (*Record, error) {
	var r Record
	err := row.Scan(&r.ID, &r.HN, &r.Account, &r.Kind, &r.Active,
		&r.AssignedBy, &r.AssignedAt, &r.DeactivatedBy, &r.DeactivatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return &r, err
}

func (r *responsibilityRepoPG) Get(ctx context.Context, hn, account string) (*Record, error) {
	return scanRecord(db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+recordCols+` FROM responsibility WHERE hn = $1 AND account = $2`, hn, account))
}

func (r *responsibilityRepoPG) Insert(ctx context.Context, rec *Record) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	_, err := db.Conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO responsibility (id, hn, account, kind, active, assigned_by, assigned_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		rec.ID, rec.HN, rec.Account, rec.Kind, rec.Active, rec.AssignedBy, rec.AssignedAt)
	return err
}

func (r *responsibilityRepoPG) Reactivate(ctx context.Context, id uuid.UUID, assignedBy string, at time.Time) error {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `
		UPDATE responsibility
		SET active = TRUE, assigned_by = $2, assigned_at = $3, deactivated_by = NULL, deactivated_at = NULL
		WHERE id = $1 AND NOT active`, id, assignedBy, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *responsibilityRepoPG) Deactivate(ctx context.Context, id uuid.UUID, by string, at time.Time) error {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `
		UPDATE responsibility SET active = FALSE, deactivated_by = $2, deactivated_at = $3
		WHERE id = $1 AND active`, id, by, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *responsibilityRepoPG) ListActive(ctx context.Context, hn string) ([]*Record, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx,
		`SELECT `+recordCols+` FROM responsibility WHERE hn = $1 AND active ORDER BY assigned_at`, hn)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, rec)
	}
	return items, rows.Err()
}
