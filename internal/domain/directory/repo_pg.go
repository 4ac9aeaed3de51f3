package directory

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/intake/internal/platform/db"
)

type accountRepoPG struct{ pool *pgxpool.Pool }

func NewAccountRepoPG(pool *pgxpool.Pool) Repository {
	return &accountRepoPG{pool: pool}
}

const accountCols = `id, account, display_name, role, active, created_at`

func scanAccount(row pgx.Row) (*Account, error) {
	var a Account
	err := row.Scan(&a.ID, &a.Account, &a.DisplayName, &a.Role, &a.Active, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return &a, err
}

func (r *accountRepoPG) GetByAccount(ctx context.Context, account string) (*Account, error) {
	return scanAccount(db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+accountCols+` FROM staff_account WHERE account = $1 AND active`, account))
}

func (r *accountRepoPG) ListByAccounts(ctx context.Context, accounts []string) ([]*Account, error) {
	if len(accounts) == 0 {
		return nil, nil
	}
	rows, err := db.Conn(ctx, r.pool).Query(ctx,
		`SELECT `+accountCols+` FROM staff_account WHERE account = ANY($1) AND active ORDER BY account`, accounts)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, a)
	}
	return items, rows.Err()
}

func (r *accountRepoPG) Upsert(ctx context.Context, a *Account) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	return db.Conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO staff_account (id, account, display_name, role, active)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (account) DO UPDATE
			SET display_name = EXCLUDED.display_name, role = EXCLUDED.role, active = EXCLUDED.active
		RETURNING id, created_at`,
		a.ID, a.Account, a.DisplayName, a.Role, a.Active).Scan(&a.ID, &a.CreatedAt)
}
