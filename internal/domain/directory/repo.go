package directory

import "context"

// Repository resolves staff accounts.
type Repository interface {
	GetByAccount(ctx context.Context, account string) (*Account, error)
	// ListByAccounts returns the active accounts among the given ones;
	// unknown accounts are omitted.
	ListByAccounts(ctx context.Context, accounts []string) ([]*Account, error)
	Upsert(ctx context.Context, a *Account) error
}
