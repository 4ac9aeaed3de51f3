package directory

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/intake/internal/platform/cache"
)

// CachedRepository is a read-through Redis cache in front of a Repository.
// Only positive lookups are cached; Upsert invalidates the entry.
type CachedRepository struct {
	next   Repository
	cache  *cache.Cache
	ttl    time.Duration
	logger zerolog.Logger
}

func NewCachedRepository(next Repository, c *cache.Cache, ttl time.Duration, logger zerolog.Logger) *CachedRepository {
	return &CachedRepository{next: next, cache: c, ttl: ttl, logger: logger}
}

func cacheKey(account string) string { return "account:" + account }

func (r *CachedRepository) GetByAccount(ctx context.Context, account string) (*Account, error) {
	var a Account
	if err := r.cache.Get(ctx, cacheKey(account), &a); err == nil {
		return &a, nil
	}
	found, err := r.next.GetByAccount(ctx, account)
	if err != nil {
		return nil, err
	}
	r.store(ctx, found)
	return found, nil
}

func (r *CachedRepository) ListByAccounts(ctx context.Context, accounts []string) ([]*Account, error) {
	var out []*Account
	var missing []string
	for _, acct := range accounts {
		var a Account
		if err := r.cache.Get(ctx, cacheKey(acct), &a); err == nil {
			out = append(out, &a)
			continue
		}
		missing = append(missing, acct)
	}
	if len(missing) == 0 {
		return out, nil
	}
	found, err := r.next.ListByAccounts(ctx, missing)
	if err != nil {
		return nil, err
	}
	for _, a := range found {
		r.store(ctx, a)
	}
	return append(out, found...), nil
}

func (r *CachedRepository) Upsert(ctx context.Context, a *Account) error {
	if err := r.next.Upsert(ctx, a); err != nil {
		return err
	}
	if err := r.cache.Delete(ctx, cacheKey(a.Account)); err != nil {
		r.logger.Warn().Err(err).Str("account", a.Account).Msg("failed to invalidate directory cache")
	}
	return nil
}

func (r *CachedRepository) store(ctx context.Context, a *Account) {
	if err := r.cache.Set(ctx, cacheKey(a.Account), a, r.ttl); err != nil {
		r.logger.Warn().Err(err).Str("account", a.Account).Msg("failed to cache directory entry")
	}
}
