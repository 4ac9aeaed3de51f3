package responsibility

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/ehr/intake/internal/domain/directory"
	"github.com/ehr/intake/internal/domain/policy"
	"github.com/ehr/intake/internal/platform/apperr"
)

// Registry tracks which staff accounts are responsible for a patient.
type Registry struct {
	repo     Repository
	patients PatientLookup
	accounts directory.Repository
	policy   *policy.Policy
	now      func() time.Time
}

func NewRegistry(repo Repository, patients PatientLookup, accounts directory.Repository, p *policy.Policy) *Registry {
	return &Registry{repo: repo, patients: patients, accounts: accounts, policy: p, now: time.Now}
}

func (s *Registry) requirePatient(ctx context.Context, hn string) error {
	if strings.TrimSpace(hn) == "" {
		return apperr.Validation("hn is required")
	}
	ok, err := s.patients.Exists(ctx, hn)
	if err != nil {
		return apperr.Persistence(err, "load patient %s", hn)
	}
	if !ok {
		return apperr.NotFound("patient %s not found", hn)
	}
	return nil
}

// AssignCreator records account as the patient's creator. It is called once,
// inside the patient registration transaction.
func (s *Registry) AssignCreator(ctx context.Context, hn, account string) error {
	if strings.TrimSpace(account) == "" {
		return apperr.Validation("creator account is required")
	}
	active, err := s.repo.ListActive(ctx, hn)
	if err != nil {
		return apperr.Persistence(err, "list responsibility for %s", hn)
	}
	for _, r := range active {
		if r.Kind == KindCreator {
			return apperr.Conflict("patient %s already has a creator", hn)
		}
	}
	rec := &Record{
		HN:         hn,
		Account:    account,
		Kind:       KindCreator,
		Active:     true,
		AssignedBy: account,
		AssignedAt: s.now(),
	}
	if err := s.repo.Insert(ctx, rec); err != nil {
		return apperr.Persistence(err, "assign creator for %s", hn)
	}
	return nil
}

// AddResponsible makes account responsible for the patient. The caller must
// already be responsible or be an administrator. An inactive record for the
// same pair is reactivated instead of inserting a second row; only an
// administrator may reactivate a creator record.
func (s *Registry) AddResponsible(ctx context.Context, hn, account string, by policy.Actor) (*Record, error) {
	if strings.TrimSpace(account) == "" {
		return nil, apperr.Validation("account is required")
	}
	if err := s.requirePatient(ctx, hn); err != nil {
		return nil, err
	}
	callerResponsible, err := s.IsResponsible(ctx, hn, by.Account)
	if err != nil {
		return nil, err
	}
	if !s.policy.CanManageResponsibility(by.Role, callerResponsible) {
		return nil, apperr.Authorization("responsible staff or admin",
			"%s is not responsible for patient %s", by.Account, hn)
	}

	staff, err := s.accounts.GetByAccount(ctx, account)
	if errors.Is(err, directory.ErrNotFound) {
		return nil, apperr.NotFound("account %s not found", account)
	}
	if err != nil {
		return nil, apperr.Persistence(err, "resolve account %s", account)
	}

	now := s.now()
	existing, err := s.repo.Get(ctx, hn, account)
	switch {
	case err == nil && existing.Active:
		return nil, apperr.Validation("%s is already responsible for patient %s", account, hn)
	case err == nil && existing.Kind == KindCreator && by.Role != policy.RoleAdmin:
		return nil, apperr.Authorization(policy.RoleAdmin.String(),
			"only administrators may restore the creator of patient %s", hn)
	case err == nil:
		if err := s.repo.Reactivate(ctx, existing.ID, by.Account, now); err != nil {
			return nil, apperr.Persistence(err, "reactivate responsibility")
		}
		existing.Active = true
		existing.AssignedBy = by.Account
		existing.AssignedAt = now
		existing.DeactivatedBy = nil
		existing.DeactivatedAt = nil
		resolve(existing, staff)
		return existing, nil
	case !errors.Is(err, ErrNotFound):
		return nil, apperr.Persistence(err, "load responsibility")
	}

	rec := &Record{
		HN:         hn,
		Account:    account,
		Kind:       KindResponsible,
		Active:     true,
		AssignedBy: by.Account,
		AssignedAt: now,
	}
	if err := s.repo.Insert(ctx, rec); err != nil {
		return nil, apperr.Persistence(err, "add responsibility")
	}
	resolve(rec, staff)
	return rec, nil
}

// RemoveResponsible deactivates the pair. Non-administrators may only
// remove themselves, and may not remove a creator record.
func (s *Registry) RemoveResponsible(ctx context.Context, hn, account string, by policy.Actor) error {
	isAdmin := by.Role == policy.RoleAdmin
	if !isAdmin && (!by.Role.Valid() || by.Account != account) {
		return apperr.Authorization(policy.RoleAdmin.String(), "only administrators may remove other staff")
	}

	rec, err := s.repo.Get(ctx, hn, account)
	if errors.Is(err, ErrNotFound) || (err == nil && !rec.Active) {
		return apperr.NotFound("%s is not responsible for patient %s", account, hn)
	}
	if err != nil {
		return apperr.Persistence(err, "load responsibility")
	}
	if !isAdmin && rec.Kind == KindCreator {
		return apperr.Authorization(policy.RoleAdmin.String(), "the creator of a patient cannot remove themselves")
	}

	if err := s.repo.Deactivate(ctx, rec.ID, by.Account, s.now()); err != nil {
		return apperr.Persistence(err, "remove responsibility")
	}
	return nil
}

// ListResponsible returns the active records with names and roles resolved
// from the directory. Accounts missing from the directory keep their account
// as display name and no role.
func (s *Registry) ListResponsible(ctx context.Context, hn string) ([]*Record, error) {
	records, err := s.repo.ListActive(ctx, hn)
	if err != nil {
		return nil, apperr.Persistence(err, "list responsibility for %s", hn)
	}
	if len(records) == 0 {
		return records, nil
	}

	accounts := make([]string, len(records))
	for i, r := range records {
		accounts[i] = r.Account
	}
	staff, err := s.accounts.ListByAccounts(ctx, accounts)
	if err != nil {
		return nil, apperr.Persistence(err, "resolve responsible accounts")
	}
	byAccount := make(map[string]*directory.Account, len(staff))
	for _, a := range staff {
		byAccount[a.Account] = a
	}
	for _, r := range records {
		r.DisplayName = r.Account
		if a, ok := byAccount[r.Account]; ok {
			resolve(r, a)
		}
	}
	return records, nil
}

func (s *Registry) IsResponsible(ctx context.Context, hn, account string) (bool, error) {
	rec, err := s.active(ctx, hn, account)
	if err != nil {
		return false, err
	}
	return rec != nil, nil
}

// IsCreator reports whether account is the patient's active creator.
func (s *Registry) IsCreator(ctx context.Context, hn, account string) (bool, error) {
	rec, err := s.active(ctx, hn, account)
	if err != nil {
		return false, err
	}
	return rec != nil && rec.Kind == KindCreator, nil
}

func (s *Registry) active(ctx context.Context, hn, account string) (*Record, error) {
	if account == "" {
		return nil, nil
	}
	rec, err := s.repo.Get(ctx, hn, account)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Persistence(err, "load responsibility")
	}
	if !rec.Active {
		return nil, nil
	}
	return rec, nil
}

func resolve(r *Record, a *directory.Account) {
	r.StaffID = a.ID
	r.DisplayName = a.DisplayName
	r.Role = a.CanonicalRole()
}
