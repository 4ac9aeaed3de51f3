package patient

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/ehr/intake/internal/domain/policy"
	"github.com/ehr/intake/internal/platform/apperr"
	"github.com/ehr/intake/internal/platform/db"
)

const maxHNLength = 32

// Responsibility is the part of the responsibility registry the patient
// service needs.
type Responsibility interface {
	AssignCreator(ctx context.Context, hn, account string) error
	IsCreator(ctx context.Context, hn, account string) (bool, error)
	IsResponsible(ctx context.Context, hn, account string) (bool, error)
}

type Service struct {
	repo   Repository
	resp   Responsibility
	tx     db.TxRunner
	policy *policy.Policy
	now    func() time.Time
}

func NewService(repo Repository, resp Responsibility, tx db.TxRunner, p *policy.Policy) *Service {
	return &Service{repo: repo, resp: resp, tx: tx, policy: p, now: time.Now}
}

// Registration is the input to Register.
type Registration struct {
	HN   string `json:"hn"`
	Name string `json:"name"`
}

// Register creates the patient at the awaiting stage and records the actor as
// its creator in the same transaction.
func (s *Service) Register(ctx context.Context, reg Registration, by policy.Actor) (*Patient, error) {
	hn := strings.TrimSpace(reg.HN)
	if hn == "" {
		return nil, apperr.Validation("hn is required")
	}
	if utf8.RuneCountInString(hn) > maxHNLength {
		return nil, apperr.Validation("hn must be at most %d characters", maxHNLength)
	}
	if !s.policy.CanCreatePatient(by.Role) {
		return nil, apperr.Authorization("admin, doctor or nurse", "%s may not register patients", by.Role)
	}

	p := &Patient{
		HN:        hn,
		Name:      strings.TrimSpace(reg.Name),
		Stage:     policy.StageAwaiting,
		CreatedBy: by.Account,
		CreatedAt: s.now(),
	}
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		if err := s.repo.Create(ctx, p); err != nil {
			return err
		}
		return s.resp.AssignCreator(ctx, hn, by.Account)
	})
	switch {
	case err == nil:
		return p, nil
	case errors.Is(err, ErrExists):
		return nil, apperr.Conflict("patient %s already exists", hn)
	case apperr.KindOf(err) != "":
		return nil, err
	default:
		return nil, apperr.Persistence(err, "register patient %s", hn)
	}
}

func (s *Service) Get(ctx context.Context, hn string) (*Patient, error) {
	p, err := s.repo.Get(ctx, hn)
	if errors.Is(err, ErrNotFound) {
		return nil, apperr.NotFound("patient %s not found", hn)
	}
	if err != nil {
		return nil, apperr.Persistence(err, "load patient %s", hn)
	}
	return p, nil
}

// Exists reports whether a live patient with hn exists.
func (s *Service) Exists(ctx context.Context, hn string) (bool, error) {
	return s.repo.Exists(ctx, hn)
}

// Rename changes the patient's display name. Only responsible staff and
// administrators may edit the record.
func (s *Service) Rename(ctx context.Context, hn, name string, by policy.Actor) (*Patient, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, apperr.Validation("name is required")
	}
	p, err := s.Get(ctx, hn)
	if err != nil {
		return nil, err
	}
	responsible, err := s.resp.IsResponsible(ctx, hn, by.Account)
	if err != nil {
		return nil, err
	}
	if !s.policy.CanEditPatientRecord(by.Role, responsible) {
		return nil, apperr.Authorization("responsible staff or admin", "%s is not responsible for patient %s", by.Account, hn)
	}
	now := s.now()
	if err := s.repo.UpdateName(ctx, hn, name, now); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, apperr.NotFound("patient %s not found", hn)
		}
		return nil, apperr.Persistence(err, "rename patient %s", hn)
	}
	p.Name = name
	p.UpdatedAt = now
	return p, nil
}

// Delete soft-deletes the patient. Only the creator or an administrator may
// delete.
func (s *Service) Delete(ctx context.Context, hn string, by policy.Actor) error {
	if _, err := s.Get(ctx, hn); err != nil {
		return err
	}
	owner, err := s.resp.IsCreator(ctx, hn, by.Account)
	if err != nil {
		return err
	}
	if !s.policy.CanDeletePatient(by.Role, owner) {
		return apperr.Authorization("creator or admin", "only the creator or an administrator may delete patient %s", hn)
	}
	if err := s.repo.SoftDelete(ctx, hn, s.now()); err != nil {
		if errors.Is(err, ErrNotFound) {
			return apperr.NotFound("patient %s not found", hn)
		}
		return apperr.Persistence(err, "delete patient %s", hn)
	}
	return nil
}
