package history

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/intake/internal/domain/policy"
	"github.com/ehr/intake/internal/platform/apperr"
)

// Log is the append-only audit trail of stage transitions.
type Log struct {
	repo Repository
	now  func() time.Time
}

func NewLog(repo Repository) *Log {
	return &Log{repo: repo, now: time.Now}
}

// Append records a transition.
func (l *Log) Append(ctx context.Context, hn string, from, to policy.Stage, actor policy.Actor, note string) (*Entry, error) {
	e := NewEntry(hn, from, to, actor, note)
	if _, err := l.insert(ctx, e); err != nil {
		return nil, err
	}
	return e, nil
}

// AppendEvent records the transition carried by a stage event. It reports
// false when the event was already recorded.
func (l *Log) AppendEvent(ctx context.Context, eventID uuid.UUID, at time.Time, hn string, from, to policy.Stage, actor policy.Actor, note string) (bool, error) {
	e := NewEntry(hn, from, to, actor, note)
	e.EventID = &eventID
	e.RecordedAt = at
	return l.insert(ctx, e)
}

func (l *Log) insert(ctx context.Context, e *Entry) (bool, error) {
	if strings.TrimSpace(e.HN) == "" {
		return false, apperr.Validation("hn is required")
	}
	if !e.FromStage.Valid() || !e.ToStage.Valid() {
		return false, apperr.Validation("invalid stage pair %s -> %s", e.FromStage, e.ToStage)
	}
	if e.RecordedAt.IsZero() {
		e.RecordedAt = l.now()
	}
	inserted, err := l.repo.Insert(ctx, e)
	if err != nil {
		return false, apperr.Persistence(err, "append history for %s", e.HN)
	}
	return inserted, nil
}

// TimelineFor returns, for every stage the patient has reached, the most
// recent transition into it, ordered by stage sequence.
func (l *Log) TimelineFor(ctx context.Context, hn string) ([]*Entry, error) {
	entries, err := l.repo.LatestPerStage(ctx, hn)
	if err != nil {
		return nil, apperr.Persistence(err, "load timeline for %s", hn)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].ToStage.Before(entries[j].ToStage)
	})
	return entries, nil
}

// ListByPatient returns the full trail, newest first.
func (l *Log) ListByPatient(ctx context.Context, hn string, limit, offset int) ([]*Entry, int, error) {
	entries, total, err := l.repo.ListByPatient(ctx, hn, limit, offset)
	if err != nil {
		return nil, 0, apperr.Persistence(err, "list history for %s", hn)
	}
	return entries, total, nil
}
