package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/intake/internal/domain/notification"
	"github.com/ehr/intake/internal/domain/patient"
	"github.com/ehr/intake/internal/domain/policy"
	"github.com/ehr/intake/internal/domain/responsibility"
	"github.com/ehr/intake/internal/platform/apperr"
	"github.com/ehr/intake/internal/platform/auth"
	"github.com/ehr/intake/internal/platform/events"
)

// -- Test clock --

type clock struct{ t time.Time }

func (c *clock) now() time.Time           { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

// -- Mock patient store --

type mockPatients struct {
	store   map[string]*patient.Patient
	writes  int
	failCAS error
	// moveBeforeCAS simulates a concurrent writer.
	moveBeforeCAS policy.Stage
}

func (m *mockPatients) Get(_ context.Context, hn string) (*patient.Patient, error) {
	p, ok := m.store[hn]
	if !ok {
		return nil, patient.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *mockPatients) CompareAndSetStage(_ context.Context, w patient.StageWrite) error {
	m.writes++
	if m.failCAS != nil {
		return m.failCAS
	}
	p, ok := m.store[w.HN]
	if !ok {
		return patient.ErrStageChanged
	}
	if m.moveBeforeCAS != "" {
		p.Stage = m.moveBeforeCAS
	}
	if p.Stage != w.From {
		return patient.ErrStageChanged
	}
	p.Stage = w.To
	p.AppointmentDate, p.AppointmentTime = w.AppointmentDate, w.AppointmentTime
	return nil
}

// -- Mock outbox --

type mockEvents struct {
	clock      *clock
	items      map[uuid.UUID]*StageEvent
	order      []uuid.UUID
	failCreate error
}

func newMockEvents(c *clock) *mockEvents {
	return &mockEvents{clock: c, items: make(map[uuid.UUID]*StageEvent)}
}

func (m *mockEvents) Create(_ context.Context, e *StageEvent) error {
	if m.failCreate != nil {
		return m.failCreate
	}
	e.NextAttemptAt = m.clock.now()
	e.CreatedAt = m.clock.now()
	cp := *e
	m.items[e.ID] = &cp
	m.order = append(m.order, e.ID)
	return nil
}

func (m *mockEvents) Get(_ context.Context, id uuid.UUID) (*StageEvent, error) {
	e, ok := m.items[id]
	if !ok {
		return nil, ErrEventNotFound
	}
	cp := *e
	return &cp, nil
}

func (m *mockEvents) due(e *StageEvent) bool {
	return e.Status == EventPending && !e.NextAttemptAt.After(m.clock.now())
}

func (m *mockEvents) Claim(_ context.Context, id uuid.UUID, lease time.Duration) (*StageEvent, error) {
	e, ok := m.items[id]
	if !ok || !m.due(e) {
		return nil, ErrNotClaimed
	}
	e.NextAttemptAt = m.clock.now().Add(lease)
	cp := *e
	return &cp, nil
}

func (m *mockEvents) ClaimDue(_ context.Context, limit int, lease time.Duration) ([]*StageEvent, error) {
	var out []*StageEvent
	for _, id := range m.order {
		if len(out) == limit {
			break
		}
		e := m.items[id]
		if !m.due(e) {
			continue
		}
		e.NextAttemptAt = m.clock.now().Add(lease)
		cp := *e
		out = append(out, &cp)
	}
	return out, nil
}

func (m *mockEvents) Update(_ context.Context, e *StageEvent) error {
	if _, ok := m.items[e.ID]; !ok {
		return ErrEventNotFound
	}
	cp := *e
	m.items[e.ID] = &cp
	return nil
}

func (m *mockEvents) List(_ context.Context, status EventStatus, limit, offset int) ([]*StageEvent, int, error) {
	var out []*StageEvent
	for _, id := range m.order {
		if e := m.items[id]; e.Status == status {
			out = append(out, e)
		}
	}
	return out, len(out), nil
}

func (m *mockEvents) Requeue(_ context.Context, id uuid.UUID) error {
	e, ok := m.items[id]
	if !ok || e.Status == EventDone {
		return ErrEventNotFound
	}
	e.Status, e.AttemptCount, e.NextAttemptAt, e.LastError = EventPending, 0, m.clock.now(), nil
	return nil
}

// -- Transaction that rolls back the mocks --

type mockTx struct {
	patients *mockPatients
	events   *mockEvents
}

func (m *mockTx) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	patients := make(map[string]patient.Patient, len(m.patients.store))
	for k, v := range m.patients.store {
		patients[k] = *v
	}
	nEvents := len(m.events.order)
	if err := fn(ctx); err != nil {
		for k, v := range patients {
			v := v
			m.patients.store[k] = &v
		}
		for _, id := range m.events.order[nEvents:] {
			delete(m.events.items, id)
		}
		m.events.order = m.events.order[:nEvents]
		return err
	}
	return nil
}

// -- Side-effect fakes --

type historyRow struct {
	eventID  uuid.UUID
	hn       string
	from, to policy.Stage
	actor    policy.Actor
}

type mockHistory struct {
	rows []historyRow
	fail error
}

func (m *mockHistory) AppendEvent(_ context.Context, eventID uuid.UUID, _ time.Time, hn string, from, to policy.Stage, actor policy.Actor, _ string) (bool, error) {
	if m.fail != nil {
		return false, m.fail
	}
	for _, r := range m.rows {
		if r.eventID == eventID {
			return false, nil
		}
	}
	m.rows = append(m.rows, historyRow{eventID: eventID, hn: hn, from: from, to: to, actor: actor})
	return true, nil
}

type mockMessages struct {
	messages []*notification.Message
	// failOnce fails the next Insert for each listed account.
	failOnce map[string]bool
}

func (m *mockMessages) Insert(_ context.Context, msg *notification.Message) (bool, error) {
	if m.failOnce[msg.RecipientAccount] {
		delete(m.failOnce, msg.RecipientAccount)
		return false, errors.New("connection reset")
	}
	for _, existing := range m.messages {
		if existing.EventID == msg.EventID && existing.RecipientAccount == msg.RecipientAccount {
			return false, nil
		}
	}
	m.messages = append(m.messages, msg)
	return true, nil
}

func (m *mockMessages) ListForRecipient(context.Context, string, notification.Filter) ([]*notification.Message, int, error) {
	return nil, 0, nil
}

func (m *mockMessages) MarkRead(context.Context, uuid.UUID, string, time.Time) error {
	return nil
}

type mockRecipients struct {
	records []*responsibility.Record
}

func (m *mockRecipients) ListResponsible(context.Context, string) ([]*responsibility.Record, error) {
	var out []*responsibility.Record
	for _, r := range m.records {
		if r.Active {
			out = append(out, r)
		}
	}
	return out, nil
}

type mockPublisher struct {
	published []events.StageChanged
	fail      error
}

func (m *mockPublisher) Publish(_ context.Context, ev events.StageChanged) error {
	if m.fail != nil {
		return m.fail
	}
	m.published = append(m.published, ev)
	return nil
}

// -- Fixture --

type fixture struct {
	svc       *Service
	relay     *Relay
	clock     *clock
	patients  *mockPatients
	events    *mockEvents
	history   *mockHistory
	messages  *mockMessages
	staff     *mockRecipients
	publisher *mockPublisher
}

func responsible(account string, role policy.Role, active bool) *responsibility.Record {
	return &responsibility.Record{Account: account, Active: active, StaffID: uuid.New(), DisplayName: account, Role: role}
}

func newFixture(stage policy.Stage) *fixture {
	f := &fixture{
		clock: &clock{t: time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)},
		patients: &mockPatients{store: map[string]*patient.Patient{
			"HN1": {HN: "HN1", Name: "Somsri", Stage: stage},
		}},
		history:   &mockHistory{},
		messages:  &mockMessages{},
		publisher: &mockPublisher{},
		staff: &mockRecipients{records: []*responsibility.Record{
			responsible("doc@h", policy.RoleDoctor, true),
			responsible("nurse@h", policy.RoleNurse, true),
			responsible("former@h", policy.RoleNurse, false),
		}},
	}
	f.events = newMockEvents(f.clock)
	dispatcher := notification.NewDispatcher(notification.NewTemplateEngine(), f.staff, f.messages, zerolog.Nop())
	proc := NewProcessor(f.events, f.history, dispatcher, f.publisher, zerolog.Nop())
	proc.now = f.clock.now
	f.svc = NewService(f.patients, f.events, &mockTx{patients: f.patients, events: f.events}, policy.Default(), proc, zerolog.Nop())
	f.svc.now = f.clock.now
	f.relay = NewRelay(f.events, proc, zerolog.Nop())
	return f
}

func (f *fixture) assertNoSideEffects(t *testing.T) {
	t.Helper()
	if len(f.events.items) != 0 {
		t.Errorf("expected no outbox events, got %d", len(f.events.items))
	}
	if len(f.history.rows) != 0 {
		t.Errorf("expected no history rows, got %d", len(f.history.rows))
	}
	if len(f.messages.messages) != 0 {
		t.Errorf("expected no notifications, got %d", len(f.messages.messages))
	}
	if len(f.publisher.published) != 0 {
		t.Errorf("expected nothing published, got %d", len(f.publisher.published))
	}
}

var (
	admin  = policy.Actor{Account: "root@h", DisplayName: "Root", Role: policy.RoleAdmin}
	doctor = policy.Actor{Account: "doc@h", DisplayName: "Dr. Somchai", Role: policy.RoleDoctor}
	nurse  = policy.Actor{Account: "nurse@h", DisplayName: "Nok", Role: policy.RoleNurse}
	labber = policy.Actor{Account: "lab@h", DisplayName: "Lek", Role: policy.RoleLabTech}
)

// -- RequestTransition --

func TestRequestTransition_NurseDrawsScheduledPatient(t *testing.T) {
	f := newFixture(policy.StageScheduled)
	res, err := f.svc.RequestTransition(context.Background(), TransitionRequest{
		HN: "HN1", Target: policy.StageDrawn, Actor: nurse, Note: "left arm",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.From != policy.StageScheduled || res.To != policy.StageDrawn || res.Pending {
		t.Errorf("unexpected result %+v", res)
	}
	if f.patients.store["HN1"].Stage != policy.StageDrawn {
		t.Errorf("expected persisted stage drawn, got %s", f.patients.store["HN1"].Stage)
	}
	if len(f.history.rows) != 1 {
		t.Fatalf("expected exactly one history row, got %d", len(f.history.rows))
	}
	row := f.history.rows[0]
	if row.from != policy.StageScheduled || row.to != policy.StageDrawn || row.actor.Account != "nurse@h" {
		t.Errorf("unexpected history row %+v", row)
	}
	if res.Notified != 2 || len(f.messages.messages) != 2 {
		t.Errorf("expected 2 notifications, got result=%d stored=%d", res.Notified, len(f.messages.messages))
	}
	for _, m := range f.messages.messages {
		if m.RecipientAccount == "former@h" {
			t.Error("deactivated staff must not be notified")
		}
	}
	if len(f.publisher.published) != 1 || f.publisher.published[0].HN != "HN1" {
		t.Errorf("expected one published event, got %+v", f.publisher.published)
	}
	ev := f.events.items[res.EventID]
	if ev.Status != EventDone || ev.ProcessedAt == nil || !ev.HistoryRecorded || !ev.Notified || !ev.Published {
		t.Errorf("expected completed event, got %+v", ev)
	}
}

func TestRequestTransition_WrongRoleNamesRequiredRole(t *testing.T) {
	f := newFixture(policy.StageScheduled)
	_, err := f.svc.RequestTransition(context.Background(), TransitionRequest{
		HN: "HN1", Target: policy.StageDrawn, Actor: labber,
	})
	var ae *apperr.Error
	if !errors.As(err, &ae) || ae.Kind != apperr.KindAuthorization {
		t.Fatalf("expected authorization error, got %v", err)
	}
	if ae.RequiredRole != "nurse" {
		t.Errorf("expected required role nurse, got %q", ae.RequiredRole)
	}
	if f.patients.writes != 0 {
		t.Errorf("expected no store writes, got %d", f.patients.writes)
	}
	if f.patients.store["HN1"].Stage != policy.StageScheduled {
		t.Error("stage must be unchanged")
	}
	f.assertNoSideEffects(t)
}

func TestRequestTransition_ScheduledRequiresDateAndTime(t *testing.T) {
	tests := []struct {
		name       string
		date, time string
	}{
		{"missing both", "", ""},
		{"missing date", "", "09:30"},
		{"missing time", "2026-04-02", ""},
		{"blank time", "2026-04-02", "  "},
		{"bad date", "02/04/2026", "09:30"},
		{"bad time", "2026-04-02", "9.30am"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(policy.StageAwaiting)
			_, err := f.svc.RequestTransition(context.Background(), TransitionRequest{
				HN: "HN1", Target: policy.StageScheduled, Actor: nurse,
				ScheduledDate: tt.date, ScheduledTime: tt.time,
			})
			if !apperr.Is(err, apperr.KindValidation) {
				t.Fatalf("expected validation error, got %v", err)
			}
			if f.patients.writes != 0 {
				t.Errorf("expected zero store writes, got %d", f.patients.writes)
			}
			f.assertNoSideEffects(t)
		})
	}
}

func TestRequestTransition_ScheduledStoresAppointment(t *testing.T) {
	f := newFixture(policy.StageAwaiting)
	res, err := f.svc.RequestTransition(context.Background(), TransitionRequest{
		HN: "HN1", Target: policy.StageScheduled, Actor: doctor,
		ScheduledDate: "2026-04-02", ScheduledTime: "09:30",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	p := f.patients.store["HN1"]
	if p.AppointmentDate != "2026-04-02" || p.AppointmentTime != "09:30" {
		t.Errorf("unexpected appointment %q %q", p.AppointmentDate, p.AppointmentTime)
	}
	if res.Patient.AppointmentDate != "2026-04-02" {
		t.Errorf("expected appointment on result, got %+v", res.Patient)
	}
	if !strings.Contains(f.messages.messages[0].Body, "2026-04-02 at 09:30") {
		t.Errorf("expected appointment in message body, got %q", f.messages.messages[0].Body)
	}
}

func TestRequestTransition_Recheck(t *testing.T) {
	f := newFixture(policy.StageComplete)
	if _, err := f.svc.RequestTransition(context.Background(), TransitionRequest{HN: "HN1", Target: policy.StageAwaiting, Actor: nurse}); !apperr.Is(err, apperr.KindAuthorization) {
		t.Fatalf("nurse recheck should fail, got %v", err)
	}
	res, err := f.svc.RequestTransition(context.Background(), TransitionRequest{HN: "HN1", Target: policy.StageAwaiting, Actor: doctor})
	if err != nil {
		t.Fatalf("doctor recheck should succeed: %v", err)
	}
	if res.To != policy.StageAwaiting || f.patients.store["HN1"].Stage != policy.StageAwaiting {
		t.Errorf("expected patient back at awaiting")
	}
	if !strings.Contains(f.messages.messages[0].Subject, "Recheck") {
		t.Errorf("expected recheck message, got %q", f.messages.messages[0].Subject)
	}
}

func TestRequestTransition_CompleteNotifiesDoctorsOnly(t *testing.T) {
	f := newFixture(policy.StageInLab)
	res, err := f.svc.RequestTransition(context.Background(), TransitionRequest{HN: "HN1", Target: policy.StageComplete, Actor: labber})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Notified != 1 || f.messages.messages[0].RecipientAccount != "doc@h" {
		t.Errorf("expected only the doctor to be notified, got %d", res.Notified)
	}
}

func TestRequestTransition_AdminOnEveryValidEdge(t *testing.T) {
	for _, rule := range policy.Default().Edges() {
		f := newFixture(rule.Edge.From)
		_, err := f.svc.RequestTransition(context.Background(), TransitionRequest{
			HN: "HN1", Target: rule.Edge.To, Actor: admin,
			ScheduledDate: "2026-04-02", ScheduledTime: "10:00",
		})
		if err != nil {
			t.Errorf("admin on %s: %v", rule.Edge, err)
		}
	}
}

func TestRequestTransition_InvalidEdge(t *testing.T) {
	f := newFixture(policy.StageAwaiting)
	_, err := f.svc.RequestTransition(context.Background(), TransitionRequest{HN: "HN1", Target: policy.StageComplete, Actor: admin})
	var ae *apperr.Error
	if !errors.As(err, &ae) || ae.Kind != apperr.KindAuthorization || ae.RequiredRole != "none" {
		t.Fatalf("expected authorization error with no eligible role, got %v", err)
	}
	if _, err := f.svc.RequestTransition(context.Background(), TransitionRequest{HN: "HN1", Target: policy.StageAwaiting, Actor: admin}); !apperr.Is(err, apperr.KindAuthorization) {
		t.Errorf("same-stage transition should be rejected, got %v", err)
	}
	f.assertNoSideEffects(t)
}

func TestRequestTransition_Validation(t *testing.T) {
	f := newFixture(policy.StageAwaiting)
	if _, err := f.svc.RequestTransition(context.Background(), TransitionRequest{HN: " ", Target: policy.StageScheduled, Actor: admin}); !apperr.Is(err, apperr.KindValidation) {
		t.Errorf("expected validation error for empty hn, got %v", err)
	}
	if _, err := f.svc.RequestTransition(context.Background(), TransitionRequest{HN: "HN1", Target: "discharged", Actor: admin}); !apperr.Is(err, apperr.KindValidation) {
		t.Errorf("expected validation error for unknown stage, got %v", err)
	}
}

func TestRequestTransition_NotFound(t *testing.T) {
	f := newFixture(policy.StageAwaiting)
	_, err := f.svc.RequestTransition(context.Background(), TransitionRequest{HN: "HN404", Target: policy.StageScheduled, Actor: admin})
	if !apperr.Is(err, apperr.KindNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestRequestTransition_ExpectedFromMismatch(t *testing.T) {
	f := newFixture(policy.StageDrawn)
	_, err := f.svc.RequestTransition(context.Background(), TransitionRequest{
		HN: "HN1", Target: policy.StageDrawn, ExpectedFrom: policy.StageScheduled, Actor: nurse,
	})
	if !apperr.Is(err, apperr.KindConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if f.patients.writes != 0 {
		t.Errorf("expected no writes, got %d", f.patients.writes)
	}
}

func TestRequestTransition_ConcurrentStageChange(t *testing.T) {
	f := newFixture(policy.StageScheduled)
	f.patients.moveBeforeCAS = policy.StageDrawn
	_, err := f.svc.RequestTransition(context.Background(), TransitionRequest{HN: "HN1", Target: policy.StageDrawn, Actor: nurse})
	if !apperr.Is(err, apperr.KindConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	f.assertNoSideEffects(t)
}

func TestRequestTransition_PersistenceFailureStopsEverything(t *testing.T) {
	f := newFixture(policy.StageScheduled)
	f.patients.failCAS = errors.New("connection reset by peer")
	_, err := f.svc.RequestTransition(context.Background(), TransitionRequest{HN: "HN1", Target: policy.StageDrawn, Actor: nurse})
	if !apperr.Is(err, apperr.KindPersistence) {
		t.Fatalf("expected persistence error, got %v", err)
	}
	f.assertNoSideEffects(t)
}

func TestRequestTransition_OutboxFailureRollsBackStage(t *testing.T) {
	f := newFixture(policy.StageScheduled)
	f.events.failCreate = errors.New("unique violation")
	_, err := f.svc.RequestTransition(context.Background(), TransitionRequest{HN: "HN1", Target: policy.StageDrawn, Actor: nurse})
	if !apperr.Is(err, apperr.KindPersistence) {
		t.Fatalf("expected persistence error, got %v", err)
	}
	if f.patients.store["HN1"].Stage != policy.StageScheduled {
		t.Errorf("stage write must roll back with the outbox insert, got %s", f.patients.store["HN1"].Stage)
	}
	f.assertNoSideEffects(t)
}

func TestRequestTransition_SideEffectFailureIsRetriedByRelay(t *testing.T) {
	f := newFixture(policy.StageDrawn)
	f.history.fail = errors.New("history store down")

	res, err := f.svc.RequestTransition(context.Background(), TransitionRequest{HN: "HN1", Target: policy.StageInTransit, Actor: nurse})
	if err != nil {
		t.Fatalf("side-effect failures must not fail the transition: %v", err)
	}
	if !res.Pending {
		t.Error("expected pending side effects")
	}
	ev := f.events.items[res.EventID]
	if ev.Status != EventPending || ev.AttemptCount != 1 || ev.HistoryRecorded || !ev.Notified || ev.LastError == nil {
		t.Fatalf("unexpected event after failed history step %+v", ev)
	}

	if n := f.relay.RunOnce(context.Background()); n != 0 {
		t.Errorf("event should not be due before its backoff, claimed %d", n)
	}

	f.history.fail = nil
	f.clock.advance(31 * time.Second)
	if n := f.relay.RunOnce(context.Background()); n != 1 {
		t.Fatalf("expected relay to claim 1 event, got %d", n)
	}
	ev = f.events.items[res.EventID]
	if ev.Status != EventDone || !ev.HistoryRecorded {
		t.Errorf("expected event done after retry, got %+v", ev)
	}
	if len(f.history.rows) != 1 {
		t.Errorf("expected one history row, got %d", len(f.history.rows))
	}
	if len(f.messages.messages) != 2 {
		t.Errorf("notifications must not be repeated on retry, got %d", len(f.messages.messages))
	}
	if len(f.publisher.published) != 1 {
		t.Errorf("expected one publish, got %d", len(f.publisher.published))
	}
}

func TestRequestTransition_MissedRecipientIsNotifiedOnRetry(t *testing.T) {
	f := newFixture(policy.StageScheduled)
	f.messages.failOnce = map[string]bool{"nurse@h": true}

	res, err := f.svc.RequestTransition(context.Background(), TransitionRequest{HN: "HN1", Target: policy.StageDrawn, Actor: nurse})
	if err != nil {
		t.Fatalf("notification failures must not fail the transition: %v", err)
	}
	if !res.Pending || res.Notified != 1 {
		t.Errorf("expected pending result with 1 notified, got %+v", res)
	}
	ev := f.events.items[res.EventID]
	if ev.Status != EventPending || ev.Notified || !ev.HistoryRecorded || !ev.Published {
		t.Fatalf("expected only the notify step outstanding, got %+v", ev)
	}
	if len(f.messages.messages) != 1 || f.messages.messages[0].RecipientAccount != "doc@h" {
		t.Fatalf("expected only doc@h notified, got %d messages", len(f.messages.messages))
	}

	f.clock.advance(2 * time.Hour)
	if n := f.relay.RunOnce(context.Background()); n != 1 {
		t.Fatalf("expected relay to claim 1 event, got %d", n)
	}
	ev = f.events.items[res.EventID]
	if ev.Status != EventDone || !ev.Notified {
		t.Errorf("expected event done after retry, got %+v", ev)
	}
	got := map[string]int{}
	for _, m := range f.messages.messages {
		got[m.RecipientAccount]++
	}
	if len(f.messages.messages) != 2 || got["doc@h"] != 1 || got["nurse@h"] != 1 {
		t.Errorf("expected one message each for doc@h and nurse@h, got %v", got)
	}
	if len(f.history.rows) != 1 || len(f.publisher.published) != 1 {
		t.Errorf("completed steps must not repeat, history=%d published=%d", len(f.history.rows), len(f.publisher.published))
	}
}

func TestProcessor_AbandonsAfterMaxAttempts(t *testing.T) {
	f := newFixture(policy.StageDrawn)
	f.svc.SetMaxAttempts(2)
	f.publisher.fail = errors.New("broker unavailable")

	res, err := f.svc.RequestTransition(context.Background(), TransitionRequest{HN: "HN1", Target: policy.StageInTransit, Actor: nurse})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	f.clock.advance(time.Minute)
	f.relay.RunOnce(context.Background())

	ev := f.events.items[res.EventID]
	if ev.Status != EventAbandoned || ev.AttemptCount != 2 {
		t.Fatalf("expected abandoned after 2 attempts, got %s/%d", ev.Status, ev.AttemptCount)
	}
	f.clock.advance(2 * time.Hour)
	if n := f.relay.RunOnce(context.Background()); n != 0 {
		t.Errorf("abandoned events must not be retried, claimed %d", n)
	}

	f.publisher.fail = nil
	out, err := f.svc.RetryEvent(context.Background(), res.EventID, admin)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Status != EventDone || len(f.publisher.published) != 1 {
		t.Errorf("expected manual retry to finish the event, got %+v", out)
	}
	if _, err := f.svc.RetryEvent(context.Background(), res.EventID, nurse); !apperr.Is(err, apperr.KindAuthorization) {
		t.Errorf("non-admin retry should fail, got %v", err)
	}
	if _, err := f.svc.RetryEvent(context.Background(), res.EventID, admin); !apperr.Is(err, apperr.KindNotFound) {
		t.Errorf("retrying a done event should be not found, got %v", err)
	}
}

func TestProcessor_NilPublisher(t *testing.T) {
	c := &clock{t: time.Now()}
	repo := newMockEvents(c)
	e := &StageEvent{ID: uuid.New(), HN: "HN1", FromStage: policy.StageDrawn, ToStage: policy.StageInTransit, MaxAttempts: 3, Status: EventPending}
	repo.Create(context.Background(), e)
	dispatcher := notification.NewDispatcher(notification.NewTemplateEngine(), &mockRecipients{}, &mockMessages{}, zerolog.Nop())
	proc := NewProcessor(repo, &mockHistory{}, dispatcher, nil, zerolog.Nop())
	if _, err := proc.Process(context.Background(), e); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !e.Published || e.Status != EventDone {
		t.Errorf("expected publish step skipped and event done, got %+v", e)
	}
}

func TestRetryBackoff(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 30 * time.Second},
		{2, time.Minute},
		{3, 5 * time.Minute},
		{4, 15 * time.Minute},
		{5, time.Hour},
		{9, time.Hour},
	}
	for _, tt := range tests {
		if got := retryBackoff(tt.attempt); got != tt.want {
			t.Errorf("retryBackoff(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestRelay_StartStopsOnCancel(t *testing.T) {
	f := newFixture(policy.StageDrawn)
	f.relay.Interval = time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.relay.Start(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("relay did not stop after cancel")
	}
}

// -- Handler --

func newContext(method, body string, id auth.Identity) (echo.Context, *httptest.ResponseRecorder) {
	e := echo.New()
	req := httptest.NewRequest(method, "/", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req = req.WithContext(auth.WithIdentity(req.Context(), id))
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec), rec
}

func TestHandler_RequestTransition(t *testing.T) {
	f := newFixture(policy.StageScheduled)
	h := NewHandler(f.svc)
	c, rec := newContext(http.MethodPost, `{"target":"drawn","expected_from":"scheduled"}`, auth.Identity{Account: "nurse@h", Role: "พยาบาล"})
	c.SetParamNames("hn")
	c.SetParamValues("HN1")
	if err := h.RequestTransition(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	var res TransitionResult
	json.Unmarshal(rec.Body.Bytes(), &res)
	if res.To != policy.StageDrawn || res.Notified != 2 {
		t.Errorf("unexpected result %+v", res)
	}
}

func TestHandler_RequestTransitionForbidden(t *testing.T) {
	f := newFixture(policy.StageScheduled)
	h := NewHandler(f.svc)
	c, _ := newContext(http.MethodPost, `{"target":"drawn"}`, auth.Identity{Account: "lab@h", Role: "Lab Tech"})
	c.SetParamNames("hn")
	c.SetParamValues("HN1")
	err := h.RequestTransition(c)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %v", err)
	}
	body, _ := he.Message.(map[string]string)
	if body["required_role"] != "nurse" {
		t.Errorf("expected required_role nurse, got %v", he.Message)
	}
}

func TestHandler_RequestTransitionUnknownStage(t *testing.T) {
	f := newFixture(policy.StageScheduled)
	h := NewHandler(f.svc)
	c, _ := newContext(http.MethodPost, `{"target":"discharged"}`, auth.Identity{Account: "root@h", Role: "admin"})
	c.SetParamNames("hn")
	c.SetParamValues("HN1")
	err := h.RequestTransition(c)
	if he, ok := err.(*echo.HTTPError); !ok || he.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %v", err)
	}
}

func TestHandler_ListEdges(t *testing.T) {
	f := newFixture(policy.StageAwaiting)
	h := NewHandler(f.svc)
	c, rec := newContext(http.MethodGet, "", auth.Identity{Account: "nurse@h", Role: "nurse"})
	if err := h.ListEdges(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var body struct {
		Role policy.Role `json:"role"`
		Data []edgeView  `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Role != policy.RoleNurse || len(body.Data) != 6 {
		t.Fatalf("unexpected body %+v", body)
	}
	allowed := 0
	for _, e := range body.Data {
		if e.AllowedForMe {
			allowed++
		}
	}
	if allowed != 3 {
		t.Errorf("nurse should be allowed on 3 edges, got %d", allowed)
	}
}

func TestHandler_ListEventsAdminOnly(t *testing.T) {
	f := newFixture(policy.StageAwaiting)
	h := NewHandler(f.svc)
	c, _ := newContext(http.MethodGet, "", auth.Identity{Account: "doc@h", Role: "doctor"})
	if he, ok := h.ListEvents(c).(*echo.HTTPError); !ok || he.Code != http.StatusForbidden {
		t.Errorf("expected 403 for non-admin")
	}
	c, rec := newContext(http.MethodGet, "", auth.Identity{Account: "root@h", Role: "admin"})
	if err := h.ListEvents(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestHandler_RegisterRoutes(t *testing.T) {
	f := newFixture(policy.StageAwaiting)
	e := echo.New()
	NewHandler(f.svc).RegisterRoutes(e.Group("/api/v1"))
	routes := make(map[string]bool)
	for _, r := range e.Routes() {
		routes[r.Method+":"+r.Path] = true
	}
	for _, want := range []string{
		"POST:/api/v1/patients/:hn/transitions",
		"GET:/api/v1/policy/edges",
		"GET:/api/v1/stage-events",
		"POST:/api/v1/stage-events/:id/retry",
	} {
		if !routes[want] {
			t.Errorf("missing route: %s", want)
		}
	}
}
