package payment

import (
	"context"
	"fmt"
	"sync"
	"time"

	"camppay/internal/camp"
	"camppay/internal/common/database"
	"camppay/internal/common/events"
)

// fakeCamps is an in-memory CampDirectory.
type fakeCamps struct {
	camps  map[string]*camp.Camp
	promos map[string]int64 // key: campID + "/" + sanitized code
}

func newFakeCamps() *fakeCamps {
	return &fakeCamps{
		camps:  make(map[string]*camp.Camp),
		promos: make(map[string]int64),
	}
}

func (f *fakeCamps) add(c *camp.Camp) *fakeCamps {
	f.camps[c.ID] = c
	return f
}

func (f *fakeCamps) addPromo(campID, code string, cents int64) *fakeCamps {
	f.promos[campID+"/"+camp.SanitizeCode(code)] = cents
	return f
}

func (f *fakeCamps) Get(ctx context.Context, id string) (*camp.Camp, error) {
	c, ok := f.camps[id]
	if !ok {
		return nil, fmt.Errorf("camp %s: %w", id, database.ErrNotFound)
	}
	return c, nil
}

func (f *fakeCamps) PromoDiscount(ctx context.Context, campID, code string) (int64, error) {
	sanitized := camp.SanitizeCode(code)
	if sanitized == "" {
		return 0, nil
	}
	return f.promos[campID+"/"+sanitized], nil
}

// memStore is an in-memory Store. Fulfill snapshots all state before running
// the callback and restores it on error, mimicking transaction rollback.
type memStore struct {
	camps        *fakeCamps
	sessions     map[string]CheckoutSession
	participants map[string]Participant
	installments map[string]InstallmentRecord
}

func newMemStore(camps *fakeCamps) *memStore {
	return &memStore{
		camps:        camps,
		sessions:     make(map[string]CheckoutSession),
		participants: make(map[string]Participant),
		installments: make(map[string]InstallmentRecord),
	}
}

func (m *memStore) CreateSession(ctx context.Context, s *CheckoutSession) error {
	if _, ok := m.sessions[s.ID]; ok {
		return fmt.Errorf("session %s: %w", s.ID, database.ErrAlreadyExists)
	}
	m.sessions[s.ID] = *s
	return nil
}

func (m *memStore) GetSession(ctx context.Context, id string) (*CheckoutSession, error) {
	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, database.ErrNotFound)
	}
	return &s, nil
}

func (m *memStore) GetParticipant(ctx context.Context, id string) (*Participant, error) {
	p, ok := m.participants[id]
	if !ok {
		return nil, fmt.Errorf("participant %s: %w", id, database.ErrNotFound)
	}
	return &p, nil
}

func (m *memStore) CreateParticipant(ctx context.Context, p *Participant) error {
	if _, ok := m.participants[p.ID]; ok {
		return fmt.Errorf("participant %s: %w", p.ID, database.ErrAlreadyExists)
	}
	m.participants[p.ID] = *p
	return nil
}

func (m *memStore) ListInstallments(ctx context.Context, participantID string) ([]*InstallmentRecord, error) {
	var records []*InstallmentRecord
	for _, rec := range m.installments {
		if rec.ParticipantID == participantID {
			r := rec
			records = append(records, &r)
		}
	}
	return records, nil
}

func (m *memStore) Fulfill(ctx context.Context, fn func(tx FulfillTx) error) error {
	sessions := cloneMap(m.sessions)
	participants := cloneMap(m.participants)
	installments := cloneMap(m.installments)

	if err := fn(&memTx{store: m}); err != nil {
		m.sessions = sessions
		m.participants = participants
		m.installments = installments
		return err
	}
	return nil
}

func cloneMap[V any](in map[string]V) map[string]V {
	out := make(map[string]V, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

type memTx struct {
	store *memStore
}

func (t *memTx) Session(ctx context.Context, id string) (*CheckoutSession, error) {
	return t.store.GetSession(ctx, id)
}

func (t *memTx) Camp(ctx context.Context, id string) (*camp.Camp, error) {
	return t.store.camps.Get(ctx, id)
}

func (t *memTx) PromoDiscount(ctx context.Context, campID, code string) (int64, error) {
	return t.store.camps.PromoDiscount(ctx, campID, code)
}

func (t *memTx) Participant(ctx context.Context, id string) (*Participant, error) {
	return t.store.GetParticipant(ctx, id)
}

func (t *memTx) PutParticipant(ctx context.Context, p *Participant) error {
	t.store.participants[p.ID] = *p
	return nil
}

func (t *memTx) AddPaid(ctx context.Context, participantID string, cents int64) error {
	p, ok := t.store.participants[participantID]
	if !ok {
		return fmt.Errorf("participant %s: %w", participantID, database.ErrNotFound)
	}
	p.PaidCents += cents
	t.store.participants[participantID] = p
	return nil
}

func (t *memTx) AppendInstallment(ctx context.Context, rec *InstallmentRecord) error {
	if _, ok := t.store.installments[rec.SessionID]; ok {
		return fmt.Errorf("installment %s: %w", rec.SessionID, database.ErrAlreadyExists)
	}
	t.store.installments[rec.SessionID] = *rec
	return nil
}

func (t *memTx) FinalizeSession(ctx context.Context, id string, status SessionStatus, paidAt *time.Time, paymentIntent string) error {
	s, ok := t.store.sessions[id]
	if !ok {
		return fmt.Errorf("session %s: %w", id, database.ErrNotFound)
	}
	s.Status = status
	s.PaidAt = paidAt
	if paymentIntent != "" {
		s.PaymentIntents = append(append([]string{}, s.PaymentIntents...), paymentIntent)
	}
	s.UpdatedAt = time.Now().UTC()
	t.store.sessions[id] = s
	return nil
}

// fakeGateway records checkout session requests and hands out sequential ids.
type fakeGateway struct {
	calls []CheckoutParams
	err   error
}

func (g *fakeGateway) CreateCheckoutSession(ctx context.Context, p CheckoutParams) (*GatewaySession, error) {
	if g.err != nil {
		return nil, g.err
	}
	g.calls = append(g.calls, p)
	id := fmt.Sprintf("cs_test_%d", len(g.calls))
	return &GatewaySession{ID: id, URL: "https://pay.example.com/" + id}, nil
}

// capturePublisher records published events.
type capturePublisher struct {
	mu     sync.Mutex
	events []*events.Event
}

func (p *capturePublisher) Publish(ctx context.Context, event *events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *capturePublisher) byType(eventType string) []*events.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []*events.Event
	for _, e := range p.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}
