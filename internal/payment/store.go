package payment

import (
	"context"
	"time"

	"camppay/internal/camp"
)

// Store persists checkout sessions and the participant ledger.
type Store interface {
	CreateSession(ctx context.Context, s *CheckoutSession) error
	GetSession(ctx context.Context, id string) (*CheckoutSession, error)

	GetParticipant(ctx context.Context, id string) (*Participant, error)
	// CreateParticipant persists a participant directly. Only the zero-cost
	// join path uses this; paid joins are created by the reconciler.
	CreateParticipant(ctx context.Context, p *Participant) error
	ListInstallments(ctx context.Context, participantID string) ([]*InstallmentRecord, error)

	// Fulfill runs fn inside one optimistic transaction spanning the session,
	// participant and installment records. On write conflict the transaction
	// is retried from scratch; fn must therefore be free of side effects
	// beyond the transactional context.
	Fulfill(ctx context.Context, fn func(tx FulfillTx) error) error
}

// FulfillTx is the transactional capability handed to the reconciler.
// All reads observe the transaction's snapshot and all writes commit
// atomically or not at all.
type FulfillTx interface {
	Session(ctx context.Context, id string) (*CheckoutSession, error)
	Camp(ctx context.Context, id string) (*camp.Camp, error)
	PromoDiscount(ctx context.Context, campID, code string) (int64, error)
	Participant(ctx context.Context, id string) (*Participant, error)

	// PutParticipant upserts the participant row; a concurrent duplicate-join
	// settlement overwrites rather than errors (last settlement wins).
	PutParticipant(ctx context.Context, p *Participant) error
	// AddPaid atomically increments paid_cents; increments from concurrent
	// settlements of different sessions commute.
	AddPaid(ctx context.Context, participantID string, cents int64) error
	AppendInstallment(ctx context.Context, rec *InstallmentRecord) error
	// FinalizeSession flips the session to a terminal status and appends the
	// payment intent reference when one is present.
	FinalizeSession(ctx context.Context, id string, status SessionStatus, paidAt *time.Time, paymentIntent string) error
}
