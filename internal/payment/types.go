// Package payment implements payment initiation and webhook reconciliation
// for camp registrations.
package payment

import (
	"errors"
	"time"
)

// SessionStatus is the lifecycle state of a checkout session.
// Transitions are monotonic: pending moves to exactly one terminal state
// and never reverts.
type SessionStatus string

const (
	StatusPending   SessionStatus = "pending"
	StatusSucceeded SessionStatus = "succeeded"
	StatusFailed    SessionStatus = "failed"
)

// IsTerminal returns true for settled states.
func (s SessionStatus) IsTerminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// CheckoutSession correlates one hosted payment attempt with one installment
// charge. It is created pending by the orchestrator and settled exactly once
// by the reconciler. The row snapshots everything needed to finalize the
// participant later without re-trusting caller-supplied data.
type CheckoutSession struct {
	ID             string        `json:"id"` // external gateway session id
	UserID         string        `json:"user_id"`
	CampID         string        `json:"camp_id"`
	Status         SessionStatus `json:"status"`
	Cents          int64         `json:"cents"`
	SessionURL     string        `json:"session_url"`
	PaymentIntents []string      `json:"payment_intents"`

	// Discriminator: an initial-installment session snapshots the join
	// request; an installment session records the requested count.
	IsInitialInstallment bool   `json:"is_initial_installment"`
	Location             string `json:"location,omitempty"`
	PromoCode            string `json:"promo_code,omitempty"`
	InstallmentCount     int    `json:"installment_count,omitempty"`

	Error     string     `json:"error,omitempty"`
	PaidAt    *time.Time `json:"paid_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Participant is a user's enrollment in one camp, tracking cumulative
// payment. cost_cents is frozen at creation so later camp or promo edits
// never change an existing obligation. paid_cents only ever grows.
type Participant struct {
	ID        string    `json:"id"` // composite: {user_id}-{camp_id}
	UserID    string    `json:"user_id"`
	CampID    string    `json:"camp_id"`
	Location  string    `json:"location,omitempty"`
	PromoCode string    `json:"promo_code,omitempty"`
	CostCents int64     `json:"cost_cents"`
	PaidCents int64     `json:"paid_cents"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// FullyPaid reports whether the participant owes nothing more.
func (p *Participant) FullyPaid() bool {
	return p.PaidCents >= p.CostCents
}

// ParticipantID builds the composite participant key. The composite key is
// load-bearing: it makes a duplicate join unstorable under a second id.
func ParticipantID(userID, campID string) string {
	return userID + "-" + campID
}

// InstallmentRecord is the append-only audit entry for one settled session.
// Keyed by session id: at most one row can ever exist per settlement.
type InstallmentRecord struct {
	SessionID     string    `json:"session_id"`
	ParticipantID string    `json:"participant_id"`
	Cents         int64     `json:"cents"`
	CreatedAt     time.Time `json:"created_at"`
}

// InitiateOptions is the closed set of payment initiation variants.
type InitiateOptions interface {
	isInitiateOptions()
}

// InitialJoin requests the first installment for a new participant.
type InitialJoin struct {
	Location  string
	PromoCode string
}

// Installment requests payment of one or more further installments.
type Installment struct {
	Count int
}

func (InitialJoin) isInitiateOptions() {}
func (Installment) isInitiateOptions() {}

// InitiateResult is the outcome of InitiatePayment.
type InitiateResult struct {
	PaymentNeeded bool   `json:"payment_needed"`
	RedirectURL   string `json:"redirect_url,omitempty"`
}

// Terminal client errors surfaced by the orchestrator.
var (
	ErrCampNotFound            = errors.New("camp not found")
	ErrAlreadyJoined           = errors.New("user has already joined the camp")
	ErrNotJoined               = errors.New("user has not joined the camp")
	ErrInvalidInstallmentCount = errors.New("installment count must be positive")
)
