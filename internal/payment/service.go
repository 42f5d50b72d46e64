package payment

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"camppay/internal/camp"
	"camppay/internal/common/database"
	"camppay/internal/common/events"
	"camppay/internal/common/money"
)

// CampDirectory reads camp configuration and resolves promo codes.
type CampDirectory interface {
	Get(ctx context.Context, id string) (*camp.Camp, error)
	PromoDiscount(ctx context.Context, campID, code string) (int64, error)
}

// CheckoutParams describes the hosted checkout session to open.
type CheckoutParams struct {
	Name          string
	Amount        money.Money
	SuccessURL    string
	CancelURL     string
	CustomerEmail string
}

// GatewaySession is a created hosted checkout session.
type GatewaySession struct {
	ID  string
	URL string
}

// CheckoutGateway opens hosted checkout sessions with the payment provider.
type CheckoutGateway interface {
	CreateCheckoutSession(ctx context.Context, p CheckoutParams) (*GatewaySession, error)
}

// Service is the payment orchestrator: it decides whether a payment is
// needed, computes the amount, opens a gateway session and records it
// pending. Settlement happens later, in the Reconciler.
type Service struct {
	camps     CampDirectory
	store     Store
	gateway   CheckoutGateway
	publisher events.Publisher
	logger    *slog.Logger
}

// NewService creates a payment service.
func NewService(camps CampDirectory, store Store, gateway CheckoutGateway, publisher events.Publisher, logger *slog.Logger) *Service {
	return &Service{
		camps:     camps,
		store:     store,
		gateway:   gateway,
		publisher: publisher,
		logger:    logger,
	}
}

// InitiatePayment runs the payment decision for a join or installment
// request and returns a checkout redirect when money is owed.
//
// The read-then-decide sequence here is deliberately not transactional: two
// concurrent initial joins for the same user+camp can both pass the
// existence check and both open sessions. Settlement resolves that race
// (see FulfillSession); the composite participant key guarantees at most
// one ledger row either way.
func (s *Service) InitiatePayment(ctx context.Context, userID, campID, returnURL, email string, opts InitiateOptions) (*InitiateResult, error) {
	c, err := s.camps.Get(ctx, campID)
	if err != nil {
		if database.IsNotFound(err) {
			return nil, ErrCampNotFound
		}
		return nil, fmt.Errorf("loading camp: %w", err)
	}

	participantID := ParticipantID(userID, campID)
	participant, err := s.store.GetParticipant(ctx, participantID)
	if err != nil && !database.IsNotFound(err) {
		return nil, fmt.Errorf("loading participant: %w", err)
	}

	var (
		costCents int64
		paidCents int64
		draft     *Participant
	)

	switch o := opts.(type) {
	case InitialJoin:
		if participant != nil {
			return nil, ErrAlreadyJoined
		}
		promoDiscount, err := s.camps.PromoDiscount(ctx, campID, o.PromoCode)
		if err != nil {
			return nil, fmt.Errorf("resolving promo code: %w", err)
		}
		costCents = camp.CostFor(c, o.Location, promoDiscount)
		paidCents = 0

		now := time.Now().UTC()
		draft = &Participant{
			ID:        participantID,
			UserID:    userID,
			CampID:    campID,
			Location:  o.Location,
			PromoCode: camp.SanitizeCode(o.PromoCode),
			CostCents: costCents,
			PaidCents: 0,
			CreatedAt: now,
			UpdatedAt: now,
		}

	case Installment:
		if participant == nil {
			return nil, ErrNotJoined
		}
		if o.Count < 1 {
			return nil, ErrInvalidInstallmentCount
		}
		costCents = participant.CostCents
		paidCents = participant.PaidCents

	default:
		return nil, fmt.Errorf("unknown initiate options %T", opts)
	}

	if paidCents >= costCents {
		if paidCents > costCents {
			// Should not happen: paid_cents is only ever incremented by
			// settled session amounts capped at the remaining balance.
			s.logger.Error("participant overpaid",
				"participant_id", participantID,
				"paid_cents", paidCents,
				"cost_cents", costCents,
			)
		}
		if draft != nil {
			// Zero-cost join: no money moves, so the participant is
			// persisted right here instead of at settlement.
			if err := s.store.CreateParticipant(ctx, draft); err != nil {
				return nil, fmt.Errorf("creating participant: %w", err)
			}
			s.publishParticipantJoined(ctx, draft)
			s.logger.Info("zero-cost join completed",
				"participant_id", participantID,
				"camp_id", campID,
			)
		}
		return &InitiateResult{PaymentNeeded: false}, nil
	}

	amount := chargeAmount(c, opts, costCents, paidCents)
	if amount <= 0 {
		s.logger.Warn("computed charge amount not positive",
			"participant_id", participantID,
			"camp_id", campID,
			"amount_cents", amount,
		)
		return &InitiateResult{PaymentNeeded: false}, nil
	}

	gwSession, err := s.gateway.CreateCheckoutSession(ctx, CheckoutParams{
		Name:          c.Name,
		Amount:        money.New(amount, c.Currency),
		SuccessURL:    returnURL + "?success=true",
		CancelURL:     returnURL + "?success=false",
		CustomerEmail: email,
	})
	if err != nil {
		return nil, fmt.Errorf("creating checkout session: %w", err)
	}

	session := newPendingSession(gwSession, userID, campID, amount, opts)
	if err := s.store.CreateSession(ctx, session); err != nil {
		return nil, fmt.Errorf("persisting checkout session: %w", err)
	}

	s.publishSessionCreated(ctx, session, c)

	s.logger.Info("checkout session created",
		"session_id", session.ID,
		"user_id", userID,
		"camp_id", campID,
		"cents", amount,
		"initial_installment", session.IsInitialInstallment,
	)

	return &InitiateResult{PaymentNeeded: true, RedirectURL: gwSession.URL}, nil
}

// GetSession retrieves a checkout session by its external id.
func (s *Service) GetSession(ctx context.Context, id string) (*CheckoutSession, error) {
	return s.store.GetSession(ctx, id)
}

// GetParticipant retrieves a participant ledger record.
func (s *Service) GetParticipant(ctx context.Context, userID, campID string) (*Participant, error) {
	return s.store.GetParticipant(ctx, ParticipantID(userID, campID))
}

// ListInstallments lists the settled installment audit trail.
func (s *Service) ListInstallments(ctx context.Context, userID, campID string) ([]*InstallmentRecord, error) {
	return s.store.ListInstallments(ctx, ParticipantID(userID, campID))
}

// chargeAmount applies the installment amount rules: the initial charge is
// capped at the total cost, further charges at the remaining balance.
func chargeAmount(c *camp.Camp, opts InitiateOptions, costCents, paidCents int64) int64 {
	switch o := opts.(type) {
	case InitialJoin:
		return min64(c.InitialInstallmentCents, costCents)
	case Installment:
		return min64(c.InstallmentCents*int64(o.Count), costCents-paidCents)
	default:
		return 0
	}
}

func newPendingSession(gw *GatewaySession, userID, campID string, cents int64, opts InitiateOptions) *CheckoutSession {
	now := time.Now().UTC()
	session := &CheckoutSession{
		ID:             gw.ID,
		UserID:         userID,
		CampID:         campID,
		Status:         StatusPending,
		Cents:          cents,
		SessionURL:     gw.URL,
		PaymentIntents: []string{},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	switch o := opts.(type) {
	case InitialJoin:
		session.IsInitialInstallment = true
		session.Location = o.Location
		session.PromoCode = camp.SanitizeCode(o.PromoCode)
	case Installment:
		session.InstallmentCount = o.Count
	}
	return session
}

func (s *Service) publishSessionCreated(ctx context.Context, session *CheckoutSession, c *camp.Camp) {
	if s.publisher == nil {
		return
	}
	event, err := events.NewEvent(events.EventSessionCreated, "checkout_session", session.ID, events.SessionCreatedData{
		SessionID:          session.ID,
		UserID:             session.UserID,
		CampID:             session.CampID,
		Cents:              session.Cents,
		Currency:           string(c.Currency),
		InitialInstallment: session.IsInitialInstallment,
	})
	if err != nil {
		s.logger.Error("building session created event", "error", err)
		return
	}
	if err := s.publisher.Publish(ctx, event); err != nil {
		s.logger.Error("publishing session created event", "error", err, "session_id", session.ID)
	}
}

func (s *Service) publishParticipantJoined(ctx context.Context, p *Participant) {
	if s.publisher == nil {
		return
	}
	event, err := events.NewEvent(events.EventParticipantJoined, "participant", p.ID, events.ParticipantJoinedData{
		ParticipantID: p.ID,
		UserID:        p.UserID,
		CampID:        p.CampID,
		CostCents:     p.CostCents,
		Location:      p.Location,
	})
	if err != nil {
		s.logger.Error("building participant joined event", "error", err)
		return
	}
	if err := s.publisher.Publish(ctx, event); err != nil {
		s.logger.Error("publishing participant joined event", "error", err, "participant_id", p.ID)
	}
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
