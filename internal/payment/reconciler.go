package payment

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"camppay/internal/camp"
	"camppay/internal/common/database"
	"camppay/internal/common/events"
)

// Gateway webhook event types we settle on.
const (
	eventCheckoutCompleted     = "checkout.session.completed"
	eventAsyncPaymentSucceeded = "checkout.session.async_payment_succeeded"
	eventAsyncPaymentFailed    = "checkout.session.async_payment_failed"
	eventCheckoutExpired       = "checkout.session.expired"
)

type eventOutcome int

const (
	outcomeUnhandled eventOutcome = iota
	outcomeSuccess
	outcomeFailure
)

func classifyEvent(eventType string) eventOutcome {
	switch eventType {
	case eventCheckoutCompleted, eventAsyncPaymentSucceeded:
		return outcomeSuccess
	case eventAsyncPaymentFailed, eventCheckoutExpired:
		return outcomeFailure
	default:
		return outcomeUnhandled
	}
}

// GatewayEvent is the subset of the gateway's webhook envelope we consume.
type GatewayEvent struct {
	Type string `json:"type"`
	Data struct {
		Object GatewayCheckoutObject `json:"object"`
	} `json:"data"`
}

// GatewayCheckoutObject is the checkout session object inside a webhook event.
type GatewayCheckoutObject struct {
	ID            string `json:"id"`
	PaymentStatus string `json:"payment_status"`
	PaymentIntent string `json:"payment_intent"`
}

// ReconcilerConfig carries the webhook signing secrets.
type ReconcilerConfig struct {
	SigningSecret string
	// DevSigningSecret is a secondary secret accepted only outside production,
	// so locally forwarded webhooks can be replayed against a dev database.
	DevSigningSecret string
	Development      bool
}

// Reconciler settles checkout sessions from gateway webhook events. Settlement
// is exactly-once: all state transitions run inside one optimistic transaction
// keyed on the session row, and a session already in a terminal state is a
// no-op regardless of how often the gateway redelivers.
type Reconciler struct {
	store     Store
	publisher events.Publisher
	config    ReconcilerConfig
	logger    *slog.Logger

	now func() time.Time
}

// NewReconciler creates a webhook reconciler.
func NewReconciler(store Store, publisher events.Publisher, config ReconcilerConfig, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		store:     store,
		publisher: publisher,
		config:    config,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// HandleEvent verifies, parses and settles one webhook delivery.
//
// Almost every failure is swallowed after logging: the gateway retries
// deliveries that do not get a 2xx, and most failures here (bad signature,
// unknown event, unknown session) will not improve on redelivery. The one
// exception is a data-integrity failure inside settlement, which is returned
// so the caller answers non-2xx and the gateway redelivers.
func (r *Reconciler) HandleEvent(ctx context.Context, payload []byte, signatureHeader string) error {
	if err := r.verify(payload, signatureHeader); err != nil {
		r.logger.Warn("webhook signature rejected", "error", err)
		return nil
	}

	var event GatewayEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		r.logger.Warn("webhook payload unparseable", "error", err)
		return nil
	}

	outcome := classifyEvent(event.Type)
	if outcome == outcomeUnhandled {
		r.logger.Debug("webhook event ignored", "type", event.Type)
		return nil
	}

	object := event.Data.Object
	if object.ID == "" {
		r.logger.Warn("webhook event missing session id", "type", event.Type)
		return nil
	}

	if err := r.FulfillSession(ctx, object, outcome == outcomeSuccess); err != nil {
		r.logger.Error("settling session failed",
			"session_id", object.ID,
			"type", event.Type,
			"error", err,
		)
		return err
	}
	return nil
}

func (r *Reconciler) verify(payload []byte, header string) error {
	err := VerifySignature(payload, header, r.config.SigningSecret, DefaultSignatureTolerance, r.now())
	if err == nil {
		return nil
	}
	if r.config.Development && r.config.DevSigningSecret != "" {
		if devErr := VerifySignature(payload, header, r.config.DevSigningSecret, DefaultSignatureTolerance, r.now()); devErr == nil {
			return nil
		}
	}
	return err
}

// settlement accumulates what happened inside the transaction so events are
// published only after commit.
type settlement struct {
	session       *CheckoutSession
	participant   *Participant
	joined        bool
	status        SessionStatus
	failureReason string
	settledAt     time.Time
}

// FulfillSession transitions one session to a terminal state and applies the
// corresponding ledger mutation, all inside a single serializable transaction.
//
// A success settles money: an initial-installment session creates the
// participant (cost recomputed from the session's frozen location and promo
// code against current camp data), a further installment increments
// paid_cents. Either way an installment audit row keyed by the session id is
// appended. A failure only marks the session failed. A session whose gateway
// payment_status is still "unpaid" is recorded failed with no ledger mutation
// and no payment intent, whatever the event type claimed.
func (r *Reconciler) FulfillSession(ctx context.Context, object GatewayCheckoutObject, success bool) error {
	var result settlement

	err := r.store.Fulfill(ctx, func(tx FulfillTx) error {
		result = settlement{}

		session, err := tx.Session(ctx, object.ID)
		if err != nil {
			if database.IsNotFound(err) {
				r.logger.Warn("webhook for unknown session", "session_id", object.ID)
				return nil
			}
			return fmt.Errorf("loading session: %w", err)
		}

		if session.Status != StatusPending {
			// Replay guard: the session already settled. Duplicate and
			// out-of-order deliveries land here.
			r.logger.Info("session already settled",
				"session_id", session.ID,
				"status", session.Status,
			)
			return nil
		}

		now := r.now()

		if object.PaymentStatus == "unpaid" {
			// A "completed" event for an unpaid session means the customer
			// abandoned an async payment method. No money moved, so nothing
			// is credited and no payment intent is recorded.
			result = settlement{session: session, status: StatusFailed, failureReason: "unpaid", settledAt: now}
			return tx.FinalizeSession(ctx, session.ID, StatusFailed, nil, "")
		}

		if !success {
			result = settlement{session: session, status: StatusFailed, failureReason: "gateway reported failure", settledAt: now}
			return tx.FinalizeSession(ctx, session.ID, StatusFailed, nil, object.PaymentIntent)
		}

		participantID := ParticipantID(session.UserID, session.CampID)

		if session.IsInitialInstallment {
			c, err := tx.Camp(ctx, session.CampID)
			if err != nil {
				// The camp a paid session points at must exist. Returning the
				// error aborts the transaction and fails the delivery so the
				// gateway redelivers once the data is repaired.
				return fmt.Errorf("loading camp %s for paid session %s: %w", session.CampID, session.ID, err)
			}
			promoDiscount, err := tx.PromoDiscount(ctx, session.CampID, session.PromoCode)
			if err != nil {
				return fmt.Errorf("resolving promo code: %w", err)
			}
			cost := camp.CostFor(c, session.Location, promoDiscount)

			p := &Participant{
				ID:        participantID,
				UserID:    session.UserID,
				CampID:    session.CampID,
				Location:  session.Location,
				PromoCode: session.PromoCode,
				CostCents: cost,
				PaidCents: session.Cents,
				CreatedAt: now,
				UpdatedAt: now,
			}
			if err := tx.PutParticipant(ctx, p); err != nil {
				return fmt.Errorf("creating participant: %w", err)
			}
			result.participant = p
			result.joined = true
		} else {
			if err := tx.AddPaid(ctx, participantID, session.Cents); err != nil {
				return fmt.Errorf("crediting participant %s: %w", participantID, err)
			}
			p, err := tx.Participant(ctx, participantID)
			if err != nil {
				return fmt.Errorf("reloading participant %s: %w", participantID, err)
			}
			result.participant = p
		}

		if err := tx.AppendInstallment(ctx, &InstallmentRecord{
			SessionID:     session.ID,
			ParticipantID: participantID,
			Cents:         session.Cents,
			CreatedAt:     now,
		}); err != nil {
			return fmt.Errorf("appending installment: %w", err)
		}

		result.session = session
		result.status = StatusSucceeded
		result.settledAt = now
		return tx.FinalizeSession(ctx, session.ID, StatusSucceeded, &now, object.PaymentIntent)
	})
	if err != nil {
		return err
	}

	r.publishSettlement(ctx, result, object.PaymentIntent)
	return nil
}

func (r *Reconciler) publishSettlement(ctx context.Context, result settlement, paymentIntent string) {
	if r.publisher == nil || result.session == nil {
		return
	}
	session := result.session

	switch result.status {
	case StatusSucceeded:
		data := events.SessionSettledData{
			SessionID: session.ID,
			UserID:    session.UserID,
			CampID:    session.CampID,
			Cents:     session.Cents,
			SettledAt: result.settledAt,
		}
		if result.participant != nil {
			data.PaidCents = result.participant.PaidCents
			data.CostCents = result.participant.CostCents
		}
		if paymentIntent != "" {
			data.PaymentIntent = paymentIntent
		}
		r.publish(ctx, events.EventSessionSettled, "checkout_session", session.ID, data)

		if result.joined && result.participant != nil {
			p := result.participant
			r.publish(ctx, events.EventParticipantJoined, "participant", p.ID, events.ParticipantJoinedData{
				ParticipantID: p.ID,
				UserID:        p.UserID,
				CampID:        p.CampID,
				CostCents:     p.CostCents,
				Location:      p.Location,
			})
		}

		r.logger.Info("session settled",
			"session_id", session.ID,
			"camp_id", session.CampID,
			"cents", session.Cents,
			"initial_installment", session.IsInitialInstallment,
		)

	case StatusFailed:
		r.publish(ctx, events.EventSessionFailed, "checkout_session", session.ID, events.SessionFailedData{
			SessionID: session.ID,
			UserID:    session.UserID,
			CampID:    session.CampID,
			Cents:     session.Cents,
			Reason:    result.failureReason,
		})

		r.logger.Info("session failed",
			"session_id", session.ID,
			"camp_id", session.CampID,
			"reason", result.failureReason,
		)
	}
}

func (r *Reconciler) publish(ctx context.Context, eventType, aggregateType, aggregateID string, data any) {
	event, err := events.NewEvent(eventType, aggregateType, aggregateID, data)
	if err != nil {
		r.logger.Error("building event", "type", eventType, "error", err)
		return
	}
	if err := r.publisher.Publish(ctx, event); err != nil {
		r.logger.Error("publishing event", "type", eventType, "error", err)
	}
}
