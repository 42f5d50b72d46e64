package payment

import (
	"context"
	"fmt"
	"testing"
	"time"

	"camppay/internal/common/events"
)

const devSecret = "whsec_dev_secret"

func newTestReconciler(t *testing.T, store *memStore, publisher *capturePublisher) (*Reconciler, time.Time) {
	t.Helper()
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	r := NewReconciler(store, publisher, ReconcilerConfig{
		SigningSecret:    testSecret,
		DevSigningSecret: devSecret,
		Development:      true,
	}, discardLogger())
	r.now = func() time.Time { return now }
	return r, now
}

func pendingInitialSession(id string) CheckoutSession {
	return CheckoutSession{
		ID: id, UserID: "user-1", CampID: "camp-1",
		Status: StatusPending, Cents: 10000,
		SessionURL:           "https://pay.example.com/" + id,
		PaymentIntents:       []string{},
		IsInitialInstallment: true,
		Location:             "berlin",
		PromoCode:            "summer25",
	}
}

func pendingInstallmentSession(id string, cents int64, count int) CheckoutSession {
	return CheckoutSession{
		ID: id, UserID: "user-1", CampID: "camp-1",
		Status: StatusPending, Cents: cents,
		SessionURL:       "https://pay.example.com/" + id,
		PaymentIntents:   []string{},
		InstallmentCount: count,
	}
}

func webhookPayload(eventType, sessionID, paymentStatus, paymentIntent string) []byte {
	return []byte(fmt.Sprintf(
		`{"type":%q,"data":{"object":{"id":%q,"payment_status":%q,"payment_intent":%q}}}`,
		eventType, sessionID, paymentStatus, paymentIntent,
	))
}

func deliver(t *testing.T, r *Reconciler, now time.Time, payload []byte) error {
	t.Helper()
	header := signedHeader(now, payload, testSecret)
	return r.HandleEvent(context.Background(), payload, header)
}

func TestClassifyEvent(t *testing.T) {
	tests := []struct {
		eventType string
		want      eventOutcome
	}{
		{"checkout.session.completed", outcomeSuccess},
		{"checkout.session.async_payment_succeeded", outcomeSuccess},
		{"checkout.session.async_payment_failed", outcomeFailure},
		{"checkout.session.expired", outcomeFailure},
		{"payment_intent.succeeded", outcomeUnhandled},
		{"customer.created", outcomeUnhandled},
		{"", outcomeUnhandled},
	}
	for _, tt := range tests {
		if got := classifyEvent(tt.eventType); got != tt.want {
			t.Errorf("classifyEvent(%q) = %v, want %v", tt.eventType, got, tt.want)
		}
	}
}

func TestFulfillInitialInstallment(t *testing.T) {
	env := newTestEnv(t)
	env.store.sessions["cs_1"] = pendingInitialSession("cs_1")
	r, now := newTestReconciler(t, env.store, env.publisher)

	payload := webhookPayload("checkout.session.completed", "cs_1", "paid", "pi_1")
	if err := deliver(t, r, now, payload); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}

	p, err := env.store.GetParticipant(context.Background(), "user-1-camp-1")
	if err != nil {
		t.Fatalf("GetParticipant: %v", err)
	}
	// base 50000 - berlin 5000 - promo summer25 7500
	if p.CostCents != 37500 {
		t.Errorf("cost = %d, want 37500", p.CostCents)
	}
	if p.PaidCents != 10000 {
		t.Errorf("paid = %d, want 10000", p.PaidCents)
	}
	if p.Location != "berlin" || p.PromoCode != "summer25" {
		t.Errorf("snapshot fields not carried over: %+v", p)
	}

	session, _ := env.store.GetSession(context.Background(), "cs_1")
	if session.Status != StatusSucceeded {
		t.Errorf("status = %s, want succeeded", session.Status)
	}
	if session.PaidAt == nil {
		t.Error("paid_at must be set on success")
	}
	if len(session.PaymentIntents) != 1 || session.PaymentIntents[0] != "pi_1" {
		t.Errorf("payment intents = %v, want [pi_1]", session.PaymentIntents)
	}

	rec, ok := env.store.installments["cs_1"]
	if !ok {
		t.Fatal("installment record missing")
	}
	if rec.ParticipantID != "user-1-camp-1" || rec.Cents != 10000 {
		t.Errorf("installment record = %+v", rec)
	}

	if got := env.publisher.byType(events.EventSessionSettled); len(got) != 1 {
		t.Errorf("settled events = %d, want 1", len(got))
	}
	if got := env.publisher.byType(events.EventParticipantJoined); len(got) != 1 {
		t.Errorf("joined events = %d, want 1", len(got))
	}
}

func TestFulfillUsesFreshPromoValue(t *testing.T) {
	// The session snapshots the promo code, not its value: a promo edited
	// between initiation and settlement settles at the new value.
	env := newTestEnv(t)
	env.store.sessions["cs_1"] = pendingInitialSession("cs_1")
	env.camps.addPromo("camp-1", "summer25", 20000)
	r, now := newTestReconciler(t, env.store, env.publisher)

	payload := webhookPayload("checkout.session.completed", "cs_1", "paid", "pi_1")
	if err := deliver(t, r, now, payload); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}

	p, err := env.store.GetParticipant(context.Background(), "user-1-camp-1")
	if err != nil {
		t.Fatalf("GetParticipant: %v", err)
	}
	if p.CostCents != 25000 {
		t.Errorf("cost = %d, want 25000 with updated promo", p.CostCents)
	}
}

func TestFulfillFurtherInstallment(t *testing.T) {
	env := newTestEnv(t)
	env.store.participants["user-1-camp-1"] = Participant{
		ID: "user-1-camp-1", UserID: "user-1", CampID: "camp-1",
		CostCents: 37500, PaidCents: 10000,
	}
	env.store.sessions["cs_2"] = pendingInstallmentSession("cs_2", 5000, 1)
	r, now := newTestReconciler(t, env.store, env.publisher)

	payload := webhookPayload("checkout.session.async_payment_succeeded", "cs_2", "paid", "pi_2")
	if err := deliver(t, r, now, payload); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}

	p, _ := env.store.GetParticipant(context.Background(), "user-1-camp-1")
	if p.PaidCents != 15000 {
		t.Errorf("paid = %d, want 15000", p.PaidCents)
	}
	if p.CostCents != 37500 {
		t.Errorf("cost changed to %d, must stay 37500", p.CostCents)
	}
	if _, ok := env.store.installments["cs_2"]; !ok {
		t.Error("installment record missing")
	}
}

func TestFulfillDuplicateDeliveryIsNoop(t *testing.T) {
	env := newTestEnv(t)
	env.store.participants["user-1-camp-1"] = Participant{
		ID: "user-1-camp-1", UserID: "user-1", CampID: "camp-1",
		CostCents: 37500, PaidCents: 10000,
	}
	env.store.sessions["cs_2"] = pendingInstallmentSession("cs_2", 5000, 1)
	r, now := newTestReconciler(t, env.store, env.publisher)

	payload := webhookPayload("checkout.session.completed", "cs_2", "paid", "pi_2")
	for i := 0; i < 3; i++ {
		if err := deliver(t, r, now, payload); err != nil {
			t.Fatalf("delivery %d: %v", i, err)
		}
	}

	p, _ := env.store.GetParticipant(context.Background(), "user-1-camp-1")
	if p.PaidCents != 15000 {
		t.Errorf("paid = %d after redeliveries, want 15000", p.PaidCents)
	}
	session, _ := env.store.GetSession(context.Background(), "cs_2")
	if len(session.PaymentIntents) != 1 {
		t.Errorf("payment intents = %v, want exactly one", session.PaymentIntents)
	}
	if got := env.publisher.byType(events.EventSessionSettled); len(got) != 1 {
		t.Errorf("settled events = %d, want 1", len(got))
	}
}

func TestFulfillUnknownSessionIsNoop(t *testing.T) {
	env := newTestEnv(t)
	r, now := newTestReconciler(t, env.store, env.publisher)

	payload := webhookPayload("checkout.session.completed", "cs_ghost", "paid", "pi_1")
	if err := deliver(t, r, now, payload); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}
	if len(env.store.participants) != 0 || len(env.store.installments) != 0 {
		t.Error("unknown session must not mutate anything")
	}
}

func TestFulfillUnpaidSessionFails(t *testing.T) {
	env := newTestEnv(t)
	env.store.sessions["cs_1"] = pendingInitialSession("cs_1")
	r, now := newTestReconciler(t, env.store, env.publisher)

	payload := webhookPayload("checkout.session.completed", "cs_1", "unpaid", "pi_1")
	if err := deliver(t, r, now, payload); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}

	session, _ := env.store.GetSession(context.Background(), "cs_1")
	if session.Status != StatusFailed {
		t.Errorf("status = %s, want failed", session.Status)
	}
	if session.PaidAt != nil {
		t.Error("paid_at must stay nil for an unpaid session")
	}
	if len(session.PaymentIntents) != 0 {
		t.Errorf("payment intents = %v, want none for an unpaid session", session.PaymentIntents)
	}
	if len(env.store.participants) != 0 {
		t.Error("unpaid session must not create a participant")
	}
	if len(env.store.installments) != 0 {
		t.Error("unpaid session must not append an installment")
	}
	if got := env.publisher.byType(events.EventSessionFailed); len(got) != 1 {
		t.Errorf("failed events = %d, want 1", len(got))
	}
}

func TestFulfillFailureEvent(t *testing.T) {
	env := newTestEnv(t)
	env.store.sessions["cs_1"] = pendingInitialSession("cs_1")
	r, now := newTestReconciler(t, env.store, env.publisher)

	payload := webhookPayload("checkout.session.async_payment_failed", "cs_1", "paid", "pi_1")
	if err := deliver(t, r, now, payload); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}

	session, _ := env.store.GetSession(context.Background(), "cs_1")
	if session.Status != StatusFailed {
		t.Errorf("status = %s, want failed", session.Status)
	}
	if len(session.PaymentIntents) != 1 {
		t.Errorf("payment intents = %v, want the failed attempt recorded", session.PaymentIntents)
	}
	if len(env.store.participants) != 0 {
		t.Error("failed session must not create a participant")
	}
}

func TestFulfillMissingCampIsHardError(t *testing.T) {
	env := newTestEnv(t)
	session := pendingInitialSession("cs_1")
	session.CampID = "deleted-camp"
	env.store.sessions["cs_1"] = session
	r, now := newTestReconciler(t, env.store, env.publisher)

	payload := webhookPayload("checkout.session.completed", "cs_1", "paid", "pi_1")
	if err := deliver(t, r, now, payload); err == nil {
		t.Fatal("expected a hard error for a paid session pointing at a missing camp")
	}

	// The whole settlement rolled back: the session stays pending so the
	// redelivered event can settle it once the camp is restored.
	got, _ := env.store.GetSession(context.Background(), "cs_1")
	if got.Status != StatusPending {
		t.Errorf("status = %s, want pending after rollback", got.Status)
	}
}

func TestHandleEventRejectsBadSignature(t *testing.T) {
	env := newTestEnv(t)
	env.store.sessions["cs_1"] = pendingInitialSession("cs_1")
	r, now := newTestReconciler(t, env.store, env.publisher)

	payload := webhookPayload("checkout.session.completed", "cs_1", "paid", "pi_1")
	header := signedHeader(now, payload, "whsec_wrong")
	if err := r.HandleEvent(context.Background(), payload, header); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}

	session, _ := env.store.GetSession(context.Background(), "cs_1")
	if session.Status != StatusPending {
		t.Error("bad signature must not settle anything")
	}
}

func TestHandleEventDevSecretOnlyInDevelopment(t *testing.T) {
	payload := webhookPayload("checkout.session.completed", "cs_1", "paid", "pi_1")

	t.Run("accepted in development", func(t *testing.T) {
		env := newTestEnv(t)
		env.store.sessions["cs_1"] = pendingInitialSession("cs_1")
		r, now := newTestReconciler(t, env.store, env.publisher)

		header := signedHeader(now, payload, devSecret)
		if err := r.HandleEvent(context.Background(), payload, header); err != nil {
			t.Fatalf("HandleEvent: %v", err)
		}
		session, _ := env.store.GetSession(context.Background(), "cs_1")
		if session.Status != StatusSucceeded {
			t.Errorf("status = %s, want succeeded via dev secret", session.Status)
		}
	})

	t.Run("rejected in production", func(t *testing.T) {
		env := newTestEnv(t)
		env.store.sessions["cs_1"] = pendingInitialSession("cs_1")
		now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
		r := NewReconciler(env.store, env.publisher, ReconcilerConfig{
			SigningSecret:    testSecret,
			DevSigningSecret: devSecret,
			Development:      false,
		}, discardLogger())
		r.now = func() time.Time { return now }

		header := signedHeader(now, payload, devSecret)
		if err := r.HandleEvent(context.Background(), payload, header); err != nil {
			t.Fatalf("HandleEvent: %v", err)
		}
		session, _ := env.store.GetSession(context.Background(), "cs_1")
		if session.Status != StatusPending {
			t.Error("dev secret must not verify in production")
		}
	})
}

func TestHandleEventIgnoresUnhandledTypes(t *testing.T) {
	env := newTestEnv(t)
	env.store.sessions["cs_1"] = pendingInitialSession("cs_1")
	r, now := newTestReconciler(t, env.store, env.publisher)

	payload := webhookPayload("payment_intent.succeeded", "cs_1", "paid", "pi_1")
	if err := deliver(t, r, now, payload); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}
	session, _ := env.store.GetSession(context.Background(), "cs_1")
	if session.Status != StatusPending {
		t.Error("unhandled event type must not settle the session")
	}
}
