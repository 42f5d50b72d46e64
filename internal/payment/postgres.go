package payment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"camppay/internal/camp"
	"camppay/internal/common/database"
)

const fulfillMaxAttempts = 3

// PostgresStore is the pgx-backed Store implementation.
type PostgresStore struct {
	db     *database.DB
	logger *slog.Logger
}

// NewPostgresStore creates a Postgres payment store.
func NewPostgresStore(db *database.DB, logger *slog.Logger) *PostgresStore {
	return &PostgresStore{db: db, logger: logger}
}

var _ Store = (*PostgresStore)(nil)

// CreateSession inserts a pending checkout session.
func (s *PostgresStore) CreateSession(ctx context.Context, session *CheckoutSession) error {
	query := `
		INSERT INTO checkout_sessions (
			id, user_id, camp_id, status, cents, session_url, payment_intents,
			is_initial_installment, location, promo_code, installment_count,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, '[]', $7, $8, $9, $10, $11, $12)
	`
	_, err := s.db.Exec(ctx, query,
		session.ID, session.UserID, session.CampID, session.Status, session.Cents,
		session.SessionURL, session.IsInitialInstallment, session.Location,
		session.PromoCode, session.InstallmentCount, session.CreatedAt, session.UpdatedAt,
	)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return fmt.Errorf("session %s: %w", session.ID, database.ErrAlreadyExists)
		}
		return err
	}
	return nil
}

// GetSession retrieves a checkout session by its gateway id.
func (s *PostgresStore) GetSession(ctx context.Context, id string) (*CheckoutSession, error) {
	return scanSession(s.db.QueryRow(ctx, sessionSelect+` WHERE id = $1`, id))
}

// GetParticipant retrieves a participant by composite id.
func (s *PostgresStore) GetParticipant(ctx context.Context, id string) (*Participant, error) {
	return scanParticipant(s.db.QueryRow(ctx, participantSelect+` WHERE id = $1`, id))
}

// CreateParticipant inserts a participant row. Only the zero-cost join path
// calls this; a duplicate join surfaces as ErrAlreadyExists.
func (s *PostgresStore) CreateParticipant(ctx context.Context, p *Participant) error {
	query := `
		INSERT INTO participants (
			id, user_id, camp_id, location, promo_code, cost_cents, paid_cents,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err := s.db.Exec(ctx, query,
		p.ID, p.UserID, p.CampID, p.Location, p.PromoCode,
		p.CostCents, p.PaidCents, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return fmt.Errorf("participant %s: %w", p.ID, database.ErrAlreadyExists)
		}
		return err
	}
	return nil
}

// ListInstallments lists settled installments for a participant, oldest first.
func (s *PostgresStore) ListInstallments(ctx context.Context, participantID string) ([]*InstallmentRecord, error) {
	query := `
		SELECT session_id, participant_id, cents, created_at
		FROM participant_installments
		WHERE participant_id = $1
		ORDER BY created_at
	`
	rows, err := s.db.Query(ctx, query, participantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*InstallmentRecord
	for rows.Next() {
		var rec InstallmentRecord
		if err := rows.Scan(&rec.SessionID, &rec.ParticipantID, &rec.Cents, &rec.CreatedAt); err != nil {
			return nil, err
		}
		records = append(records, &rec)
	}
	return records, rows.Err()
}

// Fulfill runs fn in a serializable transaction, retrying the whole
// transaction on serialization failure.
func (s *PostgresStore) Fulfill(ctx context.Context, fn func(tx FulfillTx) error) error {
	return database.Retry(ctx, fulfillMaxAttempts, func() error {
		return s.db.WithTxOptions(ctx, database.SerializableTxOptions(), func(tx pgx.Tx) error {
			return fn(&pgFulfillTx{tx: tx, logger: s.logger})
		})
	})
}

// pgFulfillTx adapts one pgx transaction to the FulfillTx capability.
type pgFulfillTx struct {
	tx     pgx.Tx
	logger *slog.Logger
}

var _ FulfillTx = (*pgFulfillTx)(nil)

func (t *pgFulfillTx) Session(ctx context.Context, id string) (*CheckoutSession, error) {
	// Row lock on top of serializable isolation: concurrent deliveries of the
	// same session serialize here instead of aborting and retrying.
	return scanSession(t.tx.QueryRow(ctx, sessionSelect+` WHERE id = $1 FOR UPDATE`, id))
}

func (t *pgFulfillTx) Camp(ctx context.Context, id string) (*camp.Camp, error) {
	return camp.GetTx(ctx, t.tx, id)
}

func (t *pgFulfillTx) PromoDiscount(ctx context.Context, campID, code string) (int64, error) {
	return camp.PromoDiscountTx(ctx, t.tx, t.logger, campID, code)
}

func (t *pgFulfillTx) Participant(ctx context.Context, id string) (*Participant, error) {
	return scanParticipant(t.tx.QueryRow(ctx, participantSelect+` WHERE id = $1`, id))
}

func (t *pgFulfillTx) PutParticipant(ctx context.Context, p *Participant) error {
	query := `
		INSERT INTO participants (
			id, user_id, camp_id, location, promo_code, cost_cents, paid_cents,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			location = EXCLUDED.location,
			promo_code = EXCLUDED.promo_code,
			cost_cents = EXCLUDED.cost_cents,
			paid_cents = EXCLUDED.paid_cents,
			updated_at = EXCLUDED.updated_at
	`
	_, err := t.tx.Exec(ctx, query,
		p.ID, p.UserID, p.CampID, p.Location, p.PromoCode,
		p.CostCents, p.PaidCents, p.CreatedAt, p.UpdatedAt,
	)
	return err
}

func (t *pgFulfillTx) AddPaid(ctx context.Context, participantID string, cents int64) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE participants SET paid_cents = paid_cents + $2, updated_at = $3 WHERE id = $1`,
		participantID, cents, time.Now().UTC(),
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("participant %s: %w", participantID, database.ErrNotFound)
	}
	return nil
}

func (t *pgFulfillTx) AppendInstallment(ctx context.Context, rec *InstallmentRecord) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO participant_installments (session_id, participant_id, cents, created_at)
		 VALUES ($1, $2, $3, $4)`,
		rec.SessionID, rec.ParticipantID, rec.Cents, rec.CreatedAt,
	)
	if err != nil && database.IsUniqueViolation(err) {
		return fmt.Errorf("installment %s: %w", rec.SessionID, database.ErrAlreadyExists)
	}
	return err
}

func (t *pgFulfillTx) FinalizeSession(ctx context.Context, id string, status SessionStatus, paidAt *time.Time, paymentIntent string) error {
	query := `
		UPDATE checkout_sessions SET
			status = $2,
			paid_at = $3,
			payment_intents = CASE
				WHEN $4 <> '' THEN payment_intents || to_jsonb($4::text)
				ELSE payment_intents
			END,
			updated_at = $5
		WHERE id = $1
	`
	tag, err := t.tx.Exec(ctx, query, id, status, paidAt, paymentIntent, time.Now().UTC())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("session %s: %w", id, database.ErrNotFound)
	}
	return nil
}

const sessionSelect = `
	SELECT id, user_id, camp_id, status, cents, session_url, payment_intents,
	       is_initial_installment, location, promo_code, installment_count,
	       error, paid_at, created_at, updated_at
	FROM checkout_sessions`

const participantSelect = `
	SELECT id, user_id, camp_id, location, promo_code, cost_cents, paid_cents,
	       created_at, updated_at
	FROM participants`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*CheckoutSession, error) {
	var (
		session CheckoutSession
		errMsg  *string
	)
	err := row.Scan(
		&session.ID, &session.UserID, &session.CampID, &session.Status,
		&session.Cents, &session.SessionURL, &session.PaymentIntents,
		&session.IsInitialInstallment, &session.Location, &session.PromoCode,
		&session.InstallmentCount, &errMsg, &session.PaidAt,
		&session.CreatedAt, &session.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("checkout session: %w", database.ErrNotFound)
		}
		return nil, err
	}
	if errMsg != nil {
		session.Error = *errMsg
	}
	if session.PaymentIntents == nil {
		session.PaymentIntents = []string{}
	}
	return &session, nil
}

func scanParticipant(row rowScanner) (*Participant, error) {
	var p Participant
	err := row.Scan(
		&p.ID, &p.UserID, &p.CampID, &p.Location, &p.PromoCode,
		&p.CostCents, &p.PaidCents, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("participant: %w", database.ErrNotFound)
		}
		return nil, err
	}
	return &p, nil
}
