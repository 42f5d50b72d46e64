package camp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"camppay/internal/common/database"
)

// Store provides camp and promo code data access.
type Store struct {
	db     *database.DB
	logger *slog.Logger
}

// NewStore creates a new camp store.
func NewStore(db *database.DB, logger *slog.Logger) *Store {
	return &Store{db: db, logger: logger}
}

// Create inserts a new camp.
func (s *Store) Create(ctx context.Context, c *Camp) error {
	query := `
		INSERT INTO camps (
			id, name, currency, base_cost_cents, initial_installment_cents,
			installment_cents, location_discounts, last_installment_deadline,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`

	discounts, err := json.Marshal(c.LocationDiscounts)
	if err != nil {
		return fmt.Errorf("marshaling location discounts: %w", err)
	}

	_, err = s.db.Exec(ctx, query,
		c.ID, c.Name, c.Currency, c.BaseCostCents, c.InitialInstallmentCents,
		c.InstallmentCents, discounts, c.LastInstallmentDeadline,
		c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return fmt.Errorf("camp %s: %w", c.ID, database.ErrAlreadyExists)
		}
		return err
	}
	return nil
}

// Get retrieves a camp by ID.
func (s *Store) Get(ctx context.Context, id string) (*Camp, error) {
	return GetTx(ctx, s.db, id)
}

// GetTx retrieves a camp by ID through q, which may be a transaction.
func GetTx(ctx context.Context, q database.Querier, id string) (*Camp, error) {
	query := `
		SELECT id, name, currency, base_cost_cents, initial_installment_cents,
		       installment_cents, location_discounts, last_installment_deadline,
		       created_at, updated_at
		FROM camps
		WHERE id = $1
	`
	return scanCamp(q.QueryRow(ctx, query, id))
}

// List lists camps ordered by creation time.
func (s *Store) List(ctx context.Context, limit, offset int) ([]*Camp, int64, error) {
	var total int64
	if err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM camps`).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `
		SELECT id, name, currency, base_cost_cents, initial_installment_cents,
		       installment_cents, location_discounts, last_installment_deadline,
		       created_at, updated_at
		FROM camps
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2
	`
	rows, err := s.db.Query(ctx, query, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var camps []*Camp
	for rows.Next() {
		c, err := scanCamp(rows)
		if err != nil {
			return nil, 0, err
		}
		camps = append(camps, c)
	}
	return camps, total, rows.Err()
}

// Update rewrites a camp's editable fields.
func (s *Store) Update(ctx context.Context, c *Camp) error {
	query := `
		UPDATE camps SET
			name = $2, currency = $3, base_cost_cents = $4,
			initial_installment_cents = $5, installment_cents = $6,
			location_discounts = $7, last_installment_deadline = $8, updated_at = $9
		WHERE id = $1
	`

	discounts, err := json.Marshal(c.LocationDiscounts)
	if err != nil {
		return fmt.Errorf("marshaling location discounts: %w", err)
	}

	c.UpdatedAt = time.Now().UTC()

	tag, err := s.db.Exec(ctx, query,
		c.ID, c.Name, c.Currency, c.BaseCostCents, c.InitialInstallmentCents,
		c.InstallmentCents, discounts, c.LastInstallmentDeadline, c.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("camp %s: %w", c.ID, database.ErrNotFound)
	}
	return nil
}

// UpsertPromoCode creates or replaces a promo code for a camp.
func (s *Store) UpsertPromoCode(ctx context.Context, p *PromoCode) error {
	query := `
		INSERT INTO camp_promo_codes (camp_id, code, discount_cents, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (camp_id, code)
		DO UPDATE SET discount_cents = EXCLUDED.discount_cents, updated_at = EXCLUDED.updated_at
	`
	_, err := s.db.Exec(ctx, query, p.CampID, p.Code, p.DiscountCents, p.CreatedAt, p.UpdatedAt)
	return err
}

// ListPromoCodes lists all promo codes for a camp.
func (s *Store) ListPromoCodes(ctx context.Context, campID string) ([]*PromoCode, error) {
	query := `
		SELECT camp_id, code, discount_cents, created_at, updated_at
		FROM camp_promo_codes
		WHERE camp_id = $1
		ORDER BY code
	`
	rows, err := s.db.Query(ctx, query, campID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var codes []*PromoCode
	for rows.Next() {
		var p PromoCode
		if err := rows.Scan(&p.CampID, &p.Code, &p.DiscountCents, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		codes = append(codes, &p)
	}
	return codes, rows.Err()
}

// DeletePromoCode removes a promo code from a camp.
func (s *Store) DeletePromoCode(ctx context.Context, campID, code string) error {
	tag, err := s.db.Exec(ctx,
		`DELETE FROM camp_promo_codes WHERE camp_id = $1 AND code = $2`,
		campID, SanitizeCode(code),
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("promo code %s: %w", code, database.ErrNotFound)
	}
	return nil
}

// PromoDiscount resolves a promo code to its discount in cents. The code is
// sanitized before lookup; a miss logs a warning and degrades to zero so a
// mistyped code never blocks payment.
func (s *Store) PromoDiscount(ctx context.Context, campID, code string) (int64, error) {
	return PromoDiscountTx(ctx, s.db, s.logger, campID, code)
}

// PromoDiscountTx is PromoDiscount against q, which may be a transaction.
func PromoDiscountTx(ctx context.Context, q database.Querier, logger *slog.Logger, campID, code string) (int64, error) {
	sanitized := SanitizeCode(code)
	if sanitized == "" {
		return 0, nil
	}

	var discount int64
	err := q.QueryRow(ctx,
		`SELECT discount_cents FROM camp_promo_codes WHERE camp_id = $1 AND code = $2`,
		campID, sanitized,
	).Scan(&discount)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			logger.Warn("promo code not found",
				"camp_id", campID,
				"code", sanitized,
			)
			return 0, nil
		}
		return 0, err
	}
	return discount, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCamp(row rowScanner) (*Camp, error) {
	var c Camp
	var discounts []byte

	err := row.Scan(
		&c.ID, &c.Name, &c.Currency, &c.BaseCostCents, &c.InitialInstallmentCents,
		&c.InstallmentCents, &discounts, &c.LastInstallmentDeadline,
		&c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("camp: %w", database.ErrNotFound)
		}
		return nil, err
	}

	if err := json.Unmarshal(discounts, &c.LocationDiscounts); err != nil {
		return nil, fmt.Errorf("unmarshaling location discounts: %w", err)
	}
	if c.LocationDiscounts == nil {
		c.LocationDiscounts = make(map[string]int64)
	}

	return &c, nil
}
