// Package camp holds the camp catalogue and the participant cost model.
package camp

import (
	"errors"
	"time"

	"camppay/internal/common/money"
)

// Camp is a priced, time-bounded event participants pay to join.
// A camp referenced by a checkout session is treated as immutable by the
// payment flow; only the admin surface edits it.
type Camp struct {
	ID                      string           `json:"id"`
	Name                    string           `json:"name"`
	Currency                money.Currency   `json:"currency"`
	BaseCostCents           int64            `json:"base_cost_cents"`
	InitialInstallmentCents int64            `json:"initial_installment_cents"`
	InstallmentCents        int64            `json:"installment_cents"`
	LocationDiscounts       map[string]int64 `json:"location_discounts"`
	LastInstallmentDeadline *time.Time       `json:"last_installment_deadline,omitempty"`
	CreatedAt               time.Time        `json:"created_at"`
	UpdatedAt               time.Time        `json:"updated_at"`
}

// PromoCode is a per-camp discount keyed by its sanitized code.
type PromoCode struct {
	CampID        string    `json:"camp_id"`
	Code          string    `json:"code"`
	DiscountCents int64     `json:"discount_cents"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// New validates and constructs a Camp.
// The "discount never exceeds base cost" rule is an edit-time invariant; the
// payment flow does not re-check it.
func New(id, name string, currency money.Currency, baseCostCents, initialInstallmentCents, installmentCents int64, locationDiscounts map[string]int64) (*Camp, error) {
	if id == "" {
		return nil, errors.New("id is required")
	}
	if name == "" {
		return nil, errors.New("name is required")
	}
	if _, ok := money.GetCurrencyInfo(currency); !ok {
		return nil, errors.New("unsupported currency")
	}
	if baseCostCents < 0 {
		return nil, errors.New("base cost must not be negative")
	}
	if initialInstallmentCents < 0 {
		return nil, errors.New("initial installment must not be negative")
	}
	if installmentCents < 0 {
		return nil, errors.New("installment must not be negative")
	}
	for location, cents := range locationDiscounts {
		if cents < 0 {
			return nil, errors.New("location discount must not be negative")
		}
		if cents > baseCostCents {
			return nil, errors.New("location discount for " + location + " exceeds base cost")
		}
	}

	if locationDiscounts == nil {
		locationDiscounts = make(map[string]int64)
	}

	now := time.Now().UTC()
	return &Camp{
		ID:                      id,
		Name:                    name,
		Currency:                currency,
		BaseCostCents:           baseCostCents,
		InitialInstallmentCents: initialInstallmentCents,
		InstallmentCents:        installmentCents,
		LocationDiscounts:       locationDiscounts,
		CreatedAt:               now,
		UpdatedAt:               now,
	}, nil
}

// NewPromoCode validates and constructs a PromoCode. The code is sanitized
// before storage so that lookup and storage agree on the key.
func NewPromoCode(campID, code string, discountCents int64) (*PromoCode, error) {
	if campID == "" {
		return nil, errors.New("camp_id is required")
	}
	sanitized := SanitizeCode(code)
	if sanitized == "" {
		return nil, errors.New("code must contain at least one alphanumeric character")
	}
	if discountCents < 0 {
		return nil, errors.New("discount must not be negative")
	}

	now := time.Now().UTC()
	return &PromoCode{
		CampID:        campID,
		Code:          sanitized,
		DiscountCents: discountCents,
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}
