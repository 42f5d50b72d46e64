// Package api exposes the admin surface for the camp catalogue: camps, their
// promo codes and read access to participant ledgers.
package api

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"camppay/internal/camp"
	"camppay/internal/common/api"
	"camppay/internal/common/database"
	"camppay/internal/common/events"
	"camppay/internal/common/money"
	"camppay/internal/payment"
)

// Handler handles camp admin HTTP requests.
type Handler struct {
	store     *camp.Store
	payments  payment.Store
	publisher events.Publisher
	logger    *slog.Logger
}

// NewHandler creates a camp admin handler.
func NewHandler(store *camp.Store, payments payment.Store, publisher events.Publisher, logger *slog.Logger) *Handler {
	return &Handler{store: store, payments: payments, publisher: publisher, logger: logger}
}

// Routes returns the camp admin routes.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.CreateCamp)
	r.Get("/", h.ListCamps)
	r.Get("/{campID}", h.GetCamp)
	r.Put("/{campID}", h.UpdateCamp)
	r.Put("/{campID}/promo-codes/{code}", h.UpsertPromoCode)
	r.Get("/{campID}/promo-codes", h.ListPromoCodes)
	r.Delete("/{campID}/promo-codes/{code}", h.DeletePromoCode)
	r.Get("/{campID}/participants/{userID}", h.GetParticipant)
	r.Get("/{campID}/participants/{userID}/installments", h.ListInstallments)
	return r
}

// CampRequest is the body for creating or updating a camp.
type CampRequest struct {
	ID                      string           `json:"id" validate:"required"`
	Name                    string           `json:"name" validate:"required"`
	Currency                string           `json:"currency" validate:"required,len=3"`
	BaseCostCents           int64            `json:"base_cost_cents" validate:"gte=0"`
	InitialInstallmentCents int64            `json:"initial_installment_cents" validate:"gte=0"`
	InstallmentCents        int64            `json:"installment_cents" validate:"gte=0"`
	LocationDiscounts       map[string]int64 `json:"location_discounts"`
	LastInstallmentDeadline *time.Time       `json:"last_installment_deadline"`
}

// CreateCamp creates a camp.
func (h *Handler) CreateCamp(w http.ResponseWriter, r *http.Request) {
	var req CampRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	c, err := camp.New(req.ID, req.Name, money.Currency(req.Currency),
		req.BaseCostCents, req.InitialInstallmentCents, req.InstallmentCents,
		req.LocationDiscounts)
	if err != nil {
		api.ValidationError(w, err)
		return
	}
	c.LastInstallmentDeadline = req.LastInstallmentDeadline

	if err := h.store.Create(r.Context(), c); err != nil {
		if errors.Is(err, database.ErrAlreadyExists) {
			api.Conflict(w, "Camp already exists")
			return
		}
		h.logger.Error("creating camp", "error", err)
		api.InternalError(w, "Failed to create camp")
		return
	}

	h.publishCampCreated(r, c)
	api.WriteData(w, http.StatusCreated, c)
}

// GetCamp retrieves a camp.
func (h *Handler) GetCamp(w http.ResponseWriter, r *http.Request) {
	c, err := h.store.Get(r.Context(), chi.URLParam(r, "campID"))
	if err != nil {
		if database.IsNotFound(err) {
			api.NotFound(w, "Camp not found")
			return
		}
		h.logger.Error("getting camp", "error", err)
		api.InternalError(w, "Failed to get camp")
		return
	}
	api.WriteData(w, http.StatusOK, c)
}

// ListCamps lists camps with pagination.
func (h *Handler) ListCamps(w http.ResponseWriter, r *http.Request) {
	params := api.GetPaginationParams(r, 50, 200)

	camps, total, err := h.store.List(r.Context(), params.Limit, params.Offset)
	if err != nil {
		h.logger.Error("listing camps", "error", err)
		api.InternalError(w, "Failed to list camps")
		return
	}
	if camps == nil {
		camps = []*camp.Camp{}
	}

	api.WritePaginated(w, camps, &api.Pagination{
		Limit:   params.Limit,
		Offset:  params.Offset,
		Total:   total,
		HasMore: int64(params.Offset+len(camps)) < total,
	})
}

// UpdateCamp rewrites a camp's editable fields.
func (h *Handler) UpdateCamp(w http.ResponseWriter, r *http.Request) {
	var req CampRequest
	req.ID = chi.URLParam(r, "campID")
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	c, err := camp.New(chi.URLParam(r, "campID"), req.Name, money.Currency(req.Currency),
		req.BaseCostCents, req.InitialInstallmentCents, req.InstallmentCents,
		req.LocationDiscounts)
	if err != nil {
		api.ValidationError(w, err)
		return
	}
	c.LastInstallmentDeadline = req.LastInstallmentDeadline

	if err := h.store.Update(r.Context(), c); err != nil {
		if database.IsNotFound(err) {
			api.NotFound(w, "Camp not found")
			return
		}
		h.logger.Error("updating camp", "error", err)
		api.InternalError(w, "Failed to update camp")
		return
	}
	api.WriteData(w, http.StatusOK, c)
}

// PromoCodeRequest is the body for upserting a promo code.
type PromoCodeRequest struct {
	DiscountCents int64 `json:"discount_cents" validate:"gte=0"`
}

// UpsertPromoCode creates or replaces a promo code. The code from the URL is
// sanitized; "SUMMER-25" and "summer25" address the same code.
func (h *Handler) UpsertPromoCode(w http.ResponseWriter, r *http.Request) {
	var req PromoCodeRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	p, err := camp.NewPromoCode(chi.URLParam(r, "campID"), chi.URLParam(r, "code"), req.DiscountCents)
	if err != nil {
		api.ValidationError(w, err)
		return
	}

	if err := h.store.UpsertPromoCode(r.Context(), p); err != nil {
		if database.IsForeignKeyViolation(err) {
			api.NotFound(w, "Camp not found")
			return
		}
		h.logger.Error("upserting promo code", "error", err)
		api.InternalError(w, "Failed to save promo code")
		return
	}
	api.WriteData(w, http.StatusOK, p)
}

// ListPromoCodes lists a camp's promo codes.
func (h *Handler) ListPromoCodes(w http.ResponseWriter, r *http.Request) {
	codes, err := h.store.ListPromoCodes(r.Context(), chi.URLParam(r, "campID"))
	if err != nil {
		h.logger.Error("listing promo codes", "error", err)
		api.InternalError(w, "Failed to list promo codes")
		return
	}
	if codes == nil {
		codes = []*camp.PromoCode{}
	}
	api.WriteData(w, http.StatusOK, codes)
}

// DeletePromoCode removes a promo code.
func (h *Handler) DeletePromoCode(w http.ResponseWriter, r *http.Request) {
	err := h.store.DeletePromoCode(r.Context(), chi.URLParam(r, "campID"), chi.URLParam(r, "code"))
	if err != nil {
		if database.IsNotFound(err) {
			api.NotFound(w, "Promo code not found")
			return
		}
		h.logger.Error("deleting promo code", "error", err)
		api.InternalError(w, "Failed to delete promo code")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetParticipant returns any user's enrollment in a camp.
func (h *Handler) GetParticipant(w http.ResponseWriter, r *http.Request) {
	id := payment.ParticipantID(chi.URLParam(r, "userID"), chi.URLParam(r, "campID"))
	p, err := h.payments.GetParticipant(r.Context(), id)
	if err != nil {
		if database.IsNotFound(err) {
			api.NotFound(w, "Participant not found")
			return
		}
		h.logger.Error("getting participant", "error", err)
		api.InternalError(w, "Failed to get participant")
		return
	}
	api.WriteData(w, http.StatusOK, p)
}

// ListInstallments returns any participant's settled installments.
func (h *Handler) ListInstallments(w http.ResponseWriter, r *http.Request) {
	id := payment.ParticipantID(chi.URLParam(r, "userID"), chi.URLParam(r, "campID"))
	records, err := h.payments.ListInstallments(r.Context(), id)
	if err != nil {
		h.logger.Error("listing installments", "error", err)
		api.InternalError(w, "Failed to list installments")
		return
	}
	if records == nil {
		records = []*payment.InstallmentRecord{}
	}
	api.WriteData(w, http.StatusOK, records)
}

func (h *Handler) publishCampCreated(r *http.Request, c *camp.Camp) {
	if h.publisher == nil {
		return
	}
	event, err := events.NewEvent(events.EventCampCreated, "camp", c.ID, c)
	if err != nil {
		h.logger.Error("building camp created event", "error", err)
		return
	}
	if err := h.publisher.Publish(r.Context(), event); err != nil {
		h.logger.Error("publishing camp created event", "error", err, "camp_id", c.ID)
	}
}
