// Package api exposes the payment HTTP surface: join and installment
// initiation for authenticated users, plus the gateway webhook.
package api

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"camppay/internal/common/api"
	"camppay/internal/common/database"
	"camppay/internal/common/middleware"
	"camppay/internal/payment"
)

// Handler handles payment HTTP requests.
type Handler struct {
	service    *payment.Service
	reconciler *payment.Reconciler
	logger     *slog.Logger
}

// NewHandler creates a payment handler.
func NewHandler(service *payment.Service, reconciler *payment.Reconciler, logger *slog.Logger) *Handler {
	return &Handler{service: service, reconciler: reconciler, logger: logger}
}

// Routes returns the authenticated payment routes.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/camps/{campID}/join", h.Join)
	r.Post("/camps/{campID}/installments", h.PayInstallments)
	r.Get("/camps/{campID}/participant", h.GetParticipant)
	r.Get("/camps/{campID}/participant/installments", h.ListInstallments)
	r.Get("/sessions/{sessionID}", h.GetSession)
	return r
}

// WebhookRoutes returns the unauthenticated webhook routes.
func (h *Handler) WebhookRoutes() chi.Router {
	r := chi.NewRouter()
	r.Post("/stripe", h.Webhook)
	return r
}

// JoinRequest is the body for POST /camps/{campID}/join.
type JoinRequest struct {
	Location  string `json:"location"`
	PromoCode string `json:"promo_code"`
	ReturnURL string `json:"return_url" validate:"required,url"`
	Email     string `json:"email" validate:"required,email"`
}

// Join initiates camp enrollment for the authenticated user.
func (h *Handler) Join(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	if userID == "" {
		api.Unauthenticated(w, "User is not authenticated")
		return
	}

	var req JoinRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	result, err := h.service.InitiatePayment(
		r.Context(), userID, chi.URLParam(r, "campID"), req.ReturnURL, req.Email,
		payment.InitialJoin{Location: req.Location, PromoCode: req.PromoCode},
	)
	if err != nil {
		h.writeInitiateError(w, r, err)
		return
	}

	api.WriteData(w, http.StatusOK, result)
}

// InstallmentsRequest is the body for POST /camps/{campID}/installments.
type InstallmentsRequest struct {
	Count     int    `json:"count" validate:"required,gte=1"`
	ReturnURL string `json:"return_url" validate:"required,url"`
	Email     string `json:"email" validate:"required,email"`
}

// PayInstallments initiates payment of further installments.
func (h *Handler) PayInstallments(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	if userID == "" {
		api.Unauthenticated(w, "User is not authenticated")
		return
	}

	var req InstallmentsRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	result, err := h.service.InitiatePayment(
		r.Context(), userID, chi.URLParam(r, "campID"), req.ReturnURL, req.Email,
		payment.Installment{Count: req.Count},
	)
	if err != nil {
		h.writeInitiateError(w, r, err)
		return
	}

	api.WriteData(w, http.StatusOK, result)
}

// GetParticipant returns the caller's enrollment in a camp.
func (h *Handler) GetParticipant(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	if userID == "" {
		api.Unauthenticated(w, "User is not authenticated")
		return
	}

	p, err := h.service.GetParticipant(r.Context(), userID, chi.URLParam(r, "campID"))
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

// ListInstallments returns the caller's settled installments for a camp.
func (h *Handler) ListInstallments(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	if userID == "" {
		api.Unauthenticated(w, "User is not authenticated")
		return
	}

	records, err := h.service.ListInstallments(r.Context(), userID, chi.URLParam(r, "campID"))
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

// GetSession returns one of the caller's checkout sessions.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	if userID == "" {
		api.Unauthenticated(w, "User is not authenticated")
		return
	}

	session, err := h.service.GetSession(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		if database.IsNotFound(err) {
			api.NotFound(w, "Session not found")
			return
		}
		h.logger.Error("getting session", "error", err)
		api.InternalError(w, "Failed to get session")
		return
	}
	if session.UserID != userID {
		// Sessions are private to their owner; leak nothing about others.
		api.NotFound(w, "Session not found")
		return
	}

	api.WriteData(w, http.StatusOK, session)
}

// maxWebhookBody caps webhook payload reads at 1 MiB.
const maxWebhookBody = 1 << 20

// Webhook receives gateway events. It answers 200 for everything it can
// safely ignore so the gateway stops redelivering; only a settlement failure
// that redelivery could fix gets a 500.
func (h *Handler) Webhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		h.logger.Warn("reading webhook body", "error", err)
		api.BadRequest(w, "Could not read request body")
		return
	}

	if err := h.reconciler.HandleEvent(r.Context(), payload, r.Header.Get("Stripe-Signature")); err != nil {
		api.InternalError(w, "Failed to process event")
		return
	}

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (h *Handler) writeInitiateError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, payment.ErrCampNotFound):
		api.NotFound(w, "Camp not found")
	case errors.Is(err, payment.ErrAlreadyJoined):
		api.InvalidState(w, "User has already joined this camp")
	case errors.Is(err, payment.ErrNotJoined):
		api.InvalidState(w, "User has not joined this camp")
	case errors.Is(err, payment.ErrInvalidInstallmentCount):
		api.BadRequest(w, "Installment count must be positive")
	default:
		h.logger.Error("initiating payment",
			"error", err,
			"correlation_id", middleware.GetCorrelationID(r.Context()),
		)
		api.InternalError(w, "Failed to initiate payment")
	}
}
