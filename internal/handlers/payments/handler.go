// Package payments exposes the intent-creation surface the bot layer calls.
package payments

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/outpostvpn/billing-service/internal/domain"
	"github.com/outpostvpn/billing-service/internal/domain/ports"
	"github.com/outpostvpn/billing-service/internal/services/payment"
)

// Handler serves payment intent creation and the synchronous wait poll
type Handler struct {
	payment *payment.Service
	logger  ports.Logger
	token   string
}

// NewHandler creates the payments HTTP handler
func NewHandler(paymentService *payment.Service, logger ports.Logger, token string) *Handler {
	return &Handler{payment: paymentService, logger: logger, token: token}
}

// Register mounts the endpoints on the mux
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/payments", h.guard(h.create))
	mux.HandleFunc("POST /api/payments/wait", h.guard(h.wait))
}

func (h *Handler) guard(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.token == "" {
			http.Error(w, "api surface disabled", http.StatusForbidden)
			return
		}
		auth := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(auth), []byte(h.token)) != 1 {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

type createRequest struct {
	UserID      int64           `json:"user_id"`
	TariffID    int64           `json:"tariff_id"`
	AmountMinor int64           `json:"amount_minor"`
	Currency    string          `json:"currency,omitempty"`
	Provider    string          `json:"provider"`
	Method      string          `json:"method,omitempty"`
	Protocol    string          `json:"protocol"`
	Country     string          `json:"country,omitempty"`
	Email       string          `json:"email,omitempty"`
	Description string          `json:"description,omitempty"`
	Metadata    domain.Metadata `json:"metadata,omitempty"`
}

type createResponse struct {
	PaymentID       string `json:"payment_id"`
	ConfirmationURL string `json:"confirmation_url"`
	Status          string `json:"status"`
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed body", http.StatusBadRequest)
		return
	}

	result, err := h.payment.CreateIntent(r.Context(), &payment.CreateIntentRequest{
		UserID:      req.UserID,
		TariffID:    req.TariffID,
		AmountMinor: req.AmountMinor,
		Currency:    domain.Currency(req.Currency),
		Provider:    domain.Provider(req.Provider),
		Method:      req.Method,
		Protocol:    domain.Protocol(req.Protocol),
		Country:     req.Country,
		Email:       req.Email,
		Description: req.Description,
		Metadata:    req.Metadata,
	})
	if err != nil {
		h.respondError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, createResponse{
		PaymentID:       result.Payment.PaymentID,
		ConfirmationURL: result.ConfirmationURL,
		Status:          string(result.Payment.Status),
	})
}

type waitRequest struct {
	PaymentID string `json:"payment_id"`
}

func (h *Handler) wait(w http.ResponseWriter, r *http.Request) {
	var req waitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.PaymentID == "" {
		http.Error(w, "payment_id is required", http.StatusBadRequest)
		return
	}

	paid, err := h.payment.WaitForPayment(r.Context(), req.PaymentID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"paid": paid})
}

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case domain.IsValidationError(err):
		status = http.StatusBadRequest
	case domain.IsNotFoundError(err):
		status = http.StatusNotFound
	case domain.IsProviderError(err):
		status = http.StatusBadGateway
	}

	h.logger.Warn("payment request failed", ports.Err(err))
	writeJSON(w, status, map[string]string{
		"error": err.Error(),
		"code":  string(domain.GetErrorCode(err)),
	})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
