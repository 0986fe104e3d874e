// Package admin exposes the operational trigger endpoints: reconcile,
// recheck, refund, retry, issue, and the statistics read. Guarded by a
// bearer token.
package admin

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/outpostvpn/billing-service/internal/domain"
	"github.com/outpostvpn/billing-service/internal/domain/ports"
	"github.com/outpostvpn/billing-service/internal/services/payment"
	"github.com/outpostvpn/billing-service/internal/services/reconciler"
)

// Handler serves the admin trigger surface
type Handler struct {
	payment    *payment.Service
	reconciler *reconciler.Reconciler
	logger     ports.Logger
	token      string
}

// NewHandler creates the admin HTTP handler. An empty token disables the
// whole surface.
func NewHandler(paymentService *payment.Service, rec *reconciler.Reconciler, logger ports.Logger, token string) *Handler {
	return &Handler{
		payment:    paymentService,
		reconciler: rec,
		logger:     logger,
		token:      token,
	}
}

// Register mounts the admin endpoints on the mux
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /admin/reconcile", h.guard(h.reconcile))
	mux.HandleFunc("POST /admin/recheck", h.guard(h.recheck))
	mux.HandleFunc("POST /admin/refund", h.guard(h.refund))
	mux.HandleFunc("POST /admin/retry", h.guard(h.retry))
	mux.HandleFunc("POST /admin/issue", h.guard(h.issue))
	mux.HandleFunc("POST /admin/cancel", h.guard(h.cancel))
	mux.HandleFunc("GET /admin/stats", h.guard(h.stats))
}

func (h *Handler) guard(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.token == "" {
			http.Error(w, "admin surface disabled", http.StatusForbidden)
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

type paymentActionRequest struct {
	PaymentID   string `json:"payment_id"`
	AmountMinor int64  `json:"amount_minor,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

func (h *Handler) reconcile(w http.ResponseWriter, r *http.Request) {
	h.reconciler.Run(r.Context())
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) recheck(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeAction(w, r)
	if !ok {
		return
	}
	h.respond(w, h.payment.Recheck(r.Context(), req.PaymentID))
}

func (h *Handler) refund(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeAction(w, r)
	if !ok {
		return
	}
	h.respond(w, h.payment.Refund(r.Context(), req.PaymentID, req.AmountMinor, req.Reason))
}

func (h *Handler) retry(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeAction(w, r)
	if !ok {
		return
	}
	h.respond(w, h.payment.Retry(r.Context(), req.PaymentID))
}

// issue forces the settlement pipeline for a payment, same dispatch the
// webhook path uses
func (h *Handler) issue(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeAction(w, r)
	if !ok {
		return
	}
	h.respond(w, h.payment.ProcessPaymentSuccess(r.Context(), req.PaymentID))
}

func (h *Handler) cancel(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeAction(w, r)
	if !ok {
		return
	}
	h.respond(w, h.payment.Cancel(r.Context(), req.PaymentID))
}

func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.payment.Statistics(r.Context())
	if err != nil {
		h.respond(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"total_payments":          stats.TotalPayments,
		"completed_revenue_minor": stats.CompletedRevenueMinor,
		"count_by_status":         stats.CountByStatus,
	})
}

func (h *Handler) respond(w http.ResponseWriter, err error) {
	if err == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	status := http.StatusInternalServerError
	switch {
	case domain.IsNotFoundError(err):
		status = http.StatusNotFound
	case domain.IsValidationError(err):
		status = http.StatusBadRequest
	}

	h.logger.Warn("admin action failed", ports.Err(err))
	writeJSON(w, status, map[string]string{
		"status": "error",
		"error":  err.Error(),
		"code":   string(domain.GetErrorCode(err)),
	})
}

func decodeAction(w http.ResponseWriter, r *http.Request) (*paymentActionRequest, bool) {
	var req paymentActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.PaymentID == "" {
		http.Error(w, "payment_id is required", http.StatusBadRequest)
		return nil, false
	}
	return &req, true
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
