// Package webhook exposes the per-provider webhook endpoints.
package webhook

import (
	"io"
	"net/http"

	"github.com/outpostvpn/billing-service/internal/domain"
	"github.com/outpostvpn/billing-service/internal/domain/ports"
	"github.com/outpostvpn/billing-service/internal/services/webhook"
)

// maxBodyBytes bounds webhook payload size
const maxBodyBytes = 1 << 20

// Handler serves POST /webhook/{provider}
type Handler struct {
	service *webhook.Service
	logger  ports.Logger
}

// NewHandler creates the webhook HTTP handler
func NewHandler(service *webhook.Service, logger ports.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// Register mounts the provider endpoints on the mux
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /webhook/yookassa", h.handle(domain.ProviderYooKassa))
	mux.HandleFunc("POST /webhook/platega", h.handle(domain.ProviderPlatega))
	mux.HandleFunc("POST /webhook/cryptobot", h.handle(domain.ProviderCryptoBot))
}

func (h *Handler) handle(provider domain.Provider) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		if err != nil {
			http.Error(w, "read failed", http.StatusBadRequest)
			return
		}
		defer r.Body.Close()

		status := h.service.Handle(r.Context(), provider, r, body)
		w.WriteHeader(status)
	}
}
