// Package webhook authenticates and dispatches inbound provider
// notifications. Idempotency is structural: every state-advancing action
// downstream is CAS-gated, so repeated deliveries converge.
package webhook

import (
	"context"
	"net/http"

	"github.com/outpostvpn/billing-service/internal/domain"
	"github.com/outpostvpn/billing-service/internal/domain/ports"
	"github.com/outpostvpn/billing-service/internal/services/payment"
	"github.com/outpostvpn/billing-service/pkg/observability"
)

// Service handles one inbound webhook end to end
type Service struct {
	payments  ports.PaymentRepository
	providers map[domain.Provider]ports.ProviderGateway
	payment   *payment.Service
	logger    ports.Logger
}

// NewService creates the webhook service
func NewService(
	payments ports.PaymentRepository,
	providers map[domain.Provider]ports.ProviderGateway,
	paymentService *payment.Service,
	logger ports.Logger,
) *Service {
	return &Service{
		payments:  payments,
		providers: providers,
		payment:   paymentService,
		logger:    logger,
	}
}

// Handle processes one webhook delivery and returns the HTTP status to
// respond with: 200 on any handled outcome, 400 on malformed payloads, 403 on
// auth failure, 500 on internal errors.
func (s *Service) Handle(ctx context.Context, provider domain.Provider, r *http.Request, body []byte) int {
	gateway, ok := s.providers[provider]
	if !ok {
		observability.WebhooksReceived.WithLabelValues(string(provider), "unknown_provider").Inc()
		return http.StatusNotFound
	}

	if err := gateway.VerifyWebhook(r, body); err != nil {
		s.logger.Warn("webhook authentication failed",
			ports.String("provider", string(provider)),
			ports.Err(err))
		observability.WebhooksReceived.WithLabelValues(string(provider), "auth_failed").Inc()
		return http.StatusForbidden
	}

	notice, err := gateway.ParseWebhook(body)
	if err != nil {
		s.logger.Warn("webhook parse failed",
			ports.String("provider", string(provider)),
			ports.Err(err))
		observability.WebhooksReceived.WithLabelValues(string(provider), "malformed").Inc()
		return http.StatusBadRequest
	}

	if notice.ProviderPaymentID == "" {
		// Shape-valid update the core does not act on
		observability.WebhooksReceived.WithLabelValues(string(provider), "ignored").Inc()
		return http.StatusOK
	}

	stored, err := s.payments.GetByPaymentID(ctx, nil, notice.ProviderPaymentID)
	if err != nil {
		if domain.IsNotFoundError(err) {
			s.logger.Warn("webhook for unknown payment",
				ports.String("provider", string(provider)),
				ports.String("provider_payment_id", notice.ProviderPaymentID))
			observability.WebhooksReceived.WithLabelValues(string(provider), "unknown_payment").Inc()
			return http.StatusOK
		}
		observability.WebhooksReceived.WithLabelValues(string(provider), "error").Inc()
		return http.StatusInternalServerError
	}

	switch notice.Status {
	case domain.ProviderStatusPaid:
		if err := s.payment.ProcessPaymentSuccess(ctx, stored.PaymentID); err != nil {
			if domain.IsProcessingInProgress(err) {
				// Concurrent duplicate delivery; the lock holder finishes
				s.logger.Info("webhook delivery raced an in-flight settlement",
					ports.String("payment_id", stored.PaymentID))
				observability.WebhooksReceived.WithLabelValues(string(provider), "in_flight").Inc()
				return http.StatusOK
			}
			s.logger.Error("webhook settlement failed",
				ports.String("payment_id", stored.PaymentID),
				ports.Err(err))
			observability.WebhooksReceived.WithLabelValues(string(provider), "error").Inc()
			return http.StatusInternalServerError
		}
		observability.WebhooksReceived.WithLabelValues(string(provider), "paid").Inc()
	case domain.ProviderStatusFailed:
		if err := s.payment.MarkFailed(ctx, stored.PaymentID); err != nil {
			observability.WebhooksReceived.WithLabelValues(string(provider), "error").Inc()
			return http.StatusInternalServerError
		}
		observability.WebhooksReceived.WithLabelValues(string(provider), "failed").Inc()
	default:
		observability.WebhooksReceived.WithLabelValues(string(provider), "ignored").Inc()
	}

	return http.StatusOK
}
