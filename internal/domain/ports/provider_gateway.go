package ports

import (
	"context"
	"net/http"

	"github.com/outpostvpn/billing-service/internal/domain"
)

// CreatePaymentRequest carries everything a provider needs to open a
// provider-side payment. Amount is in minor currency units; adapters convert
// to whatever shape the provider wants.
type CreatePaymentRequest struct {
	Metadata    domain.Metadata
	ExternalID  string
	Description string
	Email       string
	ReturnURL   string
	Currency    domain.Currency
	AmountMinor int64
}

// CreatePaymentResult is the provider-side identity of a new payment
type CreatePaymentResult struct {
	ProviderPaymentID string
	ConfirmationURL   string
}

// WebhookNotice is a parsed inbound provider notification
type WebhookNotice struct {
	ProviderPaymentID string
	Status            domain.ProviderPaymentStatus
}

// ProviderGateway is the contract every payment provider adapter implements
type ProviderGateway interface {
	// Provider names the provider this adapter talks to
	Provider() domain.Provider

	// CreatePayment opens a provider-side payment and returns its id plus
	// the confirmation URL the user is sent to
	CreatePayment(ctx context.Context, req *CreatePaymentRequest) (*CreatePaymentResult, error)

	// CheckPayment polls the remote status. A PAYMENT_NOT_FOUND domain
	// error means the provider no longer has a record of the payment.
	CheckPayment(ctx context.Context, providerPaymentID string) (bool, error)

	// RefundPayment refunds the given amount against a provider payment
	RefundPayment(ctx context.Context, providerPaymentID string, amountMinor int64, reason string) error

	// ParseWebhook extracts the provider payment id and normalized status
	// from a raw webhook body
	ParseWebhook(body []byte) (*WebhookNotice, error)

	// VerifyWebhook authenticates an inbound webhook request using whatever
	// scheme the provider supports
	VerifyWebhook(r *http.Request, body []byte) error
}
