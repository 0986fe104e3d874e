// Package payment orchestrates payment intents: creation against a provider,
// status polling, the pending -> paid transition, and dispatch into the
// provisioning flows.
package payment

import (
	"context"
	"fmt"
	"net/mail"
	"time"

	"github.com/outpostvpn/billing-service/internal/domain"
	"github.com/outpostvpn/billing-service/internal/domain/ports"
	"github.com/outpostvpn/billing-service/internal/services/purchase"
	"github.com/outpostvpn/billing-service/pkg/observability"
)

// Config holds payment-flow knobs
type Config struct {
	DefaultCurrency domain.Currency
	// WaitTimeout bounds the synchronous payment-wait poll
	WaitTimeout time.Duration
	// CheckInterval paces the payment-wait poll
	CheckInterval time.Duration
}

// Service drives the payment lifecycle up to dispatch
type Service struct {
	payments  ports.PaymentRepository
	providers map[domain.Provider]ports.ProviderGateway
	purchase  *purchase.Service
	notifier  ports.Notifier
	logger    ports.Logger
	cfg       Config
}

// NewService creates the payment service
func NewService(
	payments ports.PaymentRepository,
	providers map[domain.Provider]ports.ProviderGateway,
	purchaseService *purchase.Service,
	notifier ports.Notifier,
	logger ports.Logger,
	cfg Config,
) *Service {
	return &Service{
		payments:  payments,
		providers: providers,
		purchase:  purchaseService,
		notifier:  notifier,
		logger:    logger,
		cfg:       cfg,
	}
}

// CreateIntentRequest carries everything needed to open a payment
type CreateIntentRequest struct {
	Metadata    domain.Metadata
	Email       string
	Method      string
	Country     string
	Description string
	Provider    domain.Provider
	Currency    domain.Currency
	Protocol    domain.Protocol
	UserID      int64
	TariffID    int64
	AmountMinor int64
}

// CreateIntentResult is the stored payment plus where to send the user
type CreateIntentResult struct {
	Payment         *domain.Payment
	ConfirmationURL string
}

// CreateIntent validates the request, opens the provider-side payment, and
// stores the pending row keyed by the provider's payment id
func (s *Service) CreateIntent(ctx context.Context, req *CreateIntentRequest) (*CreateIntentResult, error) {
	if err := s.validateIntent(req); err != nil {
		return nil, err
	}

	gateway, ok := s.providers[req.Provider]
	if !ok {
		return nil, domain.NewDomainError(domain.ErrorCodeValidationUnknownEnum,
			"unknown provider: "+string(req.Provider))
	}

	currency := req.Currency
	if currency == "" {
		currency = s.cfg.DefaultCurrency
	}

	result, err := gateway.CreatePayment(ctx, &ports.CreatePaymentRequest{
		AmountMinor: req.AmountMinor,
		Currency:    currency,
		Description: req.Description,
		Email:       req.Email,
		ExternalID:  fmt.Sprintf("u%d-t%d-%d", req.UserID, req.TariffID, time.Now().UnixNano()),
		Metadata:    req.Metadata,
	})
	if err != nil {
		s.logger.Error("provider payment creation failed",
			ports.String("provider", string(req.Provider)),
			ports.Int64("user_id", req.UserID),
			ports.Err(err))
		return nil, err
	}

	payment := &domain.Payment{
		PaymentID:   result.ProviderPaymentID,
		UserID:      req.UserID,
		TariffID:    req.TariffID,
		AmountMinor: req.AmountMinor,
		Currency:    currency,
		Provider:    req.Provider,
		Method:      req.Method,
		Protocol:    req.Protocol,
		Country:     req.Country,
		Description: req.Description,
		Status:      domain.PaymentStatusPending,
		Metadata:    req.Metadata,
	}
	if req.Email != "" {
		email := req.Email
		payment.Email = &email
	}

	stored, err := s.payments.Create(ctx, nil, payment)
	if err != nil {
		return nil, err
	}

	return &CreateIntentResult{
		Payment:         stored,
		ConfirmationURL: result.ConfirmationURL,
	}, nil
}

func (s *Service) validateIntent(req *CreateIntentRequest) error {
	if req.AmountMinor <= 0 {
		return domain.NewDomainError(domain.ErrorCodeValidationAmountInvalid,
			"amount must be positive")
	}
	if !domain.ValidProvider(req.Provider) {
		return domain.NewDomainError(domain.ErrorCodeValidationUnknownEnum,
			"unknown provider: "+string(req.Provider))
	}
	if !domain.ValidProtocol(req.Protocol) {
		return domain.NewDomainError(domain.ErrorCodeValidationUnknownEnum,
			"unknown protocol: "+string(req.Protocol))
	}
	if req.Currency != "" && !domain.ValidCurrency(req.Currency) {
		return domain.NewDomainError(domain.ErrorCodeValidationUnknownEnum,
			"unknown currency: "+string(req.Currency))
	}
	if req.Email != "" {
		if _, err := mail.ParseAddress(req.Email); err != nil {
			return domain.WrapError(domain.ErrorCodeValidationEmailInvalid,
				"invalid email address", err)
		}
	}
	return nil
}

// WaitForPayment polls until the payment settles or the wait budget runs out.
// A timeout returns false without mutating state; the webhook or reconciler
// settles the payment later.
func (s *Service) WaitForPayment(ctx context.Context, paymentID string) (bool, error) {
	deadline := time.Now().Add(s.cfg.WaitTimeout)
	ticker := time.NewTicker(s.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		payment, err := s.payments.GetByPaymentID(ctx, nil, paymentID)
		if err != nil {
			return false, err
		}
		switch payment.Status {
		case domain.PaymentStatusPaid, domain.PaymentStatusCompleted:
			return true, nil
		case domain.PaymentStatusPending:
			paid, err := s.checkRemote(ctx, payment)
			if err != nil {
				s.logger.Warn("payment status poll failed",
					ports.String("payment_id", paymentID),
					ports.Err(err))
			} else if paid {
				if err := s.ProcessPaymentSuccess(ctx, paymentID); err != nil {
					s.logger.Error("payment settlement failed after poll",
						ports.String("payment_id", paymentID),
						ports.Err(err))
				}
				return true, nil
			}
		default:
			return false, nil
		}

		if time.Now().After(deadline) {
			return false, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-ticker.C:
		}
	}
}

// checkRemote polls the provider. A provider error counts as "not yet paid".
func (s *Service) checkRemote(ctx context.Context, payment *domain.Payment) (bool, error) {
	gateway, ok := s.providers[payment.Provider]
	if !ok {
		return false, domain.NewDomainError(domain.ErrorCodeValidationUnknownEnum,
			"unknown provider: "+string(payment.Provider))
	}
	return gateway.CheckPayment(ctx, payment.PaymentID)
}

// ProcessPaymentSuccess runs the pending -> paid CAS and dispatches into the
// provisioning flow. Safe to call repeatedly; every step is CAS-gated.
func (s *Service) ProcessPaymentSuccess(ctx context.Context, paymentID string) error {
	swapped, err := s.payments.TryUpdateStatus(ctx, paymentID,
		domain.PaymentStatusPaid, domain.PaymentStatusPending)
	if err != nil {
		return err
	}
	if swapped {
		observability.PaymentTransitions.WithLabelValues(string(domain.PaymentStatusPaid)).Inc()
	}

	payment, err := s.payments.GetByPaymentID(ctx, nil, paymentID)
	if err != nil {
		return err
	}
	switch payment.Status {
	case domain.PaymentStatusCompleted:
		return nil
	case domain.PaymentStatusPaid:
	default:
		return domain.NewDomainError(domain.ErrorCodeValidationFailed,
			fmt.Sprintf("payment %s is %s, cannot settle", paymentID, payment.Status))
	}

	if payment.IsSubscriptionPayment() {
		return s.purchase.Process(ctx, paymentID)
	}
	return s.purchase.IssueSimpleKey(ctx, paymentID)
}

// MarkFailed moves a pending payment to failed
func (s *Service) MarkFailed(ctx context.Context, paymentID string) error {
	swapped, err := s.payments.TryUpdateStatus(ctx, paymentID,
		domain.PaymentStatusFailed, domain.PaymentStatusPending)
	if err != nil {
		return err
	}
	if swapped {
		observability.PaymentTransitions.WithLabelValues(string(domain.PaymentStatusFailed)).Inc()
	}
	return nil
}

// Recheck polls the provider for an arbitrary payment and settles it when the
// remote reports paid. A provider that has forgotten the payment is treated
// as paid: old-but-settled records age out of provider retention.
func (s *Service) Recheck(ctx context.Context, paymentID string) error {
	payment, err := s.payments.GetByPaymentID(ctx, nil, paymentID)
	if err != nil {
		return err
	}
	if payment.Status != domain.PaymentStatusPending && payment.Status != domain.PaymentStatusPaid {
		return nil
	}

	paid, err := s.checkRemote(ctx, payment)
	if err != nil {
		if domain.IsDomainError(err, domain.ErrorCodePaymentNotFound) {
			paid = true
		} else {
			return err
		}
	}
	if !paid {
		return nil
	}
	return s.ProcessPaymentSuccess(ctx, paymentID)
}

// Retry re-runs the provisioning dispatch for a paid payment
func (s *Service) Retry(ctx context.Context, paymentID string) error {
	payment, err := s.payments.GetByPaymentID(ctx, nil, paymentID)
	if err != nil {
		return err
	}
	if payment.Status != domain.PaymentStatusPaid {
		return domain.NewDomainError(domain.ErrorCodeValidationFailed,
			fmt.Sprintf("payment %s is %s, nothing to retry", paymentID, payment.Status))
	}
	if payment.IsSubscriptionPayment() {
		return s.purchase.Process(ctx, paymentID)
	}
	return s.purchase.IssueSimpleKey(ctx, paymentID)
}

// Refund refunds a settled payment. Only paid or completed payments are
// refundable; the provider refund must succeed before the local transition.
func (s *Service) Refund(ctx context.Context, paymentID string, amountMinor int64, reason string) error {
	payment, err := s.payments.GetByPaymentID(ctx, nil, paymentID)
	if err != nil {
		return err
	}
	if payment.Status != domain.PaymentStatusPaid && payment.Status != domain.PaymentStatusCompleted {
		return domain.NewDomainError(domain.ErrorCodeValidationFailed,
			fmt.Sprintf("payment %s is %s, not refundable", paymentID, payment.Status))
	}
	if amountMinor <= 0 || amountMinor > payment.AmountMinor {
		return domain.NewDomainError(domain.ErrorCodeValidationAmountInvalid,
			"refund amount out of range")
	}

	gateway, ok := s.providers[payment.Provider]
	if !ok {
		return domain.NewDomainError(domain.ErrorCodeValidationUnknownEnum,
			"unknown provider: "+string(payment.Provider))
	}
	if err := gateway.RefundPayment(ctx, payment.PaymentID, amountMinor, reason); err != nil {
		return err
	}

	swapped, err := s.payments.TryUpdateStatus(ctx, paymentID,
		domain.PaymentStatusRefunded, payment.Status)
	if err != nil {
		return err
	}
	if !swapped {
		return domain.NewDomainError(domain.ErrorCodeConsistencyViolation,
			"payment status changed during refund")
	}
	observability.PaymentTransitions.WithLabelValues(string(domain.PaymentStatusRefunded)).Inc()

	s.notifyAdmin(ctx, fmt.Sprintf("Refunded payment %s: %d minor units (%s)",
		paymentID, amountMinor, reason))
	return nil
}

// Cancel moves any non-terminal payment to cancelled
func (s *Service) Cancel(ctx context.Context, paymentID string) error {
	payment, err := s.payments.GetByPaymentID(ctx, nil, paymentID)
	if err != nil {
		return err
	}
	if payment.Status.IsTerminal() || payment.Status == domain.PaymentStatusCompleted {
		return domain.NewDomainError(domain.ErrorCodeValidationFailed,
			fmt.Sprintf("payment %s is %s, cannot cancel", paymentID, payment.Status))
	}

	swapped, err := s.payments.TryUpdateStatus(ctx, paymentID,
		domain.PaymentStatusCancelled, payment.Status)
	if err != nil {
		return err
	}
	if swapped {
		observability.PaymentTransitions.WithLabelValues(string(domain.PaymentStatusCancelled)).Inc()
	}
	return nil
}

// Statistics returns the aggregate ledger view
func (s *Service) Statistics(ctx context.Context) (*domain.PaymentStatistics, error) {
	return s.payments.GetStatistics(ctx)
}

func (s *Service) notifyAdmin(ctx context.Context, text string) {
	if err := s.notifier.NotifyAdmin(ctx, text); err != nil {
		s.logger.Warn("admin notification failed", ports.Err(err))
	}
}
