package purchase

import (
	"context"
	"fmt"

	"github.com/outpostvpn/billing-service/internal/domain"
	"github.com/outpostvpn/billing-service/internal/domain/ports"
)

// IssueSimpleKey settles a paid non-subscription payment: either a renewal of
// the user's existing credential of that protocol, or provisioning of a
// single new key on one server. Idempotent the same way Process is.
func (s *Service) IssueSimpleKey(ctx context.Context, paymentID string) error {
	payment, err := s.payments.GetByPaymentID(ctx, nil, paymentID)
	if err != nil {
		return err
	}
	if payment.Status == domain.PaymentStatusCompleted {
		return nil
	}
	if payment.Status != domain.PaymentStatusPaid {
		return domain.NewDomainError(domain.ErrorCodeValidationFailed,
			fmt.Sprintf("payment %s is %s, not paid", paymentID, payment.Status))
	}

	tariff, err := s.tariffs.GetByID(ctx, payment.TariffID)
	if err != nil {
		return err
	}

	user, err := s.users.GetByID(ctx, payment.UserID)
	if err != nil && !domain.IsNotFoundError(err) {
		return err
	}
	if user == nil {
		user = &domain.User{ID: payment.UserID}
	}

	activeKeys, err := s.renewal.ActiveCredentials(ctx, payment.UserID, payment.Protocol, s.now())
	if err != nil {
		return err
	}
	if len(activeKeys) > 0 {
		return s.renewSimpleKey(ctx, payment, tariff, activeKeys)
	}
	return s.issueNewKey(ctx, payment, tariff, user)
}

// renewSimpleKey extends the parent subscription of the user's existing
// credential and resets its traffic counters
func (s *Service) renewSimpleKey(ctx context.Context, payment *domain.Payment, tariff *domain.Tariff, activeKeys []*domain.VPNKey) error {
	subID := *activeKeys[0].SubscriptionID

	newExpiry, err := s.subscriptions.ExtendByDuration(ctx, subID, tariff.Duration())
	if err != nil {
		return err
	}
	if err := s.payments.UpdateSubscriptionID(ctx, payment.PaymentID, subID); err != nil {
		return err
	}
	if _, err := s.finalizePayment(ctx, payment); err != nil {
		return err
	}

	sub, err := s.subscriptions.GetByID(ctx, nil, subID)
	if err != nil {
		return err
	}
	s.resetTraffic(ctx, sub)

	text := fmt.Sprintf("Your key has been extended until %s.",
		newExpiry.UTC().Format("2006-01-02 15:04 MST"))
	if err := s.notifier.NotifyUser(ctx, payment.UserID, text); err != nil {
		return domain.WrapError(domain.ErrorCodeNotificationFailed,
			"renewal notification delivery failed", err)
	}
	return nil
}

// issueNewKey provisions one credential of the payment's protocol on one
// server
func (s *Service) issueNewKey(ctx context.Context, payment *domain.Payment, tariff *domain.Tariff, user *domain.User) error {
	sub, wasCreated, err := s.getOrCreateSubscription(ctx, payment, tariff, user)
	if err != nil {
		return err
	}
	if err := s.payments.UpdateSubscriptionID(ctx, payment.PaymentID, sub.ID); err != nil {
		return err
	}
	subID := sub.ID
	payment.SubscriptionID = &subID

	if _, err := s.finalizePayment(ctx, payment); err != nil {
		return err
	}

	vip := user.IsVIP || sub.IsVIP()
	newExpiry, err := s.computeExpiry(ctx, payment, sub, tariff, user, wasCreated, vip)
	if err != nil {
		return err
	}
	newLimit := domain.NextTrafficLimit(sub.TrafficLimitMB, !wasCreated, tariff.TrafficLimitMB)
	if vip {
		newLimit = 0
	}
	if err := s.applyExpiry(ctx, sub, newExpiry, tariff.ID, newLimit); err != nil {
		return err
	}
	sub.ExpiresAt = newExpiry
	sub.TrafficLimitMB = newLimit

	tier := domain.TierPaid
	if vip {
		tier = domain.TierVIP
	}

	var server *domain.Server
	if payment.Protocol == domain.ProtocolOutline {
		server, err = s.selectOutlineServer(ctx, tier)
	} else {
		var servers []*domain.Server
		servers, err = s.eligibleServers(ctx, payment.Protocol, tier)
		if err == nil && len(servers) > 0 {
			server = servers[0]
		}
	}
	if err != nil {
		return err
	}
	if server == nil {
		return domain.NewDomainError(domain.ErrorCodeServerNotFound,
			"no eligible server for protocol "+string(payment.Protocol))
	}

	pool := newGatewayPool(s.gateways)
	defer pool.closeAll(s.logger)
	if _, err := s.provisionServer(ctx, pool, server, sub, payment); err != nil {
		s.logger.Error("simple key provisioning failed",
			ports.String("payment_id", payment.PaymentID),
			ports.Int64("server_id", server.ID),
			ports.Err(err))
		// Payment stays completed; the reconciler re-attempts provisioning
		return nil
	}

	if err := s.sendUserNotification(ctx, payment, sub, wasCreated); err != nil {
		return err
	}
	s.notifyAdminPurchase(ctx, payment)
	return nil
}
