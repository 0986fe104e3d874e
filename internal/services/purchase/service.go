// Package purchase implements the subscription purchase/renewal engine: it
// turns a paid subscription payment into a subscription, provisioned
// credentials, and exactly one purchase notification, then finalizes the
// payment. The whole pipeline is idempotent under webhook duplicates,
// reconciler re-runs, and crash-and-restart.
package purchase

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/outpostvpn/billing-service/internal/domain"
	"github.com/outpostvpn/billing-service/internal/domain/ports"
	"github.com/outpostvpn/billing-service/internal/services/renewal"
	"github.com/outpostvpn/billing-service/pkg/observability"
)

// Config holds purchase-flow knobs
type Config struct {
	// SubscriptionHost is the public host subscription URLs are built on
	SubscriptionHost string
	// PrimaryOutlineServerID is preferred when selecting the outline server
	PrimaryOutlineServerID int64
}

// Service drives the purchase/renewal pipeline
type Service struct {
	db            ports.DBPort
	payments      ports.PaymentRepository
	subscriptions ports.SubscriptionRepository
	keys          ports.KeyRepository
	tariffs       ports.TariffRepository
	users         ports.UserRepository
	servers       ports.ServerRepository
	referrals     ports.ReferralRepository
	gateways      ports.VPNGatewayFactory
	notifier      ports.Notifier
	renewal       *renewal.Detector
	logger        ports.Logger
	cfg           Config
	now           func() time.Time
}

// NewService creates the purchase service
func NewService(
	db ports.DBPort,
	payments ports.PaymentRepository,
	subscriptions ports.SubscriptionRepository,
	keys ports.KeyRepository,
	tariffs ports.TariffRepository,
	users ports.UserRepository,
	servers ports.ServerRepository,
	referrals ports.ReferralRepository,
	gateways ports.VPNGatewayFactory,
	notifier ports.Notifier,
	logger ports.Logger,
	cfg Config,
) *Service {
	return &Service{
		db:            db,
		payments:      payments,
		subscriptions: subscriptions,
		keys:          keys,
		tariffs:       tariffs,
		users:         users,
		servers:       servers,
		referrals:     referrals,
		gateways:      gateways,
		notifier:      notifier,
		renewal:       renewal.NewDetector(keys),
		logger:        logger,
		cfg:           cfg,
		now:           time.Now,
	}
}

// Process takes a paid subscription payment through provisioning and
// finalization. Every failure leaves the store in a state a later retry can
// make progress from; a nil return means the payment is fully settled.
func (s *Service) Process(ctx context.Context, paymentID string) error {
	payment, err := s.payments.GetByPaymentID(ctx, nil, paymentID)
	if err != nil {
		return err
	}

	if payment.Status == domain.PaymentStatusCompleted {
		// Duplicate delivery after full success; only re-emit the admin note
		s.notifyAdminPurchase(ctx, payment)
		return nil
	}
	if payment.Status != domain.PaymentStatusPaid {
		return domain.NewDomainError(domain.ErrorCodeValidationFailed,
			fmt.Sprintf("payment %s is %s, not paid", paymentID, payment.Status))
	}
	if !payment.IsSubscriptionPayment() {
		return domain.NewDomainError(domain.ErrorCodeValidationFailed,
			"payment is not a subscription payment")
	}

	acquired, err := s.payments.TryAcquireProcessingLock(ctx, paymentID, domain.MetaProcessingLock)
	if err != nil {
		return err
	}
	if !acquired {
		// A concurrent delivery won the lock; it finishes the work
		return domain.ErrProcessingInProgress
	}
	defer func() {
		if err := s.payments.ReleaseProcessingLock(context.WithoutCancel(ctx), paymentID, domain.MetaProcessingLock); err != nil {
			s.logger.Warn("processing lock release failed",
				ports.String("payment_id", paymentID),
				ports.Err(err))
		}
	}()

	tariff, err := s.tariffs.GetByID(ctx, payment.TariffID)
	if err != nil {
		return err
	}

	// The status may have jumped while we loaded the tariff
	payment, err = s.payments.GetByPaymentID(ctx, nil, paymentID)
	if err != nil {
		return err
	}
	if payment.Status == domain.PaymentStatusCompleted {
		s.notifyAdminPurchase(ctx, payment)
		return nil
	}

	user, err := s.users.GetByID(ctx, payment.UserID)
	if err != nil && !domain.IsNotFoundError(err) {
		return err
	}
	if user == nil {
		user = &domain.User{ID: payment.UserID}
	}

	// Retry detection: a pre-linked subscription means a prior run got at
	// least as far as linking. With keys present only the status flip is
	// missing; with zero keys the run crashed mid-provisioning and this run
	// resumes against the same subscription row instead of minting a second
	var sub *domain.Subscription
	var wasCreated bool
	if payment.SubscriptionID != nil {
		count, err := s.keys.CountBySubscription(ctx, nil, *payment.SubscriptionID)
		if err != nil {
			return err
		}
		if count > 0 {
			if _, err := s.finalizePayment(ctx, payment); err != nil {
				return err
			}
			s.notifyAdminPurchase(ctx, payment)
			return nil
		}

		linked, err := s.subscriptions.GetByID(ctx, nil, *payment.SubscriptionID)
		if err != nil && !domain.IsNotFoundError(err) {
			return err
		}
		if linked != nil {
			sub = linked
			// An aged-out row gets the full fresh-purchase expiry
			// recomputation; a still-active one renews as usual
			wasCreated = !linked.ActiveAt(s.now())
		}
	}

	if sub == nil {
		sub, wasCreated, err = s.getOrCreateSubscription(ctx, payment, tariff, user)
		if err != nil {
			return err
		}
		if err := s.payments.UpdateSubscriptionID(ctx, paymentID, sub.ID); err != nil {
			return err
		}
		subID := sub.ID
		payment.SubscriptionID = &subID
	}

	// Pre-finalize so a crash during provisioning cannot lose the completed
	// status; the reconciler picks up anything left half-done
	if _, err := s.finalizePayment(ctx, payment); err != nil {
		return err
	}

	vip := user.IsVIP || sub.IsVIP()
	oldExpiry := sub.ExpiresAt
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
	sub.TariffID = tariff.ID
	sub.TrafficLimitMB = newLimit

	extended := !wasCreated && newExpiry.After(oldExpiry)
	if extended {
		s.resetTraffic(ctx, sub)
	}

	keyCount, err := s.keys.CountBySubscription(ctx, nil, sub.ID)
	if err != nil {
		return err
	}
	if keyCount == 0 {
		tier := domain.TierPaid
		if vip {
			tier = domain.TierVIP
		}
		created, err := s.provisionKeys(ctx, sub, payment, tier)
		if err != nil {
			return err
		}
		keyCount = int64(created)
		if created == 0 {
			s.logger.Error("no credentials provisioned for completed payment",
				ports.String("payment_id", paymentID),
				ports.Int64("subscription_id", sub.ID))
		}
	}

	if err := s.sendUserNotification(ctx, payment, sub, wasCreated); err != nil {
		return err
	}

	s.notifyAdminPurchase(ctx, payment)
	s.audit(ctx, payment, sub, keyCount)
	return nil
}

// finalizePayment runs the paid -> completed CAS. A lost CAS is fine when the
// winner already completed the payment.
func (s *Service) finalizePayment(ctx context.Context, payment *domain.Payment) (bool, error) {
	swapped, err := s.payments.TryUpdateStatus(ctx, payment.PaymentID,
		domain.PaymentStatusCompleted, domain.PaymentStatusPaid)
	if err != nil {
		return false, err
	}
	if swapped {
		payment.Status = domain.PaymentStatusCompleted
		observability.PaymentTransitions.WithLabelValues(string(domain.PaymentStatusCompleted)).Inc()
		return true, nil
	}

	current, err := s.payments.GetByPaymentID(ctx, nil, payment.PaymentID)
	if err != nil {
		return false, err
	}
	if current.Status != domain.PaymentStatusCompleted {
		return false, domain.NewDomainError(domain.ErrorCodeConsistencyViolation,
			fmt.Sprintf("payment %s is %s after lost completion race", payment.PaymentID, current.Status))
	}
	payment.Status = domain.PaymentStatusCompleted
	return false, nil
}

// getOrCreateSubscription finds the user's active subscription or inserts a
// new one, all inside one transaction so two concurrent webhooks cannot both
// insert
func (s *Service) getOrCreateSubscription(ctx context.Context, payment *domain.Payment, tariff *domain.Tariff, user *domain.User) (*domain.Subscription, bool, error) {
	var sub *domain.Subscription
	var wasCreated bool

	err := s.db.WithTransaction(ctx, func(ctx context.Context, tx pgx.Tx) error {
		existing, err := s.subscriptions.GetActiveForUser(ctx, tx, payment.UserID, s.now())
		if err != nil {
			return err
		}
		if existing != nil {
			sub = existing
			return nil
		}

		trafficLimit := tariff.TrafficLimitMB
		if user.IsVIP {
			trafficLimit = 0
		}
		created, err := s.subscriptions.Create(ctx, tx, &domain.Subscription{
			UserID:         payment.UserID,
			Token:          uuid.NewString(),
			ExpiresAt:      s.now(), // placeholder until expiry recomputation
			TariffID:       tariff.ID,
			IsActive:       true,
			TrafficLimitMB: trafficLimit,
		})
		if err != nil {
			return err
		}
		sub = created
		wasCreated = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return sub, wasCreated, nil
}

// computeExpiry yields the subscription's new expiry per the renewal rules
func (s *Service) computeExpiry(ctx context.Context, payment *domain.Payment, sub *domain.Subscription, tariff *domain.Tariff, user *domain.User, wasCreated, vip bool) (time.Time, error) {
	now := s.now()

	if vip {
		return domain.VIPExpiresAt, nil
	}

	if !wasCreated {
		// Manual-override guard: an admin-set far-future expiry is not
		// extended by renewals
		if !sub.ExpiresAt.Before(domain.VIPExpiresAt) || sub.ExpiresAt.Sub(now) > domain.ManualOverrideHorizon {
			return sub.ExpiresAt, nil
		}
		newExpiry := sub.ExpiresAt.Add(tariff.Duration())
		return clampExpiry(newExpiry, now), nil
	}

	// Fresh subscription: recompute from every completed payment linked to
	// it, including the current one (linked and finalized before this point)
	completed, err := s.payments.ListCompletedBySubscription(ctx, nil, sub.ID)
	if err != nil {
		return time.Time{}, err
	}
	if len(completed) == 0 {
		completed = []*domain.Payment{payment}
	}

	base := sub.CreatedAt
	if first := completed[0].CreatedAt; first.After(base) {
		base = first
	}

	var total time.Duration
	for _, p := range completed {
		t, err := s.tariffs.GetByID(ctx, p.TariffID)
		if err != nil || t.DurationSec == 0 {
			total += tariff.Duration()
			continue
		}
		total += t.Duration()
	}

	preliminary := base.Add(total)

	bonuses, err := s.referrals.CountQualifiedReferrals(ctx, payment.UserID, preliminary)
	if err != nil {
		s.logger.Warn("referral bonus lookup failed",
			ports.Int64("user_id", payment.UserID),
			ports.Err(err))
		bonuses = 0
	}
	expiry := preliminary.Add(time.Duration(bonuses) * domain.ReferralBonusDuration)

	return clampExpiry(expiry, now), nil
}

func clampExpiry(expiry, now time.Time) time.Time {
	horizon := now.Add(domain.MaxExpiryHorizon)
	if expiry.After(horizon) {
		return horizon
	}
	return expiry
}

// applyExpiry writes expiry, tariff and traffic limit atomically. A move of
// less than the tolerance keeps the stored expiry but still refreshes tariff
// and limit.
func (s *Service) applyExpiry(ctx context.Context, sub *domain.Subscription, newExpiry time.Time, tariffID, trafficLimitMB int64) error {
	expiry := newExpiry
	if delta := newExpiry.Sub(sub.ExpiresAt); delta < domain.ExpiryUpdateTolerance && delta > -domain.ExpiryUpdateTolerance {
		expiry = sub.ExpiresAt
	}
	return s.db.WithTransaction(ctx, func(ctx context.Context, tx pgx.Tx) error {
		return s.subscriptions.UpdateExpiry(ctx, tx, sub.ID, expiry, tariffID, trafficLimitMB)
	})
}

// sendUserNotification delivers either the one-time purchase message or the
// always-sent renewal message. The purchase_notification_sent flip is the
// exactly-once gate; losers fall through to the renewal message.
func (s *Service) sendUserNotification(ctx context.Context, payment *domain.Payment, sub *domain.Subscription, wasCreated bool) error {
	first, err := s.subscriptions.MarkPurchaseNotificationSent(ctx, sub.ID)
	if err != nil {
		return err
	}

	if first {
		text := s.buildPurchaseMessage(ctx, sub, wasCreated)
		if err := s.notifier.NotifyUser(ctx, payment.UserID, text); err != nil {
			// The flag is already flipped; re-sending would break
			// exactly-once, so this is logged and dropped
			s.logger.Error("purchase notification delivery failed",
				ports.Int64("user_id", payment.UserID),
				ports.Int64("subscription_id", sub.ID),
				ports.Err(err))
		}
		return nil
	}

	// Renewal messages are always sent; a transport failure fails the
	// operation so the idempotent renewal path is retried
	text := s.buildRenewalMessage(sub)
	if err := s.notifier.NotifyUser(ctx, payment.UserID, text); err != nil {
		return domain.WrapError(domain.ErrorCodeNotificationFailed,
			"renewal notification delivery failed", err)
	}
	return nil
}

func (s *Service) subscriptionURL(token string) string {
	return fmt.Sprintf("https://%s/api/subscription/%s", s.cfg.SubscriptionHost, token)
}

func (s *Service) buildPurchaseMessage(ctx context.Context, sub *domain.Subscription, wasCreated bool) string {
	var b strings.Builder
	b.WriteString("Your subscription is ready.\n\n")
	b.WriteString("Subscription link: " + s.subscriptionURL(sub.Token) + "\n")
	b.WriteString("Valid until: " + sub.ExpiresAt.UTC().Format("2006-01-02 15:04 MST") + "\n\n")
	b.WriteString("Add the link to your VPN client to load all servers.")

	if wasCreated {
		keys, err := s.keys.ListBySubscription(ctx, nil, sub.ID)
		if err == nil {
			var backup []string
			for _, key := range keys {
				if key.Protocol == domain.ProtocolOutline && key.AccessURL != "" {
					backup = append(backup, key.AccessURL)
				}
			}
			if len(backup) > 0 {
				b.WriteString("\n\nBackup Outline keys:\n")
				b.WriteString(strings.Join(backup, "\n"))
			}
		}
	}
	return b.String()
}

func (s *Service) buildRenewalMessage(sub *domain.Subscription) string {
	return fmt.Sprintf(
		"Your subscription has been extended.\n\nValid until: %s\nSubscription link: %s",
		sub.ExpiresAt.UTC().Format("2006-01-02 15:04 MST"),
		s.subscriptionURL(sub.Token))
}

// notifyAdminPurchase is best-effort
func (s *Service) notifyAdminPurchase(ctx context.Context, payment *domain.Payment) {
	text := fmt.Sprintf("Subscription payment settled: payment %s, user %d, amount %d %s",
		payment.PaymentID, payment.UserID, payment.AmountMinor, payment.Currency)
	if err := s.notifier.NotifyAdmin(ctx, text); err != nil {
		s.logger.Warn("admin purchase notification failed",
			ports.String("payment_id", payment.PaymentID),
			ports.Err(err))
	}
}

// audit verifies the end-state invariants and logs discrepancies for the
// reconciler to repair
func (s *Service) audit(ctx context.Context, payment *domain.Payment, sub *domain.Subscription, keyCount int64) {
	if keyCount == 0 {
		if count, err := s.keys.CountBySubscription(ctx, nil, sub.ID); err == nil {
			keyCount = count
		}
	}
	if keyCount == 0 {
		s.logger.Warn("audit: subscription has no keys",
			ports.Int64("subscription_id", sub.ID),
			ports.String("payment_id", payment.PaymentID))
	}

	current, err := s.payments.GetByPaymentID(ctx, nil, payment.PaymentID)
	if err == nil && current.Status != domain.PaymentStatusCompleted {
		s.logger.Warn("audit: payment not completed",
			ports.String("payment_id", payment.PaymentID),
			ports.String("status", string(current.Status)))
	}

	fresh, err := s.subscriptions.GetByID(ctx, nil, sub.ID)
	if err == nil && !fresh.PurchaseNotificationSent {
		s.logger.Warn("audit: purchase notification flag not set",
			ports.Int64("subscription_id", sub.ID))
	}
}
