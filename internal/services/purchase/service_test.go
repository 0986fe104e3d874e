package purchase

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/outpostvpn/billing-service/internal/domain"
	"github.com/outpostvpn/billing-service/internal/domain/ports"
	"github.com/outpostvpn/billing-service/internal/testutil"
)

var testNow = time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	payments  *testutil.MockPaymentRepository
	subs      *testutil.MockSubscriptionRepository
	keys      *testutil.MockKeyRepository
	tariffs   *testutil.MockTariffRepository
	users     *testutil.MockUserRepository
	servers   *testutil.MockServerRepository
	referrals *testutil.MockReferralRepository
	gateways  *testutil.MockVPNGatewayFactory
	notifier  *testutil.MockNotifier
	svc       *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		payments:  &testutil.MockPaymentRepository{},
		subs:      &testutil.MockSubscriptionRepository{},
		keys:      &testutil.MockKeyRepository{},
		tariffs:   &testutil.MockTariffRepository{},
		users:     &testutil.MockUserRepository{},
		servers:   &testutil.MockServerRepository{},
		referrals: &testutil.MockReferralRepository{},
		gateways:  &testutil.MockVPNGatewayFactory{},
		notifier:  &testutil.MockNotifier{},
	}
	f.svc = NewService(
		testutil.FakeDB{}, f.payments, f.subs, f.keys,
		f.tariffs, f.users, f.servers, f.referrals,
		f.gateways, f.notifier, testutil.NopLogger{},
		Config{SubscriptionHost: "vpn.example.com", PrimaryOutlineServerID: 8},
	)
	f.svc.now = func() time.Time { return testNow }
	return f
}

func (f *fixture) assertExpectations(t *testing.T) {
	t.Helper()
	f.payments.AssertExpectations(t)
	f.subs.AssertExpectations(t)
	f.keys.AssertExpectations(t)
	f.tariffs.AssertExpectations(t)
	f.notifier.AssertExpectations(t)
}

func subscriptionPayment(status domain.PaymentStatus) *domain.Payment {
	return &domain.Payment{
		PaymentID:   "pay-1",
		UserID:      42,
		TariffID:    7,
		AmountMinor: 19900,
		Currency:    domain.CurrencyRUB,
		Provider:    domain.ProviderYooKassa,
		Protocol:    domain.ProtocolV2Ray,
		Status:      status,
		Metadata:    domain.Metadata{domain.MetaKeyType: domain.KeyTypeSubscription},
		CreatedAt:   testNow.Add(-time.Minute),
	}
}

func monthlyTariff() *domain.Tariff {
	return &domain.Tariff{
		ID:             7,
		Name:           "month",
		DurationSec:    30 * 24 * 3600,
		PriceMinor:     19900,
		TrafficLimitMB: 102400,
	}
}

func TestProcessNewPurchase(t *testing.T) {
	f := newFixture(t)
	tariff := monthlyTariff()

	f.payments.On("GetByPaymentID", mock.Anything, nil, "pay-1").
		Return(subscriptionPayment(domain.PaymentStatusPaid), nil).Twice()
	f.payments.On("TryAcquireProcessingLock", mock.Anything, "pay-1", domain.MetaProcessingLock).
		Return(true, nil)
	f.payments.On("ReleaseProcessingLock", mock.Anything, "pay-1", domain.MetaProcessingLock).
		Return(nil)
	f.tariffs.On("GetByID", mock.Anything, int64(7)).Return(tariff, nil)
	f.users.On("GetByID", mock.Anything, int64(42)).Return(&domain.User{ID: 42}, nil)

	createdSub := &domain.Subscription{
		ID:             9,
		UserID:         42,
		Token:          "abcdef1234567890",
		ExpiresAt:      testNow,
		CreatedAt:      testNow,
		TariffID:       7,
		IsActive:       true,
		TrafficLimitMB: 102400,
	}
	f.subs.On("GetActiveForUser", mock.Anything, mock.Anything, int64(42), mock.Anything).
		Return(nil, nil)
	f.subs.On("Create", mock.Anything, mock.Anything, mock.Anything).Return(createdSub, nil)
	f.payments.On("UpdateSubscriptionID", mock.Anything, "pay-1", int64(9)).Return(nil)
	f.payments.On("TryUpdateStatus", mock.Anything, "pay-1",
		domain.PaymentStatusCompleted, domain.PaymentStatusPaid).Return(true, nil)

	completedCopy := subscriptionPayment(domain.PaymentStatusCompleted)
	f.payments.On("ListCompletedBySubscription", mock.Anything, nil, int64(9)).
		Return([]*domain.Payment{completedCopy}, nil)
	f.referrals.On("CountQualifiedReferrals", mock.Anything, int64(42), mock.Anything).
		Return(int64(0), nil)

	expectedExpiry := testNow.Add(30 * 24 * time.Hour)
	f.subs.On("UpdateExpiry", mock.Anything, mock.Anything,
		int64(9), expectedExpiry, int64(7), int64(102400)).Return(nil)

	f.keys.On("CountBySubscription", mock.Anything, nil, int64(9)).Return(int64(0), nil).Once()

	node := &domain.Server{ID: 3, Protocol: domain.ProtocolV2Ray, AccessLevel: domain.AccessLevelAll, Active: true}
	f.servers.On("ListActiveByProtocol", mock.Anything, domain.ProtocolV2Ray).
		Return([]*domain.Server{node}, nil)
	f.servers.On("ListActiveByProtocol", mock.Anything, domain.ProtocolOutline).
		Return([]*domain.Server{}, nil)

	gw := &testutil.MockVPNGateway{}
	f.gateways.On("ForServer", node).Return(gw, nil)
	cred := &ports.VPNCredential{UUID: "u-1"}
	gw.On("CreateUser", mock.Anything, "42_abcdef12").Return(cred, nil)
	gw.On("UserConfig", mock.Anything, cred).Return("vless://u-1@host:443", nil)
	gw.On("Close").Return(nil)

	f.keys.On("ExistsForServer", mock.Anything, mock.Anything, int64(3), int64(9), domain.ProtocolV2Ray).
		Return(false, nil).Twice()
	insertedKey := &domain.VPNKey{ID: 1, ServerID: 3, UserID: 42, Protocol: domain.ProtocolV2Ray, UUID: "u-1"}
	f.keys.On("Insert", mock.Anything, mock.Anything, mock.Anything).Return(insertedKey, nil)
	f.keys.On("ExistsForServer", mock.Anything, mock.Anything, int64(3), int64(9), domain.ProtocolV2Ray).
		Return(true, nil).Once()

	f.subs.On("MarkPurchaseNotificationSent", mock.Anything, int64(9)).Return(true, nil)
	f.keys.On("ListBySubscription", mock.Anything, nil, int64(9)).
		Return([]*domain.VPNKey{insertedKey}, nil)
	f.notifier.On("NotifyUser", mock.Anything, int64(42), mock.MatchedBy(func(text string) bool {
		return strings.Contains(text, "vpn.example.com/api/subscription/abcdef1234567890")
	})).Return(nil)
	f.notifier.On("NotifyAdmin", mock.Anything, mock.Anything).Return(nil)

	// Final audit reads
	f.payments.On("GetByPaymentID", mock.Anything, nil, "pay-1").
		Return(subscriptionPayment(domain.PaymentStatusCompleted), nil).Once()
	f.subs.On("GetByID", mock.Anything, nil, int64(9)).Return(&domain.Subscription{
		ID: 9, PurchaseNotificationSent: true,
	}, nil)

	err := f.svc.Process(context.Background(), "pay-1")
	require.NoError(t, err)
	f.assertExpectations(t)
	gw.AssertExpectations(t)
}

func TestProcessRenewalExtendsExpiry(t *testing.T) {
	f := newFixture(t)
	tariff := monthlyTariff()

	f.payments.On("GetByPaymentID", mock.Anything, nil, "pay-1").
		Return(subscriptionPayment(domain.PaymentStatusPaid), nil).Twice()
	f.payments.On("TryAcquireProcessingLock", mock.Anything, "pay-1", domain.MetaProcessingLock).
		Return(true, nil)
	f.payments.On("ReleaseProcessingLock", mock.Anything, "pay-1", domain.MetaProcessingLock).
		Return(nil)
	f.tariffs.On("GetByID", mock.Anything, int64(7)).Return(tariff, nil)
	f.users.On("GetByID", mock.Anything, int64(42)).Return(&domain.User{ID: 42}, nil)

	existing := &domain.Subscription{
		ID:                       9,
		UserID:                   42,
		Token:                    "abcdef1234567890",
		ExpiresAt:                testNow.Add(5 * 24 * time.Hour),
		CreatedAt:                testNow.Add(-30 * 24 * time.Hour),
		TariffID:                 7,
		IsActive:                 true,
		TrafficLimitMB:           102400,
		PurchaseNotificationSent: true,
	}
	f.subs.On("GetActiveForUser", mock.Anything, mock.Anything, int64(42), mock.Anything).
		Return(existing, nil)
	f.payments.On("UpdateSubscriptionID", mock.Anything, "pay-1", int64(9)).Return(nil)
	f.payments.On("TryUpdateStatus", mock.Anything, "pay-1",
		domain.PaymentStatusCompleted, domain.PaymentStatusPaid).Return(true, nil)

	// Renewal adds exactly one tariff duration onto the stored expiry
	expectedExpiry := testNow.Add(35 * 24 * time.Hour)
	f.subs.On("UpdateExpiry", mock.Anything, mock.Anything,
		int64(9), expectedExpiry, int64(7), int64(102400)).Return(nil)

	// Extension resets traffic on existing keys
	f.keys.On("ListBySubscription", mock.Anything, nil, int64(9)).
		Return([]*domain.VPNKey{}, nil)
	f.keys.On("CountBySubscription", mock.Anything, nil, int64(9)).Return(int64(2), nil)

	f.subs.On("MarkPurchaseNotificationSent", mock.Anything, int64(9)).Return(false, nil)
	f.notifier.On("NotifyUser", mock.Anything, int64(42), mock.MatchedBy(func(text string) bool {
		return strings.Contains(text, "extended")
	})).Return(nil)
	f.notifier.On("NotifyAdmin", mock.Anything, mock.Anything).Return(nil)

	f.payments.On("GetByPaymentID", mock.Anything, nil, "pay-1").
		Return(subscriptionPayment(domain.PaymentStatusCompleted), nil).Once()
	f.subs.On("GetByID", mock.Anything, nil, int64(9)).Return(existing, nil)

	err := f.svc.Process(context.Background(), "pay-1")
	require.NoError(t, err)
	f.assertExpectations(t)
}

func TestProcessManualOverrideNotExtended(t *testing.T) {
	f := newFixture(t)
	tariff := monthlyTariff()

	f.payments.On("GetByPaymentID", mock.Anything, nil, "pay-1").
		Return(subscriptionPayment(domain.PaymentStatusPaid), nil).Twice()
	f.payments.On("TryAcquireProcessingLock", mock.Anything, "pay-1", domain.MetaProcessingLock).
		Return(true, nil)
	f.payments.On("ReleaseProcessingLock", mock.Anything, "pay-1", domain.MetaProcessingLock).
		Return(nil)
	f.tariffs.On("GetByID", mock.Anything, int64(7)).Return(tariff, nil)
	f.users.On("GetByID", mock.Anything, int64(42)).Return(&domain.User{ID: 42}, nil)

	// Admin-set expiry six years out stays untouched by the renewal
	frozen := testNow.Add(6 * 365 * 24 * time.Hour)
	existing := &domain.Subscription{
		ID:                       9,
		UserID:                   42,
		Token:                    "abcdef1234567890",
		ExpiresAt:                frozen,
		CreatedAt:                testNow.Add(-30 * 24 * time.Hour),
		TariffID:                 7,
		IsActive:                 true,
		TrafficLimitMB:           102400,
		PurchaseNotificationSent: true,
	}
	f.subs.On("GetActiveForUser", mock.Anything, mock.Anything, int64(42), mock.Anything).
		Return(existing, nil)
	f.payments.On("UpdateSubscriptionID", mock.Anything, "pay-1", int64(9)).Return(nil)
	f.payments.On("TryUpdateStatus", mock.Anything, "pay-1",
		domain.PaymentStatusCompleted, domain.PaymentStatusPaid).Return(true, nil)

	f.subs.On("UpdateExpiry", mock.Anything, mock.Anything,
		int64(9), frozen, int64(7), int64(102400)).Return(nil)
	f.keys.On("CountBySubscription", mock.Anything, nil, int64(9)).Return(int64(1), nil)

	f.subs.On("MarkPurchaseNotificationSent", mock.Anything, int64(9)).Return(false, nil)
	f.notifier.On("NotifyUser", mock.Anything, int64(42), mock.Anything).Return(nil)
	f.notifier.On("NotifyAdmin", mock.Anything, mock.Anything).Return(nil)

	f.payments.On("GetByPaymentID", mock.Anything, nil, "pay-1").
		Return(subscriptionPayment(domain.PaymentStatusCompleted), nil).Once()
	f.subs.On("GetByID", mock.Anything, nil, int64(9)).Return(existing, nil)

	err := f.svc.Process(context.Background(), "pay-1")
	require.NoError(t, err)
	f.assertExpectations(t)
}

func TestProcessCompletedPaymentShortCircuits(t *testing.T) {
	f := newFixture(t)

	f.payments.On("GetByPaymentID", mock.Anything, nil, "pay-1").
		Return(subscriptionPayment(domain.PaymentStatusCompleted), nil).Once()
	f.notifier.On("NotifyAdmin", mock.Anything, mock.Anything).Return(nil)

	err := f.svc.Process(context.Background(), "pay-1")
	require.NoError(t, err)
	f.payments.AssertNotCalled(t, "TryAcquireProcessingLock", mock.Anything, mock.Anything, mock.Anything)
}

func TestProcessRejectsNonPaidPayment(t *testing.T) {
	f := newFixture(t)

	f.payments.On("GetByPaymentID", mock.Anything, nil, "pay-1").
		Return(subscriptionPayment(domain.PaymentStatusPending), nil).Once()

	err := f.svc.Process(context.Background(), "pay-1")
	assert.Equal(t, domain.ErrorCodeValidationFailed, domain.GetErrorCode(err))
}

func TestProcessRejectsNonSubscriptionPayment(t *testing.T) {
	f := newFixture(t)

	simple := subscriptionPayment(domain.PaymentStatusPaid)
	simple.Protocol = domain.ProtocolOutline
	f.payments.On("GetByPaymentID", mock.Anything, nil, "pay-1").Return(simple, nil).Once()

	err := f.svc.Process(context.Background(), "pay-1")
	assert.Equal(t, domain.ErrorCodeValidationFailed, domain.GetErrorCode(err))
}

func TestProcessLockDenied(t *testing.T) {
	f := newFixture(t)

	f.payments.On("GetByPaymentID", mock.Anything, nil, "pay-1").
		Return(subscriptionPayment(domain.PaymentStatusPaid), nil).Once()
	f.payments.On("TryAcquireProcessingLock", mock.Anything, "pay-1", domain.MetaProcessingLock).
		Return(false, nil)

	err := f.svc.Process(context.Background(), "pay-1")
	assert.True(t, domain.IsProcessingInProgress(err))
	f.payments.AssertNotCalled(t, "ReleaseProcessingLock", mock.Anything, mock.Anything, mock.Anything)
}

func TestProcessPreLinkedSubscriptionWithKeysOnlyFinalizes(t *testing.T) {
	f := newFixture(t)
	tariff := monthlyTariff()

	linked := subscriptionPayment(domain.PaymentStatusPaid)
	subID := int64(9)
	linked.SubscriptionID = &subID

	f.payments.On("GetByPaymentID", mock.Anything, nil, "pay-1").Return(linked, nil).Twice()
	f.payments.On("TryAcquireProcessingLock", mock.Anything, "pay-1", domain.MetaProcessingLock).
		Return(true, nil)
	f.payments.On("ReleaseProcessingLock", mock.Anything, "pay-1", domain.MetaProcessingLock).
		Return(nil)
	f.tariffs.On("GetByID", mock.Anything, int64(7)).Return(tariff, nil)
	f.users.On("GetByID", mock.Anything, int64(42)).Return(&domain.User{ID: 42}, nil)

	f.keys.On("CountBySubscription", mock.Anything, nil, int64(9)).Return(int64(2), nil)
	f.payments.On("TryUpdateStatus", mock.Anything, "pay-1",
		domain.PaymentStatusCompleted, domain.PaymentStatusPaid).Return(true, nil)
	f.notifier.On("NotifyAdmin", mock.Anything, mock.Anything).Return(nil)

	err := f.svc.Process(context.Background(), "pay-1")
	require.NoError(t, err)
	f.subs.AssertNotCalled(t, "Create", mock.Anything, mock.Anything, mock.Anything)
	f.notifier.AssertNotCalled(t, "NotifyUser", mock.Anything, mock.Anything, mock.Anything)
}

func TestProcessPreLinkedSubscriptionWithoutKeysResumes(t *testing.T) {
	f := newFixture(t)
	tariff := monthlyTariff()

	linked := subscriptionPayment(domain.PaymentStatusPaid)
	subID := int64(9)
	linked.SubscriptionID = &subID

	f.payments.On("GetByPaymentID", mock.Anything, nil, "pay-1").Return(linked, nil).Twice()
	f.payments.On("TryAcquireProcessingLock", mock.Anything, "pay-1", domain.MetaProcessingLock).
		Return(true, nil)
	f.payments.On("ReleaseProcessingLock", mock.Anything, "pay-1", domain.MetaProcessingLock).
		Return(nil)
	f.tariffs.On("GetByID", mock.Anything, int64(7)).Return(tariff, nil)
	f.users.On("GetByID", mock.Anything, int64(42)).Return(&domain.User{ID: 42}, nil)

	f.keys.On("CountBySubscription", mock.Anything, nil, int64(9)).Return(int64(0), nil).Twice()

	// Row left behind by a run that crashed between linking and
	// provisioning; its placeholder expiry has long aged out
	recovered := &domain.Subscription{
		ID:             9,
		UserID:         42,
		Token:          "abcdef1234567890",
		ExpiresAt:      testNow.Add(-48 * time.Hour),
		CreatedAt:      testNow.Add(-48 * time.Hour),
		TariffID:       7,
		IsActive:       true,
		TrafficLimitMB: 102400,
	}
	f.subs.On("GetByID", mock.Anything, nil, int64(9)).Return(recovered, nil).Once()

	f.payments.On("TryUpdateStatus", mock.Anything, "pay-1",
		domain.PaymentStatusCompleted, domain.PaymentStatusPaid).Return(true, nil)

	completedCopy := subscriptionPayment(domain.PaymentStatusCompleted)
	f.payments.On("ListCompletedBySubscription", mock.Anything, nil, int64(9)).
		Return([]*domain.Payment{completedCopy}, nil)
	f.referrals.On("CountQualifiedReferrals", mock.Anything, int64(42), mock.Anything).
		Return(int64(0), nil)

	expectedExpiry := completedCopy.CreatedAt.Add(30 * 24 * time.Hour)
	f.subs.On("UpdateExpiry", mock.Anything, mock.Anything,
		int64(9), expectedExpiry, int64(7), int64(102400)).Return(nil)

	node := &domain.Server{ID: 3, Protocol: domain.ProtocolV2Ray, AccessLevel: domain.AccessLevelAll, Active: true}
	f.servers.On("ListActiveByProtocol", mock.Anything, domain.ProtocolV2Ray).
		Return([]*domain.Server{node}, nil)
	f.servers.On("ListActiveByProtocol", mock.Anything, domain.ProtocolOutline).
		Return([]*domain.Server{}, nil)

	gw := &testutil.MockVPNGateway{}
	f.gateways.On("ForServer", node).Return(gw, nil)
	cred := &ports.VPNCredential{UUID: "u-1"}
	gw.On("CreateUser", mock.Anything, "42_abcdef12").Return(cred, nil)
	gw.On("UserConfig", mock.Anything, cred).Return("vless://u-1@host:443", nil)
	gw.On("Close").Return(nil)

	f.keys.On("ExistsForServer", mock.Anything, mock.Anything, int64(3), int64(9), domain.ProtocolV2Ray).
		Return(false, nil).Twice()
	insertedKey := &domain.VPNKey{ID: 1, ServerID: 3, UserID: 42, Protocol: domain.ProtocolV2Ray, UUID: "u-1"}
	f.keys.On("Insert", mock.Anything, mock.Anything, mock.Anything).Return(insertedKey, nil)
	f.keys.On("ExistsForServer", mock.Anything, mock.Anything, int64(3), int64(9), domain.ProtocolV2Ray).
		Return(true, nil).Once()

	f.subs.On("MarkPurchaseNotificationSent", mock.Anything, int64(9)).Return(true, nil)
	f.keys.On("ListBySubscription", mock.Anything, nil, int64(9)).
		Return([]*domain.VPNKey{insertedKey}, nil)
	f.notifier.On("NotifyUser", mock.Anything, int64(42), mock.MatchedBy(func(text string) bool {
		return strings.Contains(text, "vpn.example.com/api/subscription/abcdef1234567890")
	})).Return(nil)
	f.notifier.On("NotifyAdmin", mock.Anything, mock.Anything).Return(nil)

	// Final audit reads
	f.payments.On("GetByPaymentID", mock.Anything, nil, "pay-1").
		Return(subscriptionPayment(domain.PaymentStatusCompleted), nil).Once()
	f.subs.On("GetByID", mock.Anything, nil, int64(9)).Return(&domain.Subscription{
		ID: 9, PurchaseNotificationSent: true,
	}, nil).Once()

	err := f.svc.Process(context.Background(), "pay-1")
	require.NoError(t, err)
	f.subs.AssertNotCalled(t, "Create", mock.Anything, mock.Anything, mock.Anything)
	f.subs.AssertNotCalled(t, "GetActiveForUser", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	f.payments.AssertNotCalled(t, "UpdateSubscriptionID", mock.Anything, mock.Anything, mock.Anything)
	f.assertExpectations(t)
	gw.AssertExpectations(t)
}

func TestClampExpiry(t *testing.T) {
	farFuture := testNow.Add(20 * 365 * 24 * time.Hour)
	clamped := clampExpiry(farFuture, testNow)
	assert.Equal(t, testNow.Add(domain.MaxExpiryHorizon), clamped)

	near := testNow.Add(30 * 24 * time.Hour)
	assert.Equal(t, near, clampExpiry(near, testNow))
}
