package testutil

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/mock"

	"github.com/outpostvpn/billing-service/internal/domain"
	"github.com/outpostvpn/billing-service/internal/domain/ports"
)

// FakeDB satisfies ports.DBPort for service tests. Transactions run the
// callback with a nil tx; repositories are mocked so the tx is never used.
type FakeDB struct{}

func (FakeDB) GetDB() *pgxpool.Pool { return nil }

func (FakeDB) WithTransaction(ctx context.Context, fn func(ctx context.Context, tx pgx.Tx) error) error {
	return fn(ctx, nil)
}

func (FakeDB) WithReadOnlyTransaction(ctx context.Context, fn func(ctx context.Context, tx pgx.Tx) error) error {
	return fn(ctx, nil)
}

var _ ports.DBPort = FakeDB{}

// MockPaymentRepository mocks ports.PaymentRepository
type MockPaymentRepository struct{ mock.Mock }

func (m *MockPaymentRepository) Create(ctx context.Context, tx ports.DBTX, payment *domain.Payment) (*domain.Payment, error) {
	args := m.Called(ctx, tx, payment)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Payment), args.Error(1)
}

func (m *MockPaymentRepository) GetByPaymentID(ctx context.Context, db ports.DBTX, paymentID string) (*domain.Payment, error) {
	args := m.Called(ctx, db, paymentID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Payment), args.Error(1)
}

func (m *MockPaymentRepository) GetByID(ctx context.Context, db ports.DBTX, id int64) (*domain.Payment, error) {
	args := m.Called(ctx, db, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Payment), args.Error(1)
}

func (m *MockPaymentRepository) Update(ctx context.Context, tx ports.DBTX, payment *domain.Payment) error {
	return m.Called(ctx, tx, payment).Error(0)
}

func (m *MockPaymentRepository) TryUpdateStatus(ctx context.Context, paymentID string, to, expectedFrom domain.PaymentStatus) (bool, error) {
	args := m.Called(ctx, paymentID, to, expectedFrom)
	return args.Bool(0), args.Error(1)
}

func (m *MockPaymentRepository) TryAcquireProcessingLock(ctx context.Context, paymentID, lockKey string) (bool, error) {
	args := m.Called(ctx, paymentID, lockKey)
	return args.Bool(0), args.Error(1)
}

func (m *MockPaymentRepository) ReleaseProcessingLock(ctx context.Context, paymentID, lockKey string) error {
	return m.Called(ctx, paymentID, lockKey).Error(0)
}

func (m *MockPaymentRepository) UpdateSubscriptionID(ctx context.Context, paymentID string, subscriptionID int64) error {
	return m.Called(ctx, paymentID, subscriptionID).Error(0)
}

func (m *MockPaymentRepository) Filter(ctx context.Context, filter ports.PaymentFilter, sortBy string, sortAsc bool) ([]*domain.Payment, error) {
	args := m.Called(ctx, filter, sortBy, sortAsc)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.Payment), args.Error(1)
}

func (m *MockPaymentRepository) CountFiltered(ctx context.Context, filter ports.PaymentFilter) (int64, error) {
	args := m.Called(ctx, filter)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockPaymentRepository) GetPaidPaymentsWithoutKeys(ctx context.Context) ([]*domain.Payment, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.Payment), args.Error(1)
}

func (m *MockPaymentRepository) GetPendingPayments(ctx context.Context) ([]*domain.Payment, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.Payment), args.Error(1)
}

func (m *MockPaymentRepository) ListCompletedBySubscription(ctx context.Context, db ports.DBTX, subscriptionID int64) ([]*domain.Payment, error) {
	args := m.Called(ctx, db, subscriptionID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.Payment), args.Error(1)
}

func (m *MockPaymentRepository) GetStatistics(ctx context.Context) (*domain.PaymentStatistics, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.PaymentStatistics), args.Error(1)
}

var _ ports.PaymentRepository = (*MockPaymentRepository)(nil)

// MockSubscriptionRepository mocks ports.SubscriptionRepository
type MockSubscriptionRepository struct{ mock.Mock }

func (m *MockSubscriptionRepository) Create(ctx context.Context, tx ports.DBTX, sub *domain.Subscription) (*domain.Subscription, error) {
	args := m.Called(ctx, tx, sub)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Subscription), args.Error(1)
}

func (m *MockSubscriptionRepository) GetByID(ctx context.Context, db ports.DBTX, id int64) (*domain.Subscription, error) {
	args := m.Called(ctx, db, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Subscription), args.Error(1)
}

func (m *MockSubscriptionRepository) GetActiveForUser(ctx context.Context, tx ports.DBTX, userID int64, now time.Time) (*domain.Subscription, error) {
	args := m.Called(ctx, tx, userID, now)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Subscription), args.Error(1)
}

func (m *MockSubscriptionRepository) Update(ctx context.Context, tx ports.DBTX, sub *domain.Subscription) error {
	return m.Called(ctx, tx, sub).Error(0)
}

func (m *MockSubscriptionRepository) UpdateExpiry(ctx context.Context, tx ports.DBTX, id int64, expiresAt time.Time, tariffID, trafficLimitMB int64) error {
	return m.Called(ctx, tx, id, expiresAt, tariffID, trafficLimitMB).Error(0)
}

func (m *MockSubscriptionRepository) ExtendByDuration(ctx context.Context, id int64, d time.Duration) (time.Time, error) {
	args := m.Called(ctx, id, d)
	return args.Get(0).(time.Time), args.Error(1)
}

func (m *MockSubscriptionRepository) MarkPurchaseNotificationSent(ctx context.Context, id int64) (bool, error) {
	args := m.Called(ctx, id)
	return args.Bool(0), args.Error(1)
}

func (m *MockSubscriptionRepository) HasActivePaidSubscription(ctx context.Context, userID int64, now time.Time) (bool, error) {
	args := m.Called(ctx, userID, now)
	return args.Bool(0), args.Error(1)
}

var _ ports.SubscriptionRepository = (*MockSubscriptionRepository)(nil)

// MockKeyRepository mocks ports.KeyRepository
type MockKeyRepository struct{ mock.Mock }

func (m *MockKeyRepository) Insert(ctx context.Context, tx ports.DBTX, key *domain.VPNKey) (*domain.VPNKey, error) {
	args := m.Called(ctx, tx, key)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.VPNKey), args.Error(1)
}

func (m *MockKeyRepository) ExistsForServer(ctx context.Context, db ports.DBTX, serverID, subscriptionID int64, protocol domain.Protocol) (bool, error) {
	args := m.Called(ctx, db, serverID, subscriptionID, protocol)
	return args.Bool(0), args.Error(1)
}

func (m *MockKeyRepository) GetByID(ctx context.Context, db ports.DBTX, id int64, protocol domain.Protocol) (*domain.VPNKey, error) {
	args := m.Called(ctx, db, id, protocol)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.VPNKey), args.Error(1)
}

func (m *MockKeyRepository) ListBySubscription(ctx context.Context, db ports.DBTX, subscriptionID int64) ([]*domain.VPNKey, error) {
	args := m.Called(ctx, db, subscriptionID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.VPNKey), args.Error(1)
}

func (m *MockKeyRepository) CountBySubscription(ctx context.Context, db ports.DBTX, subscriptionID int64) (int64, error) {
	args := m.Called(ctx, db, subscriptionID)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockKeyRepository) Delete(ctx context.Context, tx ports.DBTX, id int64, protocol domain.Protocol) error {
	return m.Called(ctx, tx, id, protocol).Error(0)
}

func (m *MockKeyRepository) ListActiveByUser(ctx context.Context, userID int64, protocol domain.Protocol, now time.Time) ([]*domain.VPNKey, error) {
	args := m.Called(ctx, userID, protocol, now)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.VPNKey), args.Error(1)
}

var _ ports.KeyRepository = (*MockKeyRepository)(nil)

// MockTariffRepository mocks ports.TariffRepository
type MockTariffRepository struct{ mock.Mock }

func (m *MockTariffRepository) GetByID(ctx context.Context, id int64) (*domain.Tariff, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Tariff), args.Error(1)
}

var _ ports.TariffRepository = (*MockTariffRepository)(nil)

// MockUserRepository mocks ports.UserRepository
type MockUserRepository struct{ mock.Mock }

func (m *MockUserRepository) GetByID(ctx context.Context, id int64) (*domain.User, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.User), args.Error(1)
}

var _ ports.UserRepository = (*MockUserRepository)(nil)

// MockServerRepository mocks ports.ServerRepository
type MockServerRepository struct{ mock.Mock }

func (m *MockServerRepository) GetByID(ctx context.Context, id int64) (*domain.Server, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Server), args.Error(1)
}

func (m *MockServerRepository) ListActiveByProtocol(ctx context.Context, protocol domain.Protocol) ([]*domain.Server, error) {
	args := m.Called(ctx, protocol)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.Server), args.Error(1)
}

var _ ports.ServerRepository = (*MockServerRepository)(nil)

// MockReferralRepository mocks ports.ReferralRepository
type MockReferralRepository struct{ mock.Mock }

func (m *MockReferralRepository) CountQualifiedReferrals(ctx context.Context, referrerID int64, paidBefore time.Time) (int64, error) {
	args := m.Called(ctx, referrerID, paidBefore)
	return args.Get(0).(int64), args.Error(1)
}

var _ ports.ReferralRepository = (*MockReferralRepository)(nil)

// MockProviderGateway mocks ports.ProviderGateway
type MockProviderGateway struct {
	mock.Mock
	Name domain.Provider
}

func (m *MockProviderGateway) Provider() domain.Provider { return m.Name }

func (m *MockProviderGateway) CreatePayment(ctx context.Context, req *ports.CreatePaymentRequest) (*ports.CreatePaymentResult, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*ports.CreatePaymentResult), args.Error(1)
}

func (m *MockProviderGateway) CheckPayment(ctx context.Context, providerPaymentID string) (bool, error) {
	args := m.Called(ctx, providerPaymentID)
	return args.Bool(0), args.Error(1)
}

func (m *MockProviderGateway) RefundPayment(ctx context.Context, providerPaymentID string, amountMinor int64, reason string) error {
	return m.Called(ctx, providerPaymentID, amountMinor, reason).Error(0)
}

func (m *MockProviderGateway) ParseWebhook(body []byte) (*ports.WebhookNotice, error) {
	args := m.Called(body)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*ports.WebhookNotice), args.Error(1)
}

func (m *MockProviderGateway) VerifyWebhook(r *http.Request, body []byte) error {
	return m.Called(r, body).Error(0)
}

var _ ports.ProviderGateway = (*MockProviderGateway)(nil)

// MockVPNGateway mocks ports.VPNGateway
type MockVPNGateway struct{ mock.Mock }

func (m *MockVPNGateway) CreateUser(ctx context.Context, email string) (*ports.VPNCredential, error) {
	args := m.Called(ctx, email)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*ports.VPNCredential), args.Error(1)
}

func (m *MockVPNGateway) UserConfig(ctx context.Context, cred *ports.VPNCredential) (string, error) {
	args := m.Called(ctx, cred)
	return args.String(0), args.Error(1)
}

func (m *MockVPNGateway) DeleteUser(ctx context.Context, cred *ports.VPNCredential) error {
	return m.Called(ctx, cred).Error(0)
}

func (m *MockVPNGateway) ResetTraffic(ctx context.Context, cred *ports.VPNCredential) error {
	return m.Called(ctx, cred).Error(0)
}

func (m *MockVPNGateway) Close() error {
	return m.Called().Error(0)
}

var _ ports.VPNGateway = (*MockVPNGateway)(nil)

// MockVPNGatewayFactory mocks ports.VPNGatewayFactory
type MockVPNGatewayFactory struct{ mock.Mock }

func (m *MockVPNGatewayFactory) ForServer(server *domain.Server) (ports.VPNGateway, error) {
	args := m.Called(server)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(ports.VPNGateway), args.Error(1)
}

var _ ports.VPNGatewayFactory = (*MockVPNGatewayFactory)(nil)

// MockNotifier mocks ports.Notifier
type MockNotifier struct{ mock.Mock }

func (m *MockNotifier) NotifyUser(ctx context.Context, userID int64, text string) error {
	return m.Called(ctx, userID, text).Error(0)
}

func (m *MockNotifier) NotifyAdmin(ctx context.Context, text string) error {
	return m.Called(ctx, text).Error(0)
}

var _ ports.Notifier = (*MockNotifier)(nil)
