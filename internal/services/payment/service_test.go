package payment

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/outpostvpn/billing-service/internal/domain"
	"github.com/outpostvpn/billing-service/internal/domain/ports"
	"github.com/outpostvpn/billing-service/internal/services/purchase"
	"github.com/outpostvpn/billing-service/internal/testutil"
)

type fixture struct {
	payments *testutil.MockPaymentRepository
	gateway  *testutil.MockProviderGateway
	notifier *testutil.MockNotifier
	svc      *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		payments: &testutil.MockPaymentRepository{},
		gateway:  &testutil.MockProviderGateway{Name: domain.ProviderYooKassa},
		notifier: &testutil.MockNotifier{},
	}

	// The dispatch target; its collaborators are only touched in tests that
	// drive a payment through settlement
	purchaseSvc := purchase.NewService(
		testutil.FakeDB{}, f.payments,
		&testutil.MockSubscriptionRepository{}, &testutil.MockKeyRepository{},
		&testutil.MockTariffRepository{}, &testutil.MockUserRepository{},
		&testutil.MockServerRepository{}, &testutil.MockReferralRepository{},
		&testutil.MockVPNGatewayFactory{}, f.notifier, testutil.NopLogger{},
		purchase.Config{SubscriptionHost: "vpn.example.com"},
	)

	f.svc = NewService(
		f.payments,
		map[domain.Provider]ports.ProviderGateway{domain.ProviderYooKassa: f.gateway},
		purchaseSvc, f.notifier, testutil.NopLogger{},
		Config{
			DefaultCurrency: domain.CurrencyRUB,
			WaitTimeout:     time.Second,
			CheckInterval:   10 * time.Millisecond,
		},
	)
	return f
}

func intentRequest() *CreateIntentRequest {
	return &CreateIntentRequest{
		UserID:      42,
		TariffID:    7,
		AmountMinor: 19900,
		Provider:    domain.ProviderYooKassa,
		Protocol:    domain.ProtocolV2Ray,
		Metadata:    domain.Metadata{domain.MetaKeyType: domain.KeyTypeSubscription},
	}
}

func TestCreateIntentValidation(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name   string
		mutate func(*CreateIntentRequest)
		code   domain.ErrorCode
	}{
		{"zero amount", func(r *CreateIntentRequest) { r.AmountMinor = 0 }, domain.ErrorCodeValidationAmountInvalid},
		{"negative amount", func(r *CreateIntentRequest) { r.AmountMinor = -5 }, domain.ErrorCodeValidationAmountInvalid},
		{"unknown provider", func(r *CreateIntentRequest) { r.Provider = "paypal" }, domain.ErrorCodeValidationUnknownEnum},
		{"unknown protocol", func(r *CreateIntentRequest) { r.Protocol = "wireguard" }, domain.ErrorCodeValidationUnknownEnum},
		{"unknown currency", func(r *CreateIntentRequest) { r.Currency = "XBT" }, domain.ErrorCodeValidationUnknownEnum},
		{"bad email", func(r *CreateIntentRequest) { r.Email = "not-an-address" }, domain.ErrorCodeValidationEmailInvalid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := intentRequest()
			tt.mutate(req)
			_, err := f.svc.CreateIntent(context.Background(), req)
			assert.Equal(t, tt.code, domain.GetErrorCode(err))
		})
	}
}

func TestCreateIntent(t *testing.T) {
	f := newFixture(t)

	f.gateway.On("CreatePayment", mock.Anything, mock.MatchedBy(func(r *ports.CreatePaymentRequest) bool {
		return r.AmountMinor == 19900 && r.Currency == domain.CurrencyRUB && r.ExternalID != ""
	})).Return(&ports.CreatePaymentResult{
		ProviderPaymentID: "yk-1",
		ConfirmationURL:   "https://yookassa.ru/checkout/yk-1",
	}, nil)

	stored := &domain.Payment{PaymentID: "yk-1", Status: domain.PaymentStatusPending}
	f.payments.On("Create", mock.Anything, nil, mock.MatchedBy(func(p *domain.Payment) bool {
		return p.PaymentID == "yk-1" && p.Status == domain.PaymentStatusPending && p.UserID == 42
	})).Return(stored, nil)

	result, err := f.svc.CreateIntent(context.Background(), intentRequest())
	require.NoError(t, err)
	assert.Equal(t, "yk-1", result.Payment.PaymentID)
	assert.Equal(t, "https://yookassa.ru/checkout/yk-1", result.ConfirmationURL)
	f.gateway.AssertExpectations(t)
	f.payments.AssertExpectations(t)
}

func TestProcessPaymentSuccessAlreadyCompleted(t *testing.T) {
	f := newFixture(t)

	f.payments.On("TryUpdateStatus", mock.Anything, "yk-1",
		domain.PaymentStatusPaid, domain.PaymentStatusPending).Return(false, nil)
	f.payments.On("GetByPaymentID", mock.Anything, nil, "yk-1").
		Return(&domain.Payment{PaymentID: "yk-1", Status: domain.PaymentStatusCompleted}, nil)

	require.NoError(t, f.svc.ProcessPaymentSuccess(context.Background(), "yk-1"))
}

func TestProcessPaymentSuccessRejectsTerminalState(t *testing.T) {
	f := newFixture(t)

	f.payments.On("TryUpdateStatus", mock.Anything, "yk-1",
		domain.PaymentStatusPaid, domain.PaymentStatusPending).Return(false, nil)
	f.payments.On("GetByPaymentID", mock.Anything, nil, "yk-1").
		Return(&domain.Payment{PaymentID: "yk-1", Status: domain.PaymentStatusFailed}, nil)

	err := f.svc.ProcessPaymentSuccess(context.Background(), "yk-1")
	assert.Equal(t, domain.ErrorCodeValidationFailed, domain.GetErrorCode(err))
}

func TestMarkFailed(t *testing.T) {
	f := newFixture(t)

	f.payments.On("TryUpdateStatus", mock.Anything, "yk-1",
		domain.PaymentStatusFailed, domain.PaymentStatusPending).Return(true, nil)

	require.NoError(t, f.svc.MarkFailed(context.Background(), "yk-1"))
	f.payments.AssertExpectations(t)
}

func TestRecheckSkipsSettledPayment(t *testing.T) {
	f := newFixture(t)

	f.payments.On("GetByPaymentID", mock.Anything, nil, "yk-1").
		Return(&domain.Payment{PaymentID: "yk-1", Status: domain.PaymentStatusFailed}, nil)

	require.NoError(t, f.svc.Recheck(context.Background(), "yk-1"))
	f.gateway.AssertNotCalled(t, "CheckPayment", mock.Anything, mock.Anything)
}

func TestRecheckTreatsForgottenPaymentAsPaid(t *testing.T) {
	f := newFixture(t)

	pending := &domain.Payment{
		PaymentID: "yk-1",
		Provider:  domain.ProviderYooKassa,
		Status:    domain.PaymentStatusPending,
	}
	f.payments.On("GetByPaymentID", mock.Anything, nil, "yk-1").Return(pending, nil).Once()
	f.gateway.On("CheckPayment", mock.Anything, "yk-1").
		Return(false, domain.ErrPaymentNotFound)
	f.payments.On("TryUpdateStatus", mock.Anything, "yk-1",
		domain.PaymentStatusPaid, domain.PaymentStatusPending).Return(true, nil)
	// After the swap the payment turns out to be settled by a parallel run
	f.payments.On("GetByPaymentID", mock.Anything, nil, "yk-1").
		Return(&domain.Payment{PaymentID: "yk-1", Status: domain.PaymentStatusCompleted}, nil).Once()

	require.NoError(t, f.svc.Recheck(context.Background(), "yk-1"))
	f.payments.AssertExpectations(t)
}

func TestRefundRejectsPending(t *testing.T) {
	f := newFixture(t)

	f.payments.On("GetByPaymentID", mock.Anything, nil, "yk-1").
		Return(&domain.Payment{PaymentID: "yk-1", Status: domain.PaymentStatusPending}, nil)

	err := f.svc.Refund(context.Background(), "yk-1", 100, "test")
	assert.Equal(t, domain.ErrorCodeValidationFailed, domain.GetErrorCode(err))
	f.gateway.AssertNotCalled(t, "RefundPayment", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestRefundRejectsAmountOutOfRange(t *testing.T) {
	f := newFixture(t)

	f.payments.On("GetByPaymentID", mock.Anything, nil, "yk-1").
		Return(&domain.Payment{PaymentID: "yk-1", Status: domain.PaymentStatusPaid, AmountMinor: 19900}, nil)

	err := f.svc.Refund(context.Background(), "yk-1", 20000, "too much")
	assert.Equal(t, domain.ErrorCodeValidationAmountInvalid, domain.GetErrorCode(err))
}

func TestRefund(t *testing.T) {
	f := newFixture(t)

	f.payments.On("GetByPaymentID", mock.Anything, nil, "yk-1").
		Return(&domain.Payment{
			PaymentID:   "yk-1",
			Provider:    domain.ProviderYooKassa,
			Status:      domain.PaymentStatusCompleted,
			AmountMinor: 19900,
		}, nil)
	f.gateway.On("RefundPayment", mock.Anything, "yk-1", int64(19900), "user request").Return(nil)
	f.payments.On("TryUpdateStatus", mock.Anything, "yk-1",
		domain.PaymentStatusRefunded, domain.PaymentStatusCompleted).Return(true, nil)
	f.notifier.On("NotifyAdmin", mock.Anything, mock.Anything).Return(nil)

	require.NoError(t, f.svc.Refund(context.Background(), "yk-1", 19900, "user request"))
	f.gateway.AssertExpectations(t)
	f.payments.AssertExpectations(t)
}

func TestRefundLostRaceIsConsistencyViolation(t *testing.T) {
	f := newFixture(t)

	f.payments.On("GetByPaymentID", mock.Anything, nil, "yk-1").
		Return(&domain.Payment{
			PaymentID:   "yk-1",
			Provider:    domain.ProviderYooKassa,
			Status:      domain.PaymentStatusPaid,
			AmountMinor: 19900,
		}, nil)
	f.gateway.On("RefundPayment", mock.Anything, "yk-1", int64(19900), "").Return(nil)
	f.payments.On("TryUpdateStatus", mock.Anything, "yk-1",
		domain.PaymentStatusRefunded, domain.PaymentStatusPaid).Return(false, nil)

	err := f.svc.Refund(context.Background(), "yk-1", 19900, "")
	assert.Equal(t, domain.ErrorCodeConsistencyViolation, domain.GetErrorCode(err))
}

func TestCancel(t *testing.T) {
	f := newFixture(t)

	f.payments.On("GetByPaymentID", mock.Anything, nil, "yk-1").
		Return(&domain.Payment{PaymentID: "yk-1", Status: domain.PaymentStatusPending}, nil)
	f.payments.On("TryUpdateStatus", mock.Anything, "yk-1",
		domain.PaymentStatusCancelled, domain.PaymentStatusPending).Return(true, nil)

	require.NoError(t, f.svc.Cancel(context.Background(), "yk-1"))
}

func TestCancelRejectsCompleted(t *testing.T) {
	f := newFixture(t)

	f.payments.On("GetByPaymentID", mock.Anything, nil, "yk-1").
		Return(&domain.Payment{PaymentID: "yk-1", Status: domain.PaymentStatusCompleted}, nil)

	err := f.svc.Cancel(context.Background(), "yk-1")
	assert.Equal(t, domain.ErrorCodeValidationFailed, domain.GetErrorCode(err))
}

func TestWaitForPaymentSettlesOnStoredStatus(t *testing.T) {
	f := newFixture(t)

	f.payments.On("GetByPaymentID", mock.Anything, nil, "yk-1").
		Return(&domain.Payment{PaymentID: "yk-1", Status: domain.PaymentStatusPaid}, nil)

	paid, err := f.svc.WaitForPayment(context.Background(), "yk-1")
	require.NoError(t, err)
	assert.True(t, paid)
	f.gateway.AssertNotCalled(t, "CheckPayment", mock.Anything, mock.Anything)
}

func TestWaitForPaymentStopsOnTerminalStatus(t *testing.T) {
	f := newFixture(t)

	f.payments.On("GetByPaymentID", mock.Anything, nil, "yk-1").
		Return(&domain.Payment{PaymentID: "yk-1", Status: domain.PaymentStatusCancelled}, nil)

	paid, err := f.svc.WaitForPayment(context.Background(), "yk-1")
	require.NoError(t, err)
	assert.False(t, paid)
}
