package webhook

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/outpostvpn/billing-service/internal/domain"
	"github.com/outpostvpn/billing-service/internal/domain/ports"
	"github.com/outpostvpn/billing-service/internal/services/payment"
	"github.com/outpostvpn/billing-service/internal/services/purchase"
	webhookservice "github.com/outpostvpn/billing-service/internal/services/webhook"
	"github.com/outpostvpn/billing-service/internal/testutil"
)

func newTestMux(t *testing.T, gateway *testutil.MockProviderGateway) *http.ServeMux {
	t.Helper()
	payments := &testutil.MockPaymentRepository{}
	notifier := &testutil.MockNotifier{}
	providers := map[domain.Provider]ports.ProviderGateway{domain.ProviderYooKassa: gateway}

	purchaseSvc := purchase.NewService(
		testutil.FakeDB{}, payments,
		&testutil.MockSubscriptionRepository{}, &testutil.MockKeyRepository{},
		&testutil.MockTariffRepository{}, &testutil.MockUserRepository{},
		&testutil.MockServerRepository{}, &testutil.MockReferralRepository{},
		&testutil.MockVPNGatewayFactory{}, notifier, testutil.NopLogger{},
		purchase.Config{},
	)
	paymentSvc := payment.NewService(payments, providers, purchaseSvc, notifier,
		testutil.NopLogger{}, payment.Config{
			DefaultCurrency: domain.CurrencyRUB,
			WaitTimeout:     time.Second,
			CheckInterval:   time.Second,
		})
	svc := webhookservice.NewService(payments, providers, paymentSvc, testutil.NopLogger{})

	mux := http.NewServeMux()
	NewHandler(svc, testutil.NopLogger{}).Register(mux)
	return mux
}

func TestWebhookEndpointRejectsUnauthenticated(t *testing.T) {
	gateway := &testutil.MockProviderGateway{Name: domain.ProviderYooKassa}
	gateway.On("VerifyWebhook", mock.Anything, mock.Anything).
		Return(domain.NewDomainError(domain.ErrorCodeValidationFailed, "unauthenticated"))

	mux := newTestMux(t, gateway)
	r := httptest.NewRequest(http.MethodPost, "/webhook/yookassa",
		strings.NewReader(`{"event":"payment.succeeded"}`))
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, r)

	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestWebhookEndpointAcceptsIgnorableUpdate(t *testing.T) {
	gateway := &testutil.MockProviderGateway{Name: domain.ProviderYooKassa}
	gateway.On("VerifyWebhook", mock.Anything, mock.Anything).Return(nil)
	gateway.On("ParseWebhook", mock.Anything).
		Return(&ports.WebhookNotice{Status: domain.ProviderStatusUnknown}, nil)

	mux := newTestMux(t, gateway)
	r := httptest.NewRequest(http.MethodPost, "/webhook/yookassa",
		strings.NewReader(`{"event":"refund.succeeded"}`))
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, r)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestWebhookEndpointUnknownPathIs404(t *testing.T) {
	gateway := &testutil.MockProviderGateway{Name: domain.ProviderYooKassa}
	mux := newTestMux(t, gateway)

	r := httptest.NewRequest(http.MethodPost, "/webhook/stripe", strings.NewReader(`{}`))
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, r)

	assert.Equal(t, http.StatusNotFound, w.Code)
}
